// Package config provides configuration management for bridgectl.
//
// Configuration is YAML and is layered, with later sources overriding earlier
// ones:
//
//  1. Defaults compiled into the binary (agent in namespace "bridge",
//     v4.channel.k8s.io transport, no forwards)
//  2. User configuration (~/.config/bridgectl/config.yaml)
//  3. Project configuration (./.bridgectl/config.yaml)
//  4. An explicit file passed with --config
//
// Scalar settings set in a later layer replace earlier values. Forward lists are
// merged by name, so a project file can redefine a single forward from the user
// file without repeating the others.
//
// # Configuration Structure
//
//	kube:
//	  context: "staging"
//	agent:
//	  namespace: "bridge"
//	  target: "service/bridge-agent"
//	  port: 50051
//	protocol: "v4.channel.k8s.io"
//	containerForwards:
//	  - name: "api"
//	    target: "service/api"
//	    localPort: 8080
//	    remotePort: 80
//	reverseForwards:
//	  - name: "webhook"
//	    port: 9000       # port the agent listens on in the cluster
//	    localPort: 3000  # defaults to port
//	serviceForwards:
//	  - name: "db"
//	    serviceDNS: "postgres.default.svc.cluster.local"
//	    servicePort: 5432
//	    ip: "127.0.0.1"  # defaults to all interfaces
//
// The merged configuration is validated before it is returned.
package config
