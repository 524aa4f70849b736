package config

import (
	"fmt"
	"net"

	"bridgectl/internal/portforwarding"

	netutils "k8s.io/utils/net"
)

// BridgeConfig is the top-level configuration structure for bridgectl.
type BridgeConfig struct {
	Kube  KubeSettings  `yaml:"kube"`
	Agent AgentSettings `yaml:"agent"`
	// Protocol is the pod port-forward sub-protocol, "v4.channel.k8s.io" or "portforward.k8s.io".
	Protocol string `yaml:"protocol,omitempty"`

	ContainerForwards []ContainerForwardDefinition `yaml:"containerForwards,omitempty"`
	ReverseForwards   []ReverseForwardDefinition   `yaml:"reverseForwards,omitempty"`
	ServiceForwards   []ServiceForwardDefinition   `yaml:"serviceForwards,omitempty"`
}

// KubeSettings selects the cluster. Empty values fall back to kubectl's defaults.
type KubeSettings struct {
	Kubeconfig string `yaml:"kubeconfig,omitempty"`
	Context    string `yaml:"context,omitempty"`
}

// AgentSettings locates the in-cluster agent.
type AgentSettings struct {
	Namespace string `yaml:"namespace,omitempty"`
	Target    string `yaml:"target,omitempty"` // e.g. "service/bridge-agent" or "pod/bridge-agent-0"
	Port      int    `yaml:"port,omitempty"`
	// URL dials the agent directly instead of port-forwarding to Target.
	URL string `yaml:"url,omitempty"`
}

// ContainerForwardDefinition forwards a local port to a port of a pod.
type ContainerForwardDefinition struct {
	Name       string `yaml:"name"`
	Namespace  string `yaml:"namespace,omitempty"`
	Target     string `yaml:"target"`              // pod/NAME, service/NAME or a bare pod name
	LocalPort  int    `yaml:"localPort,omitempty"` // 0 picks a free port
	RemotePort int    `yaml:"remotePort"`
	Address    string `yaml:"address,omitempty"` // defaults to 127.0.0.1
}

// ReverseForwardDefinition exposes a local port inside the cluster through the agent.
type ReverseForwardDefinition struct {
	Name      string `yaml:"name"`
	Port      int    `yaml:"port"`
	LocalPort *int   `yaml:"localPort,omitempty"`
}

// StartInfo converts the definition for portforwarding.ReverseForwarder.
func (d ReverseForwardDefinition) StartInfo() portforwarding.PortForwardStartInfo {
	return portforwarding.PortForwardStartInfo{Port: d.Port, LocalPort: d.LocalPort}
}

// ServiceForwardDefinition forwards a local port to a cluster service through the agent.
type ServiceForwardDefinition struct {
	Name        string `yaml:"name"`
	ServiceDNS  string `yaml:"serviceDNS"`
	ServicePort int    `yaml:"servicePort"`
	LocalPort   *int   `yaml:"localPort,omitempty"`
	IP          string `yaml:"ip,omitempty"` // defaults to all interfaces
}

// StartInfo converts the definition for portforwarding.ServiceForwarder.
func (d ServiceForwardDefinition) StartInfo() (portforwarding.ServicePortForwardStartInfo, error) {
	info := portforwarding.ServicePortForwardStartInfo{
		ServiceDNS:  d.ServiceDNS,
		ServicePort: d.ServicePort,
		LocalPort:   d.LocalPort,
	}
	if d.IP != "" {
		ip, err := ParseListenIP(d.IP)
		if err != nil {
			return info, err
		}
		info.IP = ip
	}
	return info, nil
}

// ParseListenIP parses an IPv4 or IPv6 listen address. Leading zeros are
// accepted the way Kubernetes components accept them.
func ParseListenIP(s string) (net.IP, error) {
	ip := netutils.ParseIPSloppy(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address %q", s)
	}
	return ip, nil
}
