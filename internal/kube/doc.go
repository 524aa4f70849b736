// Package kube connects bridgectl to Kubernetes clusters.
//
// It loads REST configs from kubeconfig files the way kubectl does, resolves
// port-forward targets such as "service/my-svc" to a ready backing pod, and
// opens pod port-forward transports for the portforwarding package.
//
// # Transports
//
// Client implements portforwarding.TransportOpener. Two wire protocols are
// supported:
//
//   - v4.channel.k8s.io over WebSocket (default). Frames are prefixed with a
//     channel byte and the kubelet echoes the port as the first message on each
//     channel, so the returned demuxer reports EchoesPort.
//   - portforward.k8s.io over SPDY, for API servers that predate WebSocket
//     port-forwarding.
//
// Handshake failures are returned as *portforwarding.TransportError so the
// transport factory can retry them.
//
// # Authentication
//
// The client-go auth provider plugins are linked in, so exec and OIDC based
// kubeconfigs work without extra setup.
package kube
