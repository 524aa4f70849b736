// Package portforwarding moves bytes between local TCP sockets and a
// Kubernetes cluster, in both directions.
//
// It provides three forwarders built on a small set of primitives:
//
//   - ContainerForwarder forwards a local port to a port of a pod over the
//     API server's port-forward subresource.
//   - ReverseForwarder delivers connections that the in-cluster agent accepts
//     on a remote port to a local port.
//   - ServiceForwarder carries local connections to a service as seen from the
//     agent, one logical stream per connection.
//
// # Primitives
//
// LocalListener binds immediately and closes itself when its context ends, so
// a blocked Accept returns an error for which IsListenerClosed is true. Callers
// treat that as a normal shutdown.
//
// A TransportFactory opens a fresh, unstarted Demuxer for one pod port. It is
// built with NewTransportFactory, which retries handshake failures
// (*TransportError) TransportAttempts times, TransportRetryDelay apart.
//
// A Demuxer splits one transport into logical streams keyed by a channel id.
// ChannelDemuxer implements the channel.k8s.io framing over a WebSocket and
// SPDYDemuxer implements it over an httpstream connection.
//
// # Stream pump
//
// StreamPump serves one accepted connection of a container forward. The
// remote transport is created on the first bytes read locally. The pump:
//
//   - drops a 2 byte first read that equals the remote port, for transports
//     that echo the port on every channel
//   - recreates the transport once if it closes before the receive side has
//     started, and stops on any later close
//   - closes transports on a separate goroutine, never from the code that
//     reacts to their closure
//
// Every log line of a pump carries a short id, the pod and both ports so lines
// from concurrent pumps can be told apart. Pod names are logged as
// logging.PII.
//
// # Agent streams
//
// Reverse and service forwards do not use a Demuxer. They multiplex over the
// agent control channel described by AgentClient, and receive events through a
// StreamHandler.
//
// # Lifecycle
//
// All goroutines are owned by the forwarder that started them. Stop (or
// ContainerForward.Wait after cancellation) returns only once they have exited.
// Stop is idempotent on every forwarder.
//
// # Metrics
//
// Byte counts, active streams, reconnects and transport retries are exported
// as Prometheus collectors; see RegisterMetrics.
package portforwarding
