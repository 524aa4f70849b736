// Package agent implements the control channel between bridgectl and its
// in-cluster agent.
//
// The channel is a WebSocket carrying one JSON Message per text frame. It
// multiplexes two kinds of streams:
//
//   - Reverse streams. The client registers a port with reverseStart and the
//     agent listens on it inside the cluster. Each accepted connection becomes
//     a stream, announced by a reverseData message without data. Bytes then
//     flow as reverseData in both directions until either side sends
//     reverseStop (client) or reverseClosed (agent).
//   - Service streams. The client asks for serviceStart with a host and port;
//     the agent dials it and answers serviceStarted with the stream id, or an
//     error message. Bytes flow as serviceData until serviceStop or
//     serviceClosed.
//
// Requests carry a reqId that the matching answer echoes. Stream ids are
// allocated by the agent and are unique within a session. Everything a
// session opened is closed when the WebSocket ends.
//
// Client implements portforwarding.AgentClient, so it plugs directly into
// portforwarding.ReverseForwarder and portforwarding.ServiceForwarder. Server
// is the agent side; besides the control channel it serves /healthz and
// Prometheus metrics on /metrics.
//
// Example usage:
//
//	client, err := agent.Dial(ctx, "ws://127.0.0.1:50051"+agent.ConnectPath)
//	if err != nil {
//	    return err
//	}
//	forwarder := portforwarding.NewServiceForwarder(ctx, client)
//	defer forwarder.Stop()
package agent
