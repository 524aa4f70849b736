package portforwarding

import "context"

// StreamHandler receives events for logical streams carried over an agent
// control channel.
type StreamHandler interface {
	OnData(streamID int, data []byte)
	OnClosed(streamID int)
}

// AgentClient is an established control channel to the in-cluster agent.
// Send methods must not retain data after they return.
type AgentClient interface {
	// ReversePortForwardStart registers a reverse forward for info.Port and
	// blocks until the registration ends or ctx is cancelled.
	ReversePortForwardStart(ctx context.Context, info PortForwardStartInfo, h StreamHandler) error
	ReversePortForwardSend(ctx context.Context, port, streamID int, data []byte) error
	ReversePortForwardStop(ctx context.Context, port, streamID int) error

	// ServicePortForwardStart opens one stream to serviceDNS:port as seen from
	// the agent and returns its id.
	ServicePortForwardStart(ctx context.Context, serviceDNS string, port int, h StreamHandler) (int, error)
	ServicePortForwardSend(ctx context.Context, streamID int, data []byte) error
	ServicePortForwardStop(ctx context.Context, streamID int) error

	Close() error
}
