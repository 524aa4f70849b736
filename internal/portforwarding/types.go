package portforwarding

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

const (
	// BufferSize is the size of every pooled copy buffer (80KiB).
	BufferSize = 80 * 1024

	// ListenBacklog is the accept backlog requested for local listeners. Go's net
	// package sizes the backlog from the OS maximum, so this is informational.
	ListenBacklog = 512

	// TransportAttempts is the number of times a transport handshake is attempted.
	TransportAttempts = 3
	// TransportRetryDelay is the fixed delay between transport handshake attempts.
	TransportRetryDelay = 100 * time.Millisecond

	// ReverseRetryInterval is the pause between reverse registration attempts.
	ReverseRetryInterval = time.Second

	// SubProtocolV4Channel is the WebSocket port-forward sub-protocol. The remote
	// side echoes the port number on the first frame of every channel.
	SubProtocolV4Channel = "v4.channel.k8s.io"
	// SubProtocolSPDY is the SPDY port-forward protocol.
	SubProtocolSPDY = "portforward.k8s.io"

	// DataChannel and ErrorChannel are the channel ids for the first (only) port of a transport.
	DataChannel  = 0
	ErrorChannel = 1
)

// PortPair is reported to the caller of StartContainerPortForward once the local
// listener is bound.
type PortPair struct {
	Local  int
	Remote int
}

// PortForwardStartInfo describes a reverse forward: connections the agent accepts
// on Port are delivered to localhost:LocalPort.
type PortForwardStartInfo struct {
	Port      int
	LocalPort *int
}

// LocalPortOrDefault returns LocalPort, or Port when unset.
func (i PortForwardStartInfo) LocalPortOrDefault() int {
	if i.LocalPort != nil {
		return *i.LocalPort
	}
	return i.Port
}

// ServicePortForwardStartInfo describes a service forward: connections accepted
// on IP:LocalPort are carried by the agent to ServiceDNS:ServicePort.
type ServicePortForwardStartInfo struct {
	ServiceDNS  string
	ServicePort int
	LocalPort   *int
	IP          net.IP
}

// LocalPortOrDefault returns LocalPort, or ServicePort when unset.
func (i ServicePortForwardStartInfo) LocalPortOrDefault() int {
	if i.LocalPort != nil {
		return *i.LocalPort
	}
	return i.ServicePort
}

// ListenAddress returns the IP to bind, defaulting to any.
func (i ServicePortForwardStartInfo) ListenAddress() string {
	if i.IP == nil || i.IP.IsUnspecified() {
		return "0.0.0.0"
	}
	return i.IP.String()
}

var (
	// ErrPumpStopped is returned when work is requested from a pump that has stopped.
	ErrPumpStopped = errors.New("stream pump stopped")
	// ErrDemuxerClosed is returned by demuxer streams once the transport has ended.
	ErrDemuxerClosed = errors.New("demuxer closed")
)

// TransportError marks a failure to establish a port-forward transport. Only
// these errors are retried by the transport factory.
type TransportError struct {
	Pod  string
	Port int
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("port-forward transport to pod %s port %d: %v", e.Pod, e.Port, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is, or wraps, a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsListenerClosed reports whether an Accept error means the listener was disposed.
func IsListenerClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// isConnClosing reports errors that mean the peer or this process is already
// tearing the connection down.
func isConnClosing(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, ErrDemuxerClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}
