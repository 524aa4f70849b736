package portforwarding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"bridgectl/pkg/logging"

	"k8s.io/apimachinery/pkg/util/wait"
)

// DialFunc opens a local connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ReverseOption configures a ReverseForwarder.
type ReverseOption func(*ReverseForwarder)

// WithReverseDialer replaces the dialer used for local connections.
func WithReverseDialer(dial DialFunc) ReverseOption {
	return func(f *ReverseForwarder) {
		f.dial = dial
	}
}

// ReverseForwarder delivers connections accepted by the agent on a remote port to
// a local port. Each remote stream id gets its own local connection.
type ReverseForwarder struct {
	client AgentClient
	dial   DialFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	info    PortForwardStartInfo
	started bool
	stopped bool

	streams sync.Map // int -> *reverseStream

	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ StreamHandler = (*ReverseForwarder)(nil)

type reverseStream struct {
	id    int
	ready chan struct{}
	conn  net.Conn

	closeOnce sync.Once
}

func (s *reverseStream) close() {
	<-s.ready
	s.closeOnce.Do(func() {
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// NewReverseForwarder returns a forwarder that lives until ctx is cancelled or
// Stop is called. It takes ownership of client.
func NewReverseForwarder(ctx context.Context, client AgentClient, opts ...ReverseOption) *ReverseForwarder {
	ctx, cancel := context.WithCancel(ctx)
	var d net.Dialer
	f := &ReverseForwarder{
		client: client,
		dial:   d.DialContext,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start registers the reverse forward with the agent and keeps re-registering,
// ReverseRetryInterval apart, until the forwarder is stopped.
func (f *ReverseForwarder) Start(info PortForwardStartInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return errors.New("reverse forwarder is stopped")
	}
	if f.started {
		return fmt.Errorf("reverse forwarder already started for port %d", f.info.Port)
	}
	f.started = true
	f.info = info

	subsystem := fmt.Sprintf("ReverseForward-%d", info.Port)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		wait.UntilWithContext(f.ctx, func(ctx context.Context) {
			logging.Info(subsystem, "Registering reverse port-forward for remote port %d to local port %d", info.Port, info.LocalPortOrDefault())
			err := f.client.ReversePortForwardStart(ctx, info, f)
			switch {
			case ctx.Err() != nil:
			case err != nil:
				logging.Warn(subsystem, "Reverse port-forward registration failed, retrying in %s: %v", ReverseRetryInterval, err)
			default:
				logging.Debug(subsystem, "Reverse port-forward registration ended, registering again")
			}
		}, ReverseRetryInterval)
		logging.Debug(subsystem, "Registration loop stopped")
	}()
	return nil
}

func (f *ReverseForwarder) subsystem() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("ReverseForward-%d", f.info.Port)
}

// OnData writes data to the local connection for streamID, connecting it first
// when the stream is new.
func (f *ReverseForwarder) OnData(streamID int, data []byte) {
	if f.ctx.Err() != nil {
		return
	}
	fresh := &reverseStream{id: streamID, ready: make(chan struct{})}
	v, loaded := f.streams.LoadOrStore(streamID, fresh)
	s := v.(*reverseStream)
	if !loaded {
		f.connect(s)
	}
	<-s.ready
	if s.conn == nil || len(data) == 0 {
		return
	}
	if _, err := s.conn.Write(data); err != nil {
		if isConnClosing(err) {
			logging.Debug(f.subsystem(), "Stream %d: local connection already closed: %v", streamID, err)
		} else {
			logging.Error(f.subsystem(), err, "Stream %d: writing to local connection failed", streamID)
		}
		return
	}
	forwardedBytes.WithLabelValues(kindReverse, directionDownstream).Add(float64(len(data)))
}

// OnClosed closes and forgets the local connection for streamID.
func (f *ReverseForwarder) OnClosed(streamID int) {
	v, ok := f.streams.LoadAndDelete(streamID)
	if !ok {
		return
	}
	logging.Debug(f.subsystem(), "Stream %d closed by remote", streamID)
	v.(*reverseStream).close()
}

func (f *ReverseForwarder) connect(s *reverseStream) {
	defer close(s.ready)

	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		f.streams.CompareAndDelete(s.id, s)
		return
	}
	port := f.info.Port
	localPort := f.info.LocalPortOrDefault()
	f.wg.Add(1)
	f.mu.Unlock()

	address := net.JoinHostPort("localhost", strconv.Itoa(localPort))
	conn, err := f.dial(f.ctx, "tcp", address)
	if err != nil {
		defer f.wg.Done()
		logging.Error(f.subsystem(), err, "Stream %d: connecting to %s failed", s.id, address)
		f.streams.CompareAndDelete(s.id, s)
		if serr := f.client.ReversePortForwardStop(f.ctx, port, s.id); serr != nil && f.ctx.Err() == nil {
			logging.Debug(f.subsystem(), "Stream %d: stopping remote stream failed: %v", s.id, serr)
		}
		return
	}
	logging.Debug(f.subsystem(), "Stream %d: connected to %s", s.id, address)
	s.conn = conn

	go func() {
		defer f.wg.Done()
		f.pumpLocal(s, port)
	}()
}

// pumpLocal copies from the local connection of s to the agent.
func (f *ReverseForwarder) pumpLocal(s *reverseStream, port int) {
	activePumps.WithLabelValues(kindReverse).Inc()
	defer activePumps.WithLabelValues(kindReverse).Dec()

	buf := getBuffer()
	defer putBuffer(buf)

	<-s.ready
	for {
		n, err := s.conn.Read(*buf)
		if n > 0 {
			if serr := f.client.ReversePortForwardSend(f.ctx, port, s.id, (*buf)[:n]); serr != nil {
				if f.ctx.Err() == nil {
					logging.Error(f.subsystem(), serr, "Stream %d: sending to agent failed", s.id)
				}
				f.OnClosed(s.id)
				return
			}
			forwardedBytes.WithLabelValues(kindReverse, directionUpstream).Add(float64(n))
		}
		if err == nil {
			continue
		}
		switch {
		case isConnClosing(err):
			// A stream already removed was closed by the agent or by Stop.
			logging.Debug(f.subsystem(), "Stream %d: local connection closed: %v", s.id, err)
			if f.streams.CompareAndDelete(s.id, s) {
				if serr := f.client.ReversePortForwardStop(f.ctx, port, s.id); serr != nil && f.ctx.Err() == nil {
					logging.Debug(f.subsystem(), "Stream %d: stopping remote stream failed: %v", s.id, serr)
				}
				s.close()
			}
		default:
			logging.Error(f.subsystem(), err, "Stream %d: reading local connection failed", s.id)
			f.OnClosed(s.id)
		}
		return
	}
}

// Stop cancels registration, closes the agent client and every local
// connection, and waits for all goroutines. It is safe to call more than once.
func (f *ReverseForwarder) Stop() {
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.stopped = true
		f.mu.Unlock()

		subsystem := f.subsystem()
		logging.Debug(subsystem, "Stopping reverse port-forward")
		f.cancel()
		if err := f.client.Close(); err != nil && !isConnClosing(err) {
			logging.Debug(subsystem, "Closing agent client: %v", err)
		}
		f.streams.Range(func(key, value interface{}) bool {
			if f.streams.CompareAndDelete(key, value) {
				value.(*reverseStream).close()
			}
			return true
		})
		f.wg.Wait()
	})
}
