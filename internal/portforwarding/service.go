package portforwarding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"bridgectl/pkg/logging"
)

// ServiceForwarder carries local connections to in-cluster services through the
// agent. Every Start call adds one listening instance.
type ServiceForwarder struct {
	client AgentClient

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	instances []*serviceInstance
	stopped   bool

	stopOnce sync.Once
	wg       sync.WaitGroup
}

type serviceInstance struct {
	info      ServicePortForwardStartInfo
	listener  *LocalListener
	subsystem string
}

// NewServiceForwarder returns a forwarder that lives until ctx is cancelled or
// Stop is called. It takes ownership of client.
func NewServiceForwarder(ctx context.Context, client AgentClient) *ServiceForwarder {
	ctx, cancel := context.WithCancel(ctx)
	return &ServiceForwarder{
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds a listener for info and serves it in the background. A bind
// failure is returned.
func (f *ServiceForwarder) Start(info ServicePortForwardStartInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return errors.New("service forwarder is stopped")
	}

	listener, err := NewLocalListener(f.ctx, info.ListenAddress(), info.LocalPortOrDefault())
	if err != nil {
		return fmt.Errorf("service port-forward to %s:%d: %w", info.ServiceDNS, info.ServicePort, err)
	}
	inst := &serviceInstance{
		info:      info,
		listener:  listener,
		subsystem: fmt.Sprintf("ServiceForward-%s:%d", info.ServiceDNS, info.ServicePort),
	}
	f.instances = append(f.instances, inst)
	logging.Info(inst.subsystem, "Forwarding from %s to %s:%d", listener.Addr(), info.ServiceDNS, info.ServicePort)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.acceptLoop(inst)
	}()
	return nil
}

// Addrs returns the bound address of every running instance.
func (f *ServiceForwarder) Addrs() []net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	addrs := make([]net.Addr, 0, len(f.instances))
	for _, inst := range f.instances {
		addrs = append(addrs, inst.listener.Addr())
	}
	return addrs
}

func (f *ServiceForwarder) acceptLoop(inst *serviceInstance) {
	for {
		conn, err := inst.listener.Accept()
		if err != nil {
			if IsListenerClosed(err) {
				logging.Debug(inst.subsystem, "Listener closed, stopping")
			} else {
				logging.Error(inst.subsystem, err, "Accepting connections failed")
			}
			return
		}
		logging.Debug(inst.subsystem, "Accepted connection from %s", conn.RemoteAddr())
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.serveConn(inst, conn)
		}()
	}
}

// serviceConn relays agent events for one stream to its local socket.
type serviceConn struct {
	conn      net.Conn
	cancel    context.CancelFunc
	subsystem string
}

func (c *serviceConn) OnData(streamID int, data []byte) {
	if len(data) == 0 {
		return
	}
	if _, err := c.conn.Write(data); err != nil {
		logging.Debug(c.subsystem, "Stream %d: writing to local connection failed: %v", streamID, err)
		c.cancel()
		return
	}
	forwardedBytes.WithLabelValues(kindService, directionDownstream).Add(float64(len(data)))
}

func (c *serviceConn) OnClosed(streamID int) {
	logging.Debug(c.subsystem, "Stream %d closed by remote", streamID)
	c.cancel()
}

func (f *ServiceForwarder) serveConn(inst *serviceInstance, conn net.Conn) {
	activePumps.WithLabelValues(kindService).Inc()
	defer activePumps.WithLabelValues(kindService).Dec()

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	context.AfterFunc(ctx, func() {
		conn.Close()
	})

	handler := &serviceConn{conn: conn, cancel: cancel, subsystem: inst.subsystem}
	streamID, err := f.client.ServicePortForwardStart(ctx, inst.info.ServiceDNS, inst.info.ServicePort, handler)
	if err != nil {
		if ctx.Err() == nil {
			logging.Error(inst.subsystem, err, "Opening stream to %s:%d failed", inst.info.ServiceDNS, inst.info.ServicePort)
		}
		return
	}
	logging.Debug(inst.subsystem, "Stream %d opened", streamID)

	buf := getBuffer()
	defer putBuffer(buf)

	for {
		n, err := conn.Read(*buf)
		if n > 0 {
			if serr := f.client.ServicePortForwardSend(ctx, streamID, (*buf)[:n]); serr != nil {
				if ctx.Err() == nil {
					logging.Error(inst.subsystem, serr, "Stream %d: sending to agent failed", streamID)
				}
				return
			}
			forwardedBytes.WithLabelValues(kindService, directionUpstream).Add(float64(n))
		}
		if err == nil {
			continue
		}
		switch {
		case isConnClosing(err) && ctx.Err() == nil:
			// EOF or a reset from the local peer.
			logging.Debug(inst.subsystem, "Stream %d: local connection closed: %v", streamID, err)
			if serr := f.client.ServicePortForwardStop(ctx, streamID); serr != nil && ctx.Err() == nil {
				logging.Debug(inst.subsystem, "Stream %d: stopping remote stream failed: %v", streamID, serr)
			}
		case isConnClosing(err):
			logging.Debug(inst.subsystem, "Stream %d: local connection closed: %v", streamID, err)
		case ctx.Err() != nil:
			logging.Warn(inst.subsystem, "Stream %d: socket error during shutdown: %v", streamID, err)
		default:
			logging.Error(inst.subsystem, err, "Stream %d: reading local connection failed", streamID)
		}
		return
	}
}

// Stop closes every instance and the agent client and waits for all
// connections to finish. It is safe to call more than once.
func (f *ServiceForwarder) Stop() {
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.stopped = true
		instances := f.instances
		f.instances = nil
		f.mu.Unlock()

		logging.Debug("ServiceForward", "Stopping %d service port-forward(s)", len(instances))
		f.cancel()
		if err := f.client.Close(); err != nil && !isConnClosing(err) {
			logging.Debug("ServiceForward", "Closing agent client: %v", err)
		}
		for _, inst := range instances {
			inst.listener.Close()
		}
		f.wg.Wait()
	})
}
