package portforwarding

import (
	"context"
	"fmt"
	"sync"

	"bridgectl/pkg/logging"
)

// ContainerOption configures a ContainerForwarder.
type ContainerOption func(*ContainerForwarder)

// WithListenAddress binds local listeners to address instead of loopback.
func WithListenAddress(address string) ContainerOption {
	return func(f *ContainerForwarder) {
		f.address = address
	}
}

// WithSubProtocol selects the port-forward protocol requested from the API server.
func WithSubProtocol(subProtocol string) ContainerOption {
	return func(f *ContainerForwarder) {
		f.subProtocol = subProtocol
	}
}

// ContainerForwarder forwards local ports to pod ports.
type ContainerForwarder struct {
	opener      TransportOpener
	address     string
	subProtocol string
}

// NewContainerForwarder returns a forwarder that opens transports with opener.
func NewContainerForwarder(opener TransportOpener, opts ...ContainerOption) *ContainerForwarder {
	f := &ContainerForwarder{
		opener:      opener,
		subProtocol: SubProtocolV4Channel,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ContainerForward is a running container port-forward.
type ContainerForward struct {
	done chan struct{}
	err  error
	wg   sync.WaitGroup
}

// Done is closed when the accept loop has exited.
func (cf *ContainerForward) Done() <-chan struct{} {
	return cf.done
}

// Err returns the fatal error that ended the forward, or nil after a clean
// shutdown. It is only meaningful once Done is closed.
func (cf *ContainerForward) Err() error {
	select {
	case <-cf.done:
		return cf.err
	default:
		return nil
	}
}

// Wait blocks until the accept loop and every connection pump have exited.
func (cf *ContainerForward) Wait() error {
	<-cf.done
	cf.wg.Wait()
	return cf.err
}

// StartContainerPortForward forwards localPort to remotePort on the pod and
// returns immediately. onSuccess, when set, is called once the local listener
// is bound, before any connection has been accepted. The forward runs until ctx
// is cancelled or accepting fails.
func (f *ContainerForwarder) StartContainerPortForward(
	ctx context.Context,
	namespace, pod string,
	localPort, remotePort int,
	onSuccess func(PortPair),
) *ContainerForward {
	cf := &ContainerForward{done: make(chan struct{})}
	cf.wg.Add(1)
	go func() {
		defer cf.wg.Done()
		defer close(cf.done)
		cf.err = f.run(ctx, cf, namespace, pod, localPort, remotePort, onSuccess)
	}()
	return cf
}

func (f *ContainerForwarder) run(
	ctx context.Context,
	cf *ContainerForward,
	namespace, pod string,
	localPort, remotePort int,
	onSuccess func(PortPair),
) error {
	subsystem := fmt.Sprintf("ContainerForward-%d", localPort)
	podName := logging.PII(pod)

	// Cancelled on fatal accept errors so pumps already running stop with us.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listener, err := NewLocalListener(ctx, f.address, localPort)
	if err != nil {
		logging.Error(subsystem, err, "Failed to start container port-forward to %s/%s:%d", namespace, podName, remotePort)
		return err
	}
	defer listener.Close()

	factory := NewTransportFactory(f.opener, namespace, pod, remotePort, f.subProtocol)
	pair := PortPair{Local: listener.Port(), Remote: remotePort}
	logging.Info(subsystem, "Forwarding from %s to %s/%s:%d", listener.Addr(), namespace, podName, remotePort)
	if onSuccess != nil {
		onSuccess(pair)
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if IsListenerClosed(err) && ctx.Err() != nil {
				logging.Debug(subsystem, "Listener closed, stopping container port-forward")
				return nil
			}
			logging.Error(subsystem, err, "Accepting connections for %s/%s:%d failed", namespace, podName, remotePort)
			return fmt.Errorf("accept on port %d: %w", pair.Local, err)
		}

		logging.Debug(subsystem, "Accepted connection from %s", conn.RemoteAddr())
		pump := NewStreamPump(conn, factory, PumpOptions{
			Namespace:    namespace,
			Pod:          pod,
			LocalPort:    pair.Local,
			RemotePort:   remotePort,
			ReadChannel:  DataChannel,
			WriteChannel: DataChannel,
		})
		cf.wg.Add(1)
		go func() {
			defer cf.wg.Done()
			pump.Run(ctx)
		}()
	}
}
