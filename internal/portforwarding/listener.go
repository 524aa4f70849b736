package portforwarding

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"bridgectl/pkg/logging"
)

// LocalListener owns a bound TCP listener that is closed when its context ends,
// which unblocks a pending Accept with net.ErrClosed.
type LocalListener struct {
	listener  net.Listener
	closeOnce sync.Once
	closeErr  error

	mu        sync.Mutex
	stopWatch func() bool
}

// NewLocalListener binds address:port immediately. An empty address binds loopback.
func NewLocalListener(ctx context.Context, address string, port int) (*LocalListener, error) {
	if address == "" {
		address = "127.0.0.1"
	}
	hostPort := net.JoinHostPort(address, strconv.Itoa(port))

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", hostPort, err)
	}

	ll := &LocalListener{listener: l}
	ll.mu.Lock()
	ll.stopWatch = context.AfterFunc(ctx, func() {
		logging.Debug("LocalListener", "Context done, closing listener on %s", hostPort)
		ll.Close()
	})
	ll.mu.Unlock()
	return ll, nil
}

// Accept waits for the next connection. After Close it returns an error for
// which IsListenerClosed is true.
func (l *LocalListener) Accept() (net.Conn, error) {
	return l.listener.Accept()
}

// Addr returns the bound address.
func (l *LocalListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Port returns the bound TCP port, which differs from the requested one when 0 was asked for.
func (l *LocalListener) Port() int {
	if tcpAddr, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// Close disposes the listener. It is safe to call more than once.
func (l *LocalListener) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		stop := l.stopWatch
		l.mu.Unlock()
		if stop != nil {
			stop()
		}
		l.closeErr = l.listener.Close()
	})
	return l.closeErr
}
