package portforwarding

import (
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"bridgectl/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logging.InitForCLI(logging.LevelDebug, io.Discard)
	os.Exit(m.Run())
}

func TestLocalListener_BindsLoopbackByDefault(t *testing.T) {
	l, err := NewLocalListener(context.Background(), "", 0)
	require.NoError(t, err)
	defer l.Close()

	tcpAddr, ok := l.Addr().(*net.TCPAddr)
	require.True(t, ok)
	assert.True(t, tcpAddr.IP.IsLoopback())
	assert.NotZero(t, l.Port())
}

func TestLocalListener_BindFailureIsReturned(t *testing.T) {
	first, err := NewLocalListener(context.Background(), "127.0.0.1", 0)
	require.NoError(t, err)
	defer first.Close()

	_, err = NewLocalListener(context.Background(), "127.0.0.1", first.Port())
	assert.Error(t, err)
}

func TestLocalListener_CancelUnblocksAccept(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l, err := NewLocalListener(ctx, "", 0)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, IsListenerClosed(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Accept was not unblocked by cancellation")
	}
}

func TestLocalListener_CloseIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l, err := NewLocalListener(ctx, "", 0)
	require.NoError(t, err)

	assert.NoError(t, l.Close())
	assert.NotPanics(t, func() {
		l.Close()
		cancel()
	})
}

func TestLocalListener_AlreadyCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l, err := NewLocalListener(ctx, "", 0)
	if err != nil {
		// Listening with a done context may fail outright.
		return
	}
	_, err = l.Accept()
	assert.True(t, IsListenerClosed(err))
}
