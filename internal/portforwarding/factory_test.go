package portforwarding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportFactory_RetriesTransportErrors(t *testing.T) {
	opener := &fakeOpener{
		failures: 2,
		failWith: &TransportError{Pod: "web-0", Port: 80, Err: errors.New("handshake status 500")},
	}
	factory := NewTransportFactory(opener, "default", "web-0", 80, SubProtocolV4Channel)

	start := time.Now()
	d, err := factory(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, 3, opener.Calls())
	assert.GreaterOrEqual(t, time.Since(start), 2*TransportRetryDelay)
	namespace, pod, ports, subProtocol := opener.Target()
	assert.Equal(t, "default", namespace)
	assert.Equal(t, "web-0", pod)
	assert.Equal(t, []int{80}, ports)
	assert.Equal(t, SubProtocolV4Channel, subProtocol)
}

func TestTransportFactory_GivesUpAfterThreeAttempts(t *testing.T) {
	opener := &fakeOpener{
		failures: 10,
		failWith: &TransportError{Pod: "web-0", Port: 80, Err: errors.New("connection refused")},
	}
	factory := NewTransportFactory(opener, "default", "web-0", 80, SubProtocolV4Channel)

	_, err := factory(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.Equal(t, TransportAttempts, opener.Calls())
}

func TestTransportFactory_OtherErrorsAreNotRetried(t *testing.T) {
	opener := &fakeOpener{
		failures: 10,
		failWith: errors.New("pods \"web-0\" is forbidden"),
	}
	factory := NewTransportFactory(opener, "default", "web-0", 80, SubProtocolSPDY)

	_, err := factory(context.Background())
	require.Error(t, err)
	assert.False(t, IsTransportError(err))
	assert.Equal(t, 1, opener.Calls())
}

func TestTransportFactory_CanBeCalledRepeatedly(t *testing.T) {
	opener := &fakeOpener{}
	factory := NewTransportFactory(opener, "default", "web-0", 80, SubProtocolV4Channel)

	for i := 0; i < 2; i++ {
		_, err := factory(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, opener.Calls())
}

func TestTransportFactory_StopsOnCancelledContext(t *testing.T) {
	opener := &fakeOpener{}
	factory := NewTransportFactory(opener, "default", "web-0", 80, SubProtocolV4Channel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := factory(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, opener.Calls())
}
