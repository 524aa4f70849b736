package portforwarding

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForPair(t *testing.T, pairs <-chan PortPair) PortPair {
	t.Helper()
	select {
	case pair := <-pairs:
		return pair
	case <-time.After(2 * time.Second):
		t.Fatal("onSuccess was not called")
		return PortPair{}
	}
}

func TestContainerForwarder_ForwardsRequestBytes(t *testing.T) {
	d := newFakeDemuxer(false)
	opener := &fakeOpener{demux: d}
	forwarder := NewContainerForwarder(opener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pairs := make(chan PortPair, 1)
	cf := forwarder.StartContainerPortForward(ctx, "default", "web-0", 0, 80, func(p PortPair) { pairs <- p })

	pair := waitForPair(t, pairs)
	assert.NotZero(t, pair.Local)
	assert.Equal(t, 80, pair.Remote)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(pair.Local)))
	require.NoError(t, err)
	defer conn.Close()

	request := []byte("GET / HTTP/1.0\r\n\r\n")
	_, err = conn.Write(request)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.Written() == string(request) }, 2*time.Second, 10*time.Millisecond)
	_, pod, ports, subProtocol := opener.Target()
	assert.Equal(t, "web-0", pod)
	assert.Equal(t, []int{80}, ports)
	assert.Equal(t, SubProtocolV4Channel, subProtocol)

	cancel()
	require.NoError(t, cf.Wait())
	assert.Equal(t, int32(1), d.closeCalls.Load())
}

func TestContainerForwarder_OnSuccessFiresBeforeAnyConnection(t *testing.T) {
	opener := &fakeOpener{}
	forwarder := NewContainerForwarder(opener, WithSubProtocol(SubProtocolSPDY))

	ctx, cancel := context.WithCancel(context.Background())
	pairs := make(chan PortPair, 1)
	cf := forwarder.StartContainerPortForward(ctx, "default", "web-0", 0, 8080, func(p PortPair) { pairs <- p })

	waitForPair(t, pairs)
	assert.Zero(t, opener.Calls())

	cancel()
	require.NoError(t, cf.Wait())
}

func TestContainerForwarder_CancelIsCleanShutdown(t *testing.T) {
	logs := captureLogs(t)
	d := newFakeDemuxer(false)
	forwarder := NewContainerForwarder(&fakeOpener{demux: d})
	ctx, cancel := context.WithCancel(context.Background())
	pairs := make(chan PortPair, 1)
	cf := forwarder.StartContainerPortForward(ctx, "default", "web-0", 0, 80, func(p PortPair) { pairs <- p })
	pair := waitForPair(t, pairs)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(pair.Local)))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("GET"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Written() == "GET" }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-cf.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("forward did not stop")
	}
	assert.NoError(t, cf.Err())
	assert.NoError(t, cf.Wait())

	out := logs.String()
	assert.Contains(t, out, "level=DEBUG")
	assert.NotContains(t, out, "level=ERROR")
}

func TestContainerForwarder_BindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	port := taken.Addr().(*net.TCPAddr).Port

	called := false
	forwarder := NewContainerForwarder(&fakeOpener{})
	cf := forwarder.StartContainerPortForward(context.Background(), "default", "web-0", port, 80, func(PortPair) { called = true })

	err = cf.Wait()
	assert.Error(t, err)
	assert.False(t, called)
}

func TestContainerForwarder_ConnectionsAreIndependent(t *testing.T) {
	opener := &fakeOpener{}
	forwarder := NewContainerForwarder(opener, WithListenAddress("127.0.0.1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pairs := make(chan PortPair, 1)
	cf := forwarder.StartContainerPortForward(ctx, "default", "web-0", 0, 80, func(p PortPair) { pairs <- p })
	pair := waitForPair(t, pairs)
	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(pair.Local))

	first, err := net.Dial("tcp", address)
	require.NoError(t, err)
	second, err := net.Dial("tcp", address)
	require.NoError(t, err)
	defer second.Close()

	_, err = first.Write([]byte("a"))
	require.NoError(t, err)
	_, err = second.Write([]byte("b"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return opener.Calls() == 2 }, 2*time.Second, 10*time.Millisecond)

	// Closing one connection leaves the other one served.
	require.NoError(t, first.Close())
	_, err = second.Write([]byte("c"))
	require.NoError(t, err)

	cancel()
	require.NoError(t, cf.Wait())
}

func TestContainerForward_ErrBeforeDone(t *testing.T) {
	cf := &ContainerForward{done: make(chan struct{}), err: errors.New("boom")}
	assert.NoError(t, cf.Err())
	close(cf.done)
	assert.EqualError(t, cf.Err(), "boom")
}

func TestPortPairFromStartInfo(t *testing.T) {
	local := 3000
	assert.Equal(t, 8080, PortForwardStartInfo{Port: 8080}.LocalPortOrDefault())
	assert.Equal(t, 3000, PortForwardStartInfo{Port: 8080, LocalPort: &local}.LocalPortOrDefault())

	svc := ServicePortForwardStartInfo{ServiceDNS: "db.default.svc", ServicePort: 5432}
	assert.Equal(t, 5432, svc.LocalPortOrDefault())
	assert.Equal(t, "0.0.0.0", svc.ListenAddress())
	svc.IP = net.ParseIP("127.0.0.2")
	svc.LocalPort = &local
	assert.Equal(t, "127.0.0.2", svc.ListenAddress())
	assert.Equal(t, 3000, svc.LocalPortOrDefault())
}
