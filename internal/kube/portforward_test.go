package kube

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bridgectl/internal/portforwarding"

	gwebsocket "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/rest"
)

// newPortForwardServer serves a minimal kubelet-style v4.channel.k8s.io
// endpoint that echoes every data frame back.
func newPortForwardServer(t *testing.T, errorMessage string) *httptest.Server {
	t.Helper()
	upgrader := gwebsocket.Upgrader{Subprotocols: []string{portforwarding.SubProtocolV4Channel}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/namespaces/test-ns/pods/web-0/portforward" || r.URL.Query().Get("ports") != "8080" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		echo := binary.LittleEndian.AppendUint16(nil, 8080)
		for _, ch := range []byte{portforwarding.DataChannel, portforwarding.ErrorChannel} {
			if err := conn.WriteMessage(gwebsocket.BinaryMessage, append([]byte{ch}, echo...)); err != nil {
				return
			}
		}
		if errorMessage != "" {
			_ = conn.WriteMessage(gwebsocket.BinaryMessage, append([]byte{portforwarding.ErrorChannel}, errorMessage...))
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(gwebsocket.BinaryMessage, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, host string) *Client {
	t.Helper()
	c, err := NewClient(&rest.Config{Host: host})
	require.NoError(t, err)
	return c
}

func TestOpenPodPortForwardTransport_WebSocket(t *testing.T) {
	srv := newPortForwardServer(t, "")
	c := newTestClient(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	demux, err := c.OpenPodPortForwardTransport(ctx, "test-ns", "web-0", []int{8080}, portforwarding.SubProtocolV4Channel)
	require.NoError(t, err)
	defer demux.Close()
	assert.True(t, demux.EchoesPort())

	stream, err := demux.GetStream(portforwarding.DataChannel, portforwarding.DataChannel)
	require.NoError(t, err)
	require.NoError(t, demux.Start())

	buf := make([]byte, 64)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x1f}, buf[:n])

	_, err = stream.Write([]byte("ping"))
	require.NoError(t, err)
	n, err = stream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestOpenPodPortForwardTransport_ErrorChannelDoesNotBlockData(t *testing.T) {
	srv := newPortForwardServer(t, "connection refused")
	c := newTestClient(t, srv.URL)

	demux, err := c.OpenPodPortForwardTransport(context.Background(), "test-ns", "web-0", []int{8080}, "")
	require.NoError(t, err)
	defer demux.Close()

	stream, err := demux.GetStream(portforwarding.DataChannel, portforwarding.DataChannel)
	require.NoError(t, err)
	require.NoError(t, demux.Start())

	_, err = stream.Write([]byte("x"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	var got []byte
	for len(got) < 3 {
		n, err := stream.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "x", string(got[2:]))
}

func TestOpenPodPortForwardTransport_HandshakeFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	_, err := c.OpenPodPortForwardTransport(context.Background(), "test-ns", "web-0", []int{8080}, portforwarding.SubProtocolV4Channel)
	require.Error(t, err)
	assert.True(t, portforwarding.IsTransportError(err))
}

func TestOpenPodPortForwardTransport_SPDYHandshakeFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/namespaces/test-ns/pods/web-0/portforward", r.URL.Path)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	_, err := c.OpenPodPortForwardTransport(context.Background(), "test-ns", "web-0", []int{8080}, portforwarding.SubProtocolSPDY)
	require.Error(t, err)
	assert.True(t, portforwarding.IsTransportError(err))
}

func TestOpenPodPortForwardTransport_InputValidation(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")

	_, err := c.OpenPodPortForwardTransport(context.Background(), "test-ns", "web-0", []int{80, 443}, "")
	require.Error(t, err)
	assert.False(t, portforwarding.IsTransportError(err))

	_, err = c.OpenPodPortForwardTransport(context.Background(), "test-ns", "web-0", []int{80}, "v5.channel.k8s.io")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported port-forward protocol")
}
