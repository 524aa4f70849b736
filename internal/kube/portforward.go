package kube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"bridgectl/internal/portforwarding"
	"bridgectl/pkg/logging"

	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"
	"k8s.io/client-go/transport/websocket"
)

var _ portforwarding.TransportOpener = (*Client)(nil)

// OpenPodPortForwardTransport opens an unstarted port-forward transport to pod
// for ports. Only a single port is supported per transport. subProtocol selects
// the wire protocol: portforwarding.SubProtocolV4Channel (WebSocket, the
// default) or portforwarding.SubProtocolSPDY. Handshake failures are returned
// as *portforwarding.TransportError.
func (c *Client) OpenPodPortForwardTransport(ctx context.Context, namespace, pod string, ports []int, subProtocol string) (portforwarding.Demuxer, error) {
	if len(ports) != 1 {
		return nil, fmt.Errorf("exactly one port per transport is supported, got %d", len(ports))
	}
	port := ports[0]

	switch subProtocol {
	case "", portforwarding.SubProtocolV4Channel:
		return c.openWebSocket(ctx, namespace, pod, port)
	case portforwarding.SubProtocolSPDY:
		return c.openSPDY(namespace, pod, port)
	default:
		return nil, fmt.Errorf("unsupported port-forward protocol %q", subProtocol)
	}
}

func (c *Client) portForwardURL(method, namespace, pod string, port int) *url.URL {
	req := c.clientset.CoreV1().RESTClient().Verb(method).
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("portforward")
	if method == http.MethodGet {
		req = req.Param("ports", strconv.Itoa(port))
	}
	return req.URL()
}

func (c *Client) openWebSocket(ctx context.Context, namespace, pod string, port int) (portforwarding.Demuxer, error) {
	rt, holder, err := websocket.RoundTripperFor(c.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket round tripper: %w", err)
	}
	reqURL := c.portForwardURL(http.MethodGet, namespace, pod, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build port-forward request: %w", err)
	}

	logging.Debug("Kube", "Opening websocket port-forward to %s/%s:%d", namespace, logging.PII(pod), port)
	conn, err := websocket.Negotiate(rt, holder, req, portforwarding.SubProtocolV4Channel)
	if err != nil {
		return nil, &portforwarding.TransportError{Pod: pod, Port: port, Err: err}
	}

	demux := portforwarding.NewChannelDemuxer(conn, true)
	errStream, err := demux.GetStream(portforwarding.ErrorChannel, portforwarding.NoChannel)
	if err != nil {
		demux.Close()
		return nil, err
	}
	go logErrorChannel(errStream, pod, port)
	return demux, nil
}

// logErrorChannel reports messages the kubelet writes to the error channel. The
// first frame is the port echo.
func logErrorChannel(r io.Reader, pod string, port int) {
	buf := make([]byte, 4096)
	first := true
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if !(first && n == 2) {
				logging.Warn("Kube", "Port-forward to %s:%d reported: %s", logging.PII(pod), port, string(buf[:n]))
			}
			first = false
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logging.Debug("Kube", "Error channel for %s:%d ended: %v", logging.PII(pod), port, err)
			}
			return
		}
	}
}

func (c *Client) openSPDY(namespace, pod string, port int) (portforwarding.Demuxer, error) {
	transport, upgrader, err := spdy.RoundTripperFor(c.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create SPDY round tripper: %w", err)
	}
	reqURL := c.portForwardURL(http.MethodPost, namespace, pod, port)
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, reqURL)

	logging.Debug("Kube", "Opening SPDY port-forward to %s/%s:%d", namespace, logging.PII(pod), port)
	conn, protocol, err := dialer.Dial(portforward.PortForwardProtocolV1Name)
	if err != nil {
		return nil, &portforwarding.TransportError{Pod: pod, Port: port, Err: err}
	}
	if protocol != portforward.PortForwardProtocolV1Name {
		conn.Close()
		return nil, &portforwarding.TransportError{Pod: pod, Port: port, Err: fmt.Errorf("unexpected protocol %q", protocol)}
	}
	return portforwarding.NewSPDYDemuxer(conn, port), nil
}
