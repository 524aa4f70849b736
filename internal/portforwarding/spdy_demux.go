package portforwarding

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"bridgectl/pkg/logging"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/httpstream"
)

// SPDYDemuxer implements Demuxer over an established httpstream connection
// negotiated with the portforward.k8s.io protocol. Channel DataChannel maps to
// the data stream and ErrorChannel to the error stream of the forwarded port.
type SPDYDemuxer struct {
	conn httpstream.Connection
	port int

	requestID atomic.Int64

	mu          sync.Mutex
	dataStream  httpstream.Stream
	errorStream httpstream.Stream

	closed    chan struct{}
	closeOnce sync.Once
}

var _ Demuxer = (*SPDYDemuxer)(nil)

// NewSPDYDemuxer wraps conn for the given remote port.
func NewSPDYDemuxer(conn httpstream.Connection, port int) *SPDYDemuxer {
	d := &SPDYDemuxer{conn: conn, port: port, closed: make(chan struct{})}
	go func() {
		<-conn.CloseChan()
		close(d.closed)
	}()
	return d
}

// Start implements Demuxer. The SPDY connection serves itself once dialed.
func (d *SPDYDemuxer) Start() error {
	select {
	case <-d.closed:
		return ErrDemuxerClosed
	default:
		return nil
	}
}

// ensureStreams creates the error and data stream pair once. The error stream
// must be created first.
func (d *SPDYDemuxer) ensureStreams() (httpstream.Stream, httpstream.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dataStream != nil {
		return d.dataStream, d.errorStream, nil
	}

	requestID := strconv.FormatInt(d.requestID.Add(1), 10)
	headers := http.Header{}
	headers.Set(corev1.StreamType, corev1.StreamTypeError)
	headers.Set(corev1.PortHeader, strconv.Itoa(d.port))
	headers.Set(corev1.PortForwardRequestIDHeader, requestID)

	errorStream, err := d.conn.CreateStream(headers)
	if err != nil {
		return nil, nil, fmt.Errorf("create error stream: %w", err)
	}
	// Nothing is ever written to the error stream.
	errorStream.Close()

	headers.Set(corev1.StreamType, corev1.StreamTypeData)
	dataStream, err := d.conn.CreateStream(headers)
	if err != nil {
		d.conn.RemoveStreams(errorStream)
		return nil, nil, fmt.Errorf("create data stream: %w", err)
	}

	d.errorStream = errorStream
	d.dataStream = dataStream
	go d.watchErrorStream(errorStream)
	return dataStream, errorStream, nil
}

func (d *SPDYDemuxer) watchErrorStream(s httpstream.Stream) {
	message, err := io.ReadAll(s)
	switch {
	case err != nil && !isConnClosing(err):
		logging.Warn("SPDYDemuxer", "Reading error stream for port %d failed: %v", d.port, err)
	case len(message) > 0:
		logging.Warn("SPDYDemuxer", "Port-forward for port %d reported: %s", d.port, string(message))
	}
}

// GetStream implements Demuxer.
func (d *SPDYDemuxer) GetStream(readChannel, writeChannel int) (io.ReadWriteCloser, error) {
	if readChannel == NoChannel && writeChannel == NoChannel {
		return nil, errors.New("stream needs a read or a write channel")
	}
	if writeChannel != NoChannel && writeChannel != DataChannel {
		return nil, fmt.Errorf("channel %d is not writable", writeChannel)
	}
	if readChannel != NoChannel && readChannel != DataChannel && readChannel != ErrorChannel {
		return nil, fmt.Errorf("channel %d out of range", readChannel)
	}

	dataStream, errorStream, err := d.ensureStreams()
	if err != nil {
		return nil, err
	}

	s := &spdyStream{}
	switch readChannel {
	case DataChannel:
		s.r = dataStream
	case ErrorChannel:
		s.r = errorStream
	}
	if writeChannel == DataChannel {
		s.w = dataStream
	}
	return s, nil
}

// Closed implements Demuxer.
func (d *SPDYDemuxer) Closed() <-chan struct{} {
	return d.closed
}

// Close implements Demuxer.
func (d *SPDYDemuxer) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		if d.dataStream != nil {
			d.conn.RemoveStreams(d.dataStream, d.errorStream)
		}
		d.mu.Unlock()
		err = d.conn.Close()
	})
	return err
}

// EchoesPort implements Demuxer.
func (d *SPDYDemuxer) EchoesPort() bool {
	return false
}

type spdyStream struct {
	r io.Reader
	w httpstream.Stream
}

func (s *spdyStream) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, errors.New("stream has no read channel")
	}
	return s.r.Read(p)
}

func (s *spdyStream) Write(p []byte) (int, error) {
	if s.w == nil {
		return 0, errors.New("stream has no write channel")
	}
	return s.w.Write(p)
}

// Close half-closes the write direction when this view owns it.
func (s *spdyStream) Close() error {
	if s.w != nil {
		return s.w.Close()
	}
	return nil
}
