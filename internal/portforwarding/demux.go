package portforwarding

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"bridgectl/pkg/logging"

	"github.com/gorilla/websocket"
)

// NoChannel disables one direction of a stream returned by Demuxer.GetStream.
const NoChannel = -1

// Demuxer splits one physical port-forward transport into logical byte streams
// keyed by a small channel id.
//
// GetStream is not safe for concurrent use on the same demuxer; callers that
// obtain streams from several goroutines must serialize the calls.
type Demuxer interface {
	// Start begins reading from the transport. Streams may be requested before
	// or after Start; inbound data is buffered per channel.
	Start() error
	// GetStream returns a duplex view that reads readChannel and writes
	// writeChannel. Either may be NoChannel.
	GetStream(readChannel, writeChannel int) (io.ReadWriteCloser, error)
	// Closed is closed exactly once when the transport ends.
	Closed() <-chan struct{}
	// Close tears down the transport. It is idempotent. It must not be called
	// synchronously from code that is reacting to Closed on the same goroutine
	// that serves the transport.
	Close() error
	// EchoesPort reports whether the remote writes the port number as the first
	// frame of every channel.
	EchoesPort() bool
}

// FrameConn is the message-oriented connection a ChannelDemuxer runs on.
// *websocket.Conn satisfies it.
type FrameConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ChannelDemuxer implements Demuxer over binary frames whose first byte is the
// channel id (the Kubernetes channel.k8s.io framing).
type ChannelDemuxer struct {
	conn       FrameConn
	echoesPort bool

	writeMu sync.Mutex

	mu      sync.Mutex
	started bool
	ended   bool
	inbound map[int]*inboundQueue

	closed    chan struct{}
	closeOnce sync.Once
}

var _ Demuxer = (*ChannelDemuxer)(nil)

// NewChannelDemuxer wraps conn. It does not read until Start is called.
func NewChannelDemuxer(conn FrameConn, echoesPort bool) *ChannelDemuxer {
	return &ChannelDemuxer{
		conn:       conn,
		echoesPort: echoesPort,
		inbound:    make(map[int]*inboundQueue),
		closed:     make(chan struct{}),
	}
}

// Start launches the read loop.
func (d *ChannelDemuxer) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ended {
		return ErrDemuxerClosed
	}
	if d.started {
		return errors.New("demuxer already started")
	}
	d.started = true
	go d.readLoop()
	return nil
}

func (d *ChannelDemuxer) readLoop() {
	for {
		messageType, data, err := d.conn.ReadMessage()
		if err != nil {
			d.shutdown()
			return
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		if q := d.queue(int(data[0])); q != nil {
			q.push(data[1:])
		}
	}
}

// queue returns the inbound queue for ch, creating it on first use. It returns
// nil once the demuxer has ended.
func (d *ChannelDemuxer) queue(ch int) *inboundQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.inbound[ch]
	if !ok {
		q = newInboundQueue(ch)
		if d.ended {
			q.close()
		}
		d.inbound[ch] = q
	}
	return q
}

func (d *ChannelDemuxer) shutdown() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.ended = true
		queues := make([]*inboundQueue, 0, len(d.inbound))
		for _, q := range d.inbound {
			queues = append(queues, q)
		}
		d.mu.Unlock()

		for _, q := range queues {
			q.close()
		}
		d.conn.Close()
		close(d.closed)
	})
}

// GetStream implements Demuxer.
func (d *ChannelDemuxer) GetStream(readChannel, writeChannel int) (io.ReadWriteCloser, error) {
	if readChannel == NoChannel && writeChannel == NoChannel {
		return nil, errors.New("stream needs a read or a write channel")
	}
	for _, ch := range []int{readChannel, writeChannel} {
		if ch != NoChannel && (ch < 0 || ch > 255) {
			return nil, fmt.Errorf("channel %d out of range", ch)
		}
	}
	s := &channelStream{demux: d, writeChannel: writeChannel}
	if readChannel != NoChannel {
		s.in = d.queue(readChannel)
		s.in.attach()
	}
	return s, nil
}

// Closed implements Demuxer.
func (d *ChannelDemuxer) Closed() <-chan struct{} {
	return d.closed
}

// Close implements Demuxer.
func (d *ChannelDemuxer) Close() error {
	d.shutdown()
	return nil
}

// EchoesPort implements Demuxer.
func (d *ChannelDemuxer) EchoesPort() bool {
	return d.echoesPort
}

func (d *ChannelDemuxer) writeFrame(ch int, p []byte) error {
	select {
	case <-d.closed:
		return ErrDemuxerClosed
	default:
	}
	frame := make([]byte, len(p)+1)
	frame[0] = byte(ch)
	copy(frame[1:], p)

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("write channel %d: %w", ch, err)
	}
	return nil
}

type channelStream struct {
	demux        *ChannelDemuxer
	in           *inboundQueue
	writeChannel int
}

func (s *channelStream) Read(p []byte) (int, error) {
	if s.in == nil {
		return 0, errors.New("stream has no read channel")
	}
	return s.in.read(p)
}

func (s *channelStream) Write(p []byte) (int, error) {
	if s.writeChannel == NoChannel {
		return 0, errors.New("stream has no write channel")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.demux.writeFrame(s.writeChannel, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close stops reading this stream's channel; it does not end the transport.
func (s *channelStream) Close() error {
	if s.in != nil {
		s.in.close()
	}
	return nil
}

// maxQueuedBytes bounds what one channel buffers. Once a stream reads the
// channel, a full queue blocks the read loop until the reader catches up, so
// the transport's flow control pushes back on the sender. Frames for a channel
// nobody reads are dropped past the bound.
const maxQueuedBytes = 4 * BufferSize

// inboundQueue buffers frames for one channel. Reads never span frames, so a
// frame's boundary is visible to the reader.
type inboundQueue struct {
	ch int

	mu       sync.Mutex
	cond     *sync.Cond
	chunks   [][]byte
	size     int
	attached bool
	closed   bool
}

func newInboundQueue(ch int) *inboundQueue {
	q := &inboundQueue{ch: ch}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// attach marks the queue as having a reader.
func (q *inboundQueue) attach() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attached = true
}

func (q *inboundQueue) push(b []byte) {
	if len(b) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.attached && q.size > 0 && q.size+len(b) > maxQueuedBytes {
		q.cond.Wait()
	}
	if q.closed {
		return
	}
	if !q.attached && q.size+len(b) > maxQueuedBytes {
		logging.Debug("ChannelDemuxer", "Dropping %d bytes for unread channel %d", len(b), q.ch)
		return
	}
	q.chunks = append(q.chunks, b)
	q.size += len(b)
	q.cond.Broadcast()
}

func (q *inboundQueue) read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.chunks) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.chunks) == 0 {
		return 0, io.EOF
	}
	c := q.chunks[0]
	n := copy(p, c)
	if n < len(c) {
		q.chunks[0] = c[n:]
	} else {
		q.chunks[0] = nil
		q.chunks = q.chunks[1:]
	}
	q.size -= n
	q.cond.Broadcast()
	return n, nil
}

func (q *inboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
