package portforwarding

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"bridgectl/pkg/logging"
)

// fakeDemuxer is an in-memory Demuxer. Bytes written by the pump are recorded;
// bytes for the pump to read are fed through feed.
type fakeDemuxer struct {
	echoes       bool
	closeOnStart bool

	inR *io.PipeReader
	inW *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	writes  int

	closed     chan struct{}
	closeOnce  sync.Once
	closeCalls atomic.Int32
}

func newFakeDemuxer(echoes bool) *fakeDemuxer {
	r, w := io.Pipe()
	return &fakeDemuxer{
		echoes: echoes,
		inR:    r,
		inW:    w,
		closed: make(chan struct{}),
	}
}

func (d *fakeDemuxer) Start() error {
	if d.closeOnStart {
		d.shutdown()
	}
	return nil
}

func (d *fakeDemuxer) GetStream(readChannel, writeChannel int) (io.ReadWriteCloser, error) {
	return &fakeStream{d: d}, nil
}

func (d *fakeDemuxer) Closed() <-chan struct{} {
	return d.closed
}

func (d *fakeDemuxer) Close() error {
	d.closeCalls.Add(1)
	d.shutdown()
	return nil
}

func (d *fakeDemuxer) shutdown() {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.inW.Close()
	})
}

func (d *fakeDemuxer) EchoesPort() bool {
	return d.echoes
}

// feed delivers one read to the pump. It blocks until the pump has read it.
func (d *fakeDemuxer) feed(b []byte) error {
	_, err := d.inW.Write(b)
	return err
}

func (d *fakeDemuxer) Written() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written.String()
}

func (d *fakeDemuxer) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

type fakeStream struct {
	d *fakeDemuxer
}

func (s *fakeStream) Read(p []byte) (int, error) {
	return s.d.inR.Read(p)
}

func (s *fakeStream) Write(p []byte) (int, error) {
	select {
	case <-s.d.closed:
		return 0, ErrDemuxerClosed
	default:
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.writes++
	return s.d.written.Write(p)
}

func (s *fakeStream) Close() error {
	return nil
}

// sequenceFactory hands out demuxers in order and counts calls.
type sequenceFactory struct {
	mu     sync.Mutex
	demux  []*fakeDemuxer
	calls  int
	failed error
}

func (f *sequenceFactory) factory(ctx context.Context) (Demuxer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failed != nil {
		return nil, f.failed
	}
	if len(f.demux) == 0 {
		return nil, errors.New("no more transports")
	}
	d := f.demux[0]
	f.demux = f.demux[1:]
	return d, nil
}

func (f *sequenceFactory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeOpener implements TransportOpener.
type fakeOpener struct {
	mu          sync.Mutex
	calls       int
	failures    int
	failWith    error
	namespace   string
	pod         string
	ports       []int
	subProtocol string
	demux       *fakeDemuxer
}

func (o *fakeOpener) OpenPodPortForwardTransport(ctx context.Context, namespace, pod string, ports []int, subProtocol string) (Demuxer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	o.namespace, o.pod, o.ports, o.subProtocol = namespace, pod, ports, subProtocol
	if o.calls <= o.failures {
		return nil, o.failWith
	}
	if o.demux == nil {
		return newFakeDemuxer(false), nil
	}
	return o.demux, nil
}

func (o *fakeOpener) Target() (namespace, pod string, ports []int, subProtocol string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.namespace, o.pod, o.ports, o.subProtocol
}

func (o *fakeOpener) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// fakeAgentClient implements AgentClient in memory.
type fakeAgentClient struct {
	mu              sync.Mutex
	startErrs       []error
	reverseSent     map[int][]byte
	reverseStops    []int
	serviceSent     map[int][]byte
	serviceStops    []int
	serviceHandlers map[int]StreamHandler
	nextStreamID    int

	registrations chan StreamHandler
	startCalls    atomic.Int32
	closeCalls    atomic.Int32
}

func newFakeAgentClient() *fakeAgentClient {
	return &fakeAgentClient{
		reverseSent:     make(map[int][]byte),
		serviceSent:     make(map[int][]byte),
		serviceHandlers: make(map[int]StreamHandler),
		nextStreamID:    1,
		registrations:   make(chan StreamHandler, 16),
	}
}

func (c *fakeAgentClient) ReversePortForwardStart(ctx context.Context, info PortForwardStartInfo, h StreamHandler) error {
	c.startCalls.Add(1)
	c.mu.Lock()
	var err error
	if len(c.startErrs) > 0 {
		err = c.startErrs[0]
		c.startErrs = c.startErrs[1:]
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.registrations <- h
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeAgentClient) ReversePortForwardSend(ctx context.Context, port, streamID int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reverseSent[streamID] = append(c.reverseSent[streamID], data...)
	return nil
}

func (c *fakeAgentClient) ReversePortForwardStop(ctx context.Context, port, streamID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reverseStops = append(c.reverseStops, streamID)
	return nil
}

func (c *fakeAgentClient) ServicePortForwardStart(ctx context.Context, serviceDNS string, port int, h StreamHandler) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextStreamID
	c.nextStreamID++
	c.serviceHandlers[id] = h
	return id, nil
}

func (c *fakeAgentClient) ServicePortForwardSend(ctx context.Context, streamID int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serviceSent[streamID] = append(c.serviceSent[streamID], data...)
	return nil
}

func (c *fakeAgentClient) ServicePortForwardStop(ctx context.Context, streamID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serviceStops = append(c.serviceStops, streamID)
	return nil
}

func (c *fakeAgentClient) Close() error {
	c.closeCalls.Add(1)
	return nil
}

func (c *fakeAgentClient) ReverseSent(streamID int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.reverseSent[streamID])
}

func (c *fakeAgentClient) ReverseStops() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.reverseStops...)
}

func (c *fakeAgentClient) ServiceSent(streamID int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.serviceSent[streamID])
}

func (c *fakeAgentClient) ServiceStops() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.serviceStops...)
}

func (c *fakeAgentClient) ServiceHandler(streamID int) StreamHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serviceHandlers[streamID]
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes of a logger.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLogs sends log output to a buffer for the rest of the test.
func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	logging.InitForCLI(logging.LevelDebug, buf)
	t.Cleanup(func() { logging.InitForCLI(logging.LevelDebug, io.Discard) })
	return buf
}
