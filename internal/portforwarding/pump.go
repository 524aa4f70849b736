package portforwarding

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"bridgectl/pkg/logging"

	"github.com/google/uuid"
)

// PumpOptions identifies the remote end of a StreamPump.
type PumpOptions struct {
	Namespace  string
	Pod        string
	LocalPort  int
	RemotePort int

	// ReadChannel and WriteChannel select the logical streams on the transport.
	// Both default to DataChannel.
	ReadChannel  int
	WriteChannel int
}

type remoteSide struct {
	demux  Demuxer
	stream io.ReadWriteCloser
}

// StreamPump copies bytes between one accepted local connection and a remote
// port-forward transport. The transport is created lazily on the first bytes
// read from the local connection.
type StreamPump struct {
	local   net.Conn
	factory TransportFactory
	opts    PumpOptions
	prefix  string

	// streamMu serializes Demuxer.GetStream. It is taken after mu.
	streamMu sync.Mutex

	// mu guards the fields below.
	mu                 sync.Mutex
	stopped            bool
	remote             *remoteSide
	receiveStarted     bool
	receiveLoopSpawned bool
	remoteRetryCount   int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewStreamPump creates a pump for local. Call Run to start it.
func NewStreamPump(local net.Conn, factory TransportFactory, opts PumpOptions) *StreamPump {
	id := uuid.NewString()[:8]
	return &StreamPump{
		local:   local,
		factory: factory,
		opts:    opts,
		prefix:  fmt.Sprintf("[%s pod=%s local=%d remote=%d]", id, logging.PII(opts.Pod), opts.LocalPort, opts.RemotePort),
		done:    make(chan struct{}),
	}
}

// Run pumps until either side closes, an unrecoverable error occurs or ctx is
// cancelled. It returns once every goroutine the pump started has exited.
func (p *StreamPump) Run(ctx context.Context) {
	activePumps.WithLabelValues(kindContainer).Inc()
	defer activePumps.WithLabelValues(kindContainer).Dec()

	stopWatch := context.AfterFunc(ctx, p.Stop)
	defer stopWatch()

	p.logDebug("Pump started")
	p.sendLoop(ctx)
	<-p.done
	p.wg.Wait()
	p.logDebug("Pump finished")
}

// Done is closed once the pump has stopped.
func (p *StreamPump) Done() <-chan struct{} {
	return p.done
}

// Stop tears down both sides. It is safe to call more than once.
func (p *StreamPump) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *StreamPump) stopLocked() {
	if p.stopped {
		return
	}
	p.stopped = true
	p.logDebug("Stopping pump")
	p.teardownRemoteLocked()
	if err := p.local.Close(); err != nil && !isConnClosing(err) {
		p.logDebug("Closing local connection: %v", err)
	}
	close(p.done)
}

func (p *StreamPump) sendLoop(ctx context.Context) {
	defer p.Stop()

	buf := getBuffer()
	defer putBuffer(buf)

	for {
		n, err := p.local.Read(*buf)
		if n > 0 {
			if !p.sendChunk(ctx, (*buf)[:n]) {
				return
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				p.logDebug("Local connection closed")
			case isConnClosing(err):
				p.logDebug("Local connection closing: %v", err)
			default:
				p.logError(err, "Reading local connection failed")
			}
			return
		}
	}
}

// sendChunk writes one chunk to the remote side, creating it if needed. It
// reports whether the send loop should continue.
func (p *StreamPump) sendChunk(ctx context.Context, chunk []byte) bool {
	r, err := p.ensureRemote(ctx)
	if err != nil {
		switch {
		case errors.Is(err, ErrPumpStopped):
		case ctx.Err() != nil:
			p.logDebug("Cancelled while establishing remote transport: %v", err)
		default:
			p.logError(err, "Failed to establish remote transport")
		}
		return false
	}

	_, err = r.stream.Write(chunk)
	if err != nil {
		if replacement := p.replacementRemote(ctx, r); replacement != nil {
			r = replacement
			_, err = r.stream.Write(chunk)
		}
	}
	if err != nil {
		if isConnClosing(err) {
			p.logDebug("Remote write stream closed: %v", err)
		} else {
			p.logError(err, "Writing to remote failed")
		}
		p.mu.Lock()
		if p.remote == r {
			p.teardownRemoteLocked()
		}
		p.mu.Unlock()
		return false
	}
	forwardedBytes.WithLabelValues(kindContainer, directionUpstream).Add(float64(len(chunk)))
	return true
}

// ensureRemote returns the current remote side, connecting it on first use.
func (p *StreamPump) ensureRemote(ctx context.Context) (*remoteSide, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrPumpStopped
	}
	if p.remote == nil {
		if err := p.connectLocked(ctx); err != nil {
			p.stopLocked()
			return nil, err
		}
	}
	p.settleClosedLocked(ctx)
	if p.stopped || p.remote == nil {
		return nil, ErrPumpStopped
	}
	if !p.receiveLoopSpawned {
		p.receiveLoopSpawned = true
		p.wg.Add(1)
		go p.receiveLoop(ctx)
	}
	return p.remote, nil
}

// connectLocked opens and starts a new transport and watches it for closure.
func (p *StreamPump) connectLocked(ctx context.Context) error {
	d, err := p.factory(ctx)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		p.disposeLocked(d)
		return fmt.Errorf("failed to start transport: %w", err)
	}
	stream, err := p.getStream(d)
	if err != nil {
		p.disposeLocked(d)
		return fmt.Errorf("failed to open stream on transport: %w", err)
	}
	p.remote = &remoteSide{demux: d, stream: stream}
	p.logDebug("Remote transport established")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-d.Closed():
			p.mu.Lock()
			p.handleRemoteClosedLocked(ctx, d)
			p.mu.Unlock()
		case <-p.done:
		}
	}()
	return nil
}

func (p *StreamPump) getStream(d Demuxer) (io.ReadWriteCloser, error) {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()
	return d.GetStream(p.opts.ReadChannel, p.opts.WriteChannel)
}

// settleClosedLocked handles a current transport that has already closed, so
// callers never hand out a dead remote that the watcher has not seen yet.
func (p *StreamPump) settleClosedLocked(ctx context.Context) {
	for !p.stopped && !p.receiveStarted && p.remote != nil && isClosed(p.remote.demux) {
		p.handleRemoteClosedLocked(ctx, p.remote.demux)
	}
}

// handleRemoteClosedLocked reacts to d closing. A transport that closes before
// the receive loop started is recreated once; any other close is terminal.
func (p *StreamPump) handleRemoteClosedLocked(ctx context.Context, d Demuxer) {
	if p.stopped || p.remote == nil || p.remote.demux != d {
		return
	}
	if !p.receiveStarted && p.remoteRetryCount == 0 {
		p.remoteRetryCount++
		remoteReconnects.Inc()
		p.logDebug("Remote transport closed right after opening, reconnecting once")
		p.teardownRemoteLocked()
		if err := p.connectLocked(ctx); err != nil {
			p.logError(err, "Reconnecting remote transport failed")
			p.stopLocked()
		}
		return
	}
	if p.receiveStarted {
		// The receive loop drains what is left and stops the pump at EOF.
		p.logDebug("Remote transport closed")
		return
	}
	p.logDebug("Remote transport closed again before receiving, giving up")
	p.stopLocked()
}

// replacementRemote returns the remote that superseded r after r was found
// closed, or nil when there is none.
func (p *StreamPump) replacementRemote(ctx context.Context, r *remoteSide) *remoteSide {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	if p.remote == r {
		if !isClosed(r.demux) {
			return nil
		}
		p.handleRemoteClosedLocked(ctx, r.demux)
		p.settleClosedLocked(ctx)
	}
	if p.stopped || p.remote == nil || p.remote == r {
		return nil
	}
	return p.remote
}

func (p *StreamPump) teardownRemoteLocked() {
	r := p.remote
	if r == nil {
		return
	}
	p.remote = nil
	if err := r.stream.Close(); err != nil && !isConnClosing(err) {
		p.logDebug("Closing remote stream: %v", err)
	}
	p.disposeLocked(r.demux)
}

// disposeLocked closes d on its own goroutine. Closing a demuxer from code that
// runs in reaction to its Closed signal can deadlock the transport.
func (p *StreamPump) disposeLocked(d Demuxer) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := d.Close(); err != nil && !isConnClosing(err) {
			p.logDebug("Disposing transport: %v", err)
		}
	}()
}

func (p *StreamPump) receiveLoop(ctx context.Context) {
	defer p.wg.Done()
	defer p.Stop()

	p.mu.Lock()
	p.settleClosedLocked(ctx)
	if p.stopped || p.remote == nil {
		p.mu.Unlock()
		return
	}
	p.receiveStarted = true
	r := p.remote
	p.mu.Unlock()

	buf := getBuffer()
	defer putBuffer(buf)

	first := true
	for {
		n, err := r.stream.Read(*buf)
		if n > 0 {
			chunk := (*buf)[:n]
			if first && r.demux.EchoesPort() && isPortEcho(chunk, p.opts.RemotePort) {
				p.logDebug("Dropping port echo on first read")
				chunk = nil
			}
			first = false
			if len(chunk) > 0 {
				if _, werr := p.local.Write(chunk); werr != nil {
					if isConnClosing(werr) {
						p.logDebug("Local connection closed while writing: %v", werr)
					} else {
						p.logError(werr, "Writing to local connection failed")
					}
					return
				}
				forwardedBytes.WithLabelValues(kindContainer, directionDownstream).Add(float64(len(chunk)))
			}
		}
		if err != nil {
			if isConnClosing(err) {
				p.logDebug("Remote stream ended: %v", err)
			} else {
				p.logError(err, "Reading from remote failed")
			}
			return
		}
	}
}

func isPortEcho(b []byte, port int) bool {
	return len(b) == 2 && int(binary.LittleEndian.Uint16(b)) == port
}

func isClosed(d Demuxer) bool {
	select {
	case <-d.Closed():
		return true
	default:
		return false
	}
}

func (p *StreamPump) logDebug(format string, args ...interface{}) {
	logging.Debug("StreamPump", p.prefix+" "+format, args...)
}

func (p *StreamPump) logError(err error, format string, args ...interface{}) {
	logging.Error("StreamPump", err, p.prefix+" "+format, args...)
}
