package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"bridgectl/internal/portforwarding"
	"bridgectl/pkg/logging"

	"github.com/gorilla/websocket"
)

const clientSubsystem = "AgentClient"

// Client is a control channel to the in-cluster agent. It implements
// portforwarding.AgentClient.
type Client struct {
	conn *websocket.Conn
	url  string

	writeMu sync.Mutex

	mu       sync.Mutex
	nextReq  int64
	pending  map[int64]*pendingCall
	reverse  map[int]*reverseRegistration
	services map[int]portforwarding.StreamHandler

	done      chan struct{}
	closeOnce sync.Once
}

var _ portforwarding.AgentClient = (*Client)(nil)

type pendingCall struct {
	reply   chan Message
	handler portforwarding.StreamHandler
}

type reverseRegistration struct {
	handler portforwarding.StreamHandler
	streams map[int]struct{}
}

// Dial connects to the agent's control channel at url, e.g.
// "ws://127.0.0.1:50051/v1/connect".
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 30 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to agent at %s (HTTP %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", url, err)
	}
	logging.Info(clientSubsystem, "Connected to agent at %s", url)
	return newClient(conn, url), nil
}

func newClient(conn *websocket.Conn, url string) *Client {
	conn.SetReadLimit(MaxMessageSize)
	c := &Client{
		conn:     conn,
		url:      url,
		pending:  make(map[int64]*pendingCall),
		reverse:  make(map[int]*reverseRegistration),
		services: make(map[int]portforwarding.StreamHandler),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed once the control channel has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the control channel. Open streams see OnClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		close(c.done)
		c.conn.Close()
	})
	return nil
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logging.Info(clientSubsystem, "Agent closed the control channel")
				} else {
					logging.Warn(clientSubsystem, "Control channel to %s failed: %v", c.url, err)
				}
			}
			return
		}
		c.dispatch(msg)
	}
}

// shutdown closes the channel and reports every open stream as closed.
func (c *Client) shutdown() {
	c.Close()

	type closedStream struct {
		h  portforwarding.StreamHandler
		id int
	}
	var closed []closedStream
	c.mu.Lock()
	for id, h := range c.services {
		closed = append(closed, closedStream{h, id})
	}
	for _, reg := range c.reverse {
		for id := range reg.streams {
			closed = append(closed, closedStream{reg.handler, id})
		}
		reg.streams = make(map[int]struct{})
	}
	c.services = make(map[int]portforwarding.StreamHandler)
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for _, s := range closed {
		s.h.OnClosed(s.id)
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Type {
	case TypeReverseStarted, TypeServiceStarted, TypeError:
		c.resolve(msg)
	case TypeReverseData:
		if h := c.reverseHandler(msg.Port, msg.StreamID, true); h != nil {
			h.OnData(msg.StreamID, msg.Data)
		}
	case TypeReverseClosed:
		if h := c.reverseHandler(msg.Port, msg.StreamID, false); h != nil {
			h.OnClosed(msg.StreamID)
		}
	case TypeServiceData:
		c.mu.Lock()
		h := c.services[msg.StreamID]
		c.mu.Unlock()
		if h != nil {
			h.OnData(msg.StreamID, msg.Data)
		}
	case TypeServiceClosed:
		c.mu.Lock()
		h := c.services[msg.StreamID]
		delete(c.services, msg.StreamID)
		c.mu.Unlock()
		if h != nil {
			h.OnClosed(msg.StreamID)
		}
	default:
		logging.Debug(clientSubsystem, "Ignoring unknown message type %q", msg.Type)
	}
}

// reverseHandler returns the handler registered for port and tracks (open) or
// forgets (!open) streamID.
func (c *Client) reverseHandler(port, streamID int, open bool) portforwarding.StreamHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.reverse[port]
	if !ok {
		logging.Debug(clientSubsystem, "No reverse port-forward registered for port %d, dropping stream %d", port, streamID)
		return nil
	}
	if open {
		reg.streams[streamID] = struct{}{}
		return reg.handler
	}
	if _, tracked := reg.streams[streamID]; !tracked {
		return nil
	}
	delete(reg.streams, streamID)
	return reg.handler
}

func (c *Client) resolve(msg Message) {
	c.mu.Lock()
	call, ok := c.pending[msg.ReqID]
	delete(c.pending, msg.ReqID)
	if ok && msg.Type == TypeServiceStarted {
		c.services[msg.StreamID] = call.handler
	}
	c.mu.Unlock()

	if ok {
		call.reply <- msg
		return
	}
	if msg.Type == TypeServiceStarted {
		// The caller gave up before the agent answered.
		_ = c.send(context.Background(), Message{Type: TypeServiceStop, StreamID: msg.StreamID})
	}
}

func (c *Client) send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrAgentClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(msg); err != nil {
		c.Close()
		return fmt.Errorf("failed to send %s to agent: %w", msg.Type, err)
	}
	return nil
}

// call sends msg as a request and waits for the agent's answer.
func (c *Client) call(ctx context.Context, msg Message, h portforwarding.StreamHandler) (Message, error) {
	pc := &pendingCall{reply: make(chan Message, 1), handler: h}
	c.mu.Lock()
	c.nextReq++
	msg.ReqID = c.nextReq
	c.pending[msg.ReqID] = pc
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, msg.ReqID)
		c.mu.Unlock()
	}

	if err := c.send(ctx, msg); err != nil {
		forget()
		return Message{}, err
	}

	select {
	case reply := <-pc.reply:
		if reply.Type == TypeError {
			return reply, errors.New(reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		forget()
		// The answer may have raced the cancellation.
		select {
		case reply := <-pc.reply:
			if reply.Type == TypeServiceStarted {
				_ = c.ServicePortForwardStop(context.Background(), reply.StreamID)
			}
		default:
		}
		return Message{}, ctx.Err()
	case <-c.done:
		return Message{}, ErrAgentClosed
	}
}

// ReversePortForwardStart implements portforwarding.AgentClient.
func (c *Client) ReversePortForwardStart(ctx context.Context, info portforwarding.PortForwardStartInfo, h portforwarding.StreamHandler) error {
	reg := &reverseRegistration{handler: h, streams: make(map[int]struct{})}
	c.mu.Lock()
	if _, exists := c.reverse[info.Port]; exists {
		c.mu.Unlock()
		return fmt.Errorf("reverse port-forward for port %d is already registered", info.Port)
	}
	c.reverse[info.Port] = reg
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.reverse[info.Port] == reg {
			delete(c.reverse, info.Port)
		}
		c.mu.Unlock()
		_ = c.send(context.Background(), Message{Type: TypeReverseCancel, Port: info.Port})
	}()

	if _, err := c.call(ctx, Message{Type: TypeReverseStart, Port: info.Port}, nil); err != nil {
		return fmt.Errorf("failed to register reverse port-forward for port %d: %w", info.Port, err)
	}
	logging.Debug(clientSubsystem, "Agent is listening on port %d", info.Port)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrAgentClosed
	}
}

// ReversePortForwardSend implements portforwarding.AgentClient.
func (c *Client) ReversePortForwardSend(ctx context.Context, port, streamID int, data []byte) error {
	return c.send(ctx, Message{Type: TypeReverseData, Port: port, StreamID: streamID, Data: data})
}

// ReversePortForwardStop implements portforwarding.AgentClient.
func (c *Client) ReversePortForwardStop(ctx context.Context, port, streamID int) error {
	c.mu.Lock()
	if reg, ok := c.reverse[port]; ok {
		delete(reg.streams, streamID)
	}
	c.mu.Unlock()
	return c.send(ctx, Message{Type: TypeReverseStop, Port: port, StreamID: streamID})
}

// ServicePortForwardStart implements portforwarding.AgentClient.
func (c *Client) ServicePortForwardStart(ctx context.Context, serviceDNS string, port int, h portforwarding.StreamHandler) (int, error) {
	reply, err := c.call(ctx, Message{Type: TypeServiceStart, Host: serviceDNS, Port: port}, h)
	if err != nil {
		return 0, fmt.Errorf("failed to open stream to %s:%d: %w", serviceDNS, port, err)
	}
	return reply.StreamID, nil
}

// ServicePortForwardSend implements portforwarding.AgentClient.
func (c *Client) ServicePortForwardSend(ctx context.Context, streamID int, data []byte) error {
	return c.send(ctx, Message{Type: TypeServiceData, StreamID: streamID, Data: data})
}

// ServicePortForwardStop implements portforwarding.AgentClient.
func (c *Client) ServicePortForwardStop(ctx context.Context, streamID int) error {
	c.mu.Lock()
	delete(c.services, streamID)
	c.mu.Unlock()
	return c.send(ctx, Message{Type: TypeServiceStop, StreamID: streamID})
}
