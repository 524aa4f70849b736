package agent

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"bridgectl/internal/portforwarding"
	"bridgectl/pkg/logging"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	serverSubsystem = "AgentServer"
	dialTimeout     = 10 * time.Second
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithBindAddress sets the address reverse forward listeners bind to. The
// default binds all interfaces so other pods can reach them.
func WithBindAddress(addr string) ServerOption {
	return func(s *Server) {
		s.bindAddress = addr
	}
}

// WithServiceDialer replaces the dialer used for service streams.
func WithServiceDialer(dial portforwarding.DialFunc) ServerOption {
	return func(s *Server) {
		s.dial = dial
	}
}

// WithRegistry registers the agent's metrics with reg and serves reg on /metrics.
func WithRegistry(reg *prometheus.Registry) ServerOption {
	return func(s *Server) {
		s.registry = reg
	}
}

// Server is the in-cluster end of the control channel. It serves the control
// channel on ConnectPath, plus /healthz and /metrics.
type Server struct {
	bindAddress string
	dial        portforwarding.DialFunc
	registry    *prometheus.Registry
	metrics     *serverMetrics
	upgrader    websocket.Upgrader
	mux         *http.ServeMux

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(opts ...ServerOption) *Server {
	var d net.Dialer
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		dial:   d.DialContext,
		ctx:    ctx,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  portforwarding.BufferSize,
			WriteBufferSize: portforwarding.BufferSize,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = newServerMetrics(s.registry)

	s.mux = http.NewServeMux()
	s.mux.HandleFunc(ConnectPath, s.handleConnect)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close ends every session and waits for them to clean up.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "agent is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn(serverSubsystem, "WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	sess := newSession(s, conn)
	logging.Info(sess.subsystem, "Session started from %s", r.RemoteAddr)
	s.metrics.sessions.Inc()
	defer s.metrics.sessions.Dec()
	sess.run()
	logging.Info(sess.subsystem, "Session ended")
}

type streamKey struct {
	port int
	id   int
}

type session struct {
	server    *Server
	conn      *websocket.Conn
	subsystem string

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	nextID    int
	listeners map[int]net.Listener
	reverse   map[streamKey]net.Conn
	services  map[int]net.Conn

	wg sync.WaitGroup
}

func newSession(s *Server, conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(s.ctx)
	return &session{
		server:    s,
		conn:      conn,
		subsystem: "AgentSession-" + uuid.NewString()[:8],
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]net.Listener),
		reverse:   make(map[streamKey]net.Conn),
		services:  make(map[int]net.Conn),
	}
}

func (sess *session) run() {
	defer sess.shutdown()
	stop := context.AfterFunc(sess.ctx, func() { sess.conn.Close() })
	defer stop()

	sess.conn.SetReadLimit(MaxMessageSize)
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	sess.wg.Add(1)
	go sess.keepalive()

	for {
		var msg Message
		if err := sess.conn.ReadJSON(&msg); err != nil {
			if sess.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warn(sess.subsystem, "Control channel read failed: %v", err)
			}
			return
		}
		_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		sess.handle(msg)
	}
}

func (sess *session) keepalive() {
	defer sess.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logging.Debug(sess.subsystem, "Ping failed: %v", err)
				sess.cancel()
				return
			}
		}
	}
}

func (sess *session) shutdown() {
	sess.cancel()

	sess.mu.Lock()
	sess.closed = true
	var closers []interface{ Close() error }
	for port, l := range sess.listeners {
		closers = append(closers, l)
		delete(sess.listeners, port)
	}
	for key, c := range sess.reverse {
		closers = append(closers, c)
		delete(sess.reverse, key)
	}
	for id, c := range sess.services {
		closers = append(closers, c)
		delete(sess.services, id)
	}
	sess.mu.Unlock()

	for _, c := range closers {
		c.Close()
	}
	sess.conn.Close()
	sess.wg.Wait()
}

func (sess *session) send(msg Message) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := sess.conn.WriteJSON(msg); err != nil {
		sess.cancel()
		return err
	}
	return nil
}

func (sess *session) sendError(reqID int64, err error) {
	_ = sess.send(Message{Type: TypeError, ReqID: reqID, Error: err.Error()})
}

func (sess *session) handle(msg Message) {
	switch msg.Type {
	case TypeReverseStart:
		sess.startReverse(msg)
	case TypeReverseCancel:
		sess.cancelReverse(msg.Port)
	case TypeReverseData:
		sess.mu.Lock()
		c := sess.reverse[streamKey{msg.Port, msg.StreamID}]
		sess.mu.Unlock()
		sess.write(c, "reverse", msg)
	case TypeReverseStop:
		sess.mu.Lock()
		c := sess.reverse[streamKey{msg.Port, msg.StreamID}]
		delete(sess.reverse, streamKey{msg.Port, msg.StreamID})
		sess.mu.Unlock()
		if c != nil {
			c.Close()
		}
	case TypeServiceStart:
		sess.mu.Lock()
		if sess.closed {
			sess.mu.Unlock()
			return
		}
		sess.wg.Add(1)
		sess.mu.Unlock()
		go sess.startService(msg)
	case TypeServiceData:
		sess.mu.Lock()
		c := sess.services[msg.StreamID]
		sess.mu.Unlock()
		sess.write(c, "service", msg)
	case TypeServiceStop:
		sess.mu.Lock()
		c := sess.services[msg.StreamID]
		delete(sess.services, msg.StreamID)
		sess.mu.Unlock()
		if c != nil {
			c.Close()
		}
	default:
		logging.Debug(sess.subsystem, "Ignoring unknown message type %q", msg.Type)
		if msg.ReqID != 0 {
			_ = sess.send(Message{Type: TypeError, ReqID: msg.ReqID, Error: "unknown message type " + string(msg.Type)})
		}
	}
}

// write delivers data from the client to an in-cluster connection. A failed
// write closes the connection; its pump then reports the stream closed.
func (sess *session) write(c net.Conn, kind string, msg Message) {
	if c == nil {
		logging.Debug(sess.subsystem, "Dropping %s data for unknown stream %d", kind, msg.StreamID)
		return
	}
	if len(msg.Data) == 0 {
		return
	}
	if _, err := c.Write(msg.Data); err != nil {
		logging.Debug(sess.subsystem, "Write to %s stream %d failed: %v", kind, msg.StreamID, err)
		c.Close()
		return
	}
	sess.server.metrics.bytes.WithLabelValues(kind, "to_cluster").Add(float64(len(msg.Data)))
}

func (sess *session) allocateID() int {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.nextID++
	return sess.nextID
}

func (sess *session) startReverse(msg Message) {
	sess.mu.Lock()
	if _, exists := sess.listeners[msg.Port]; exists {
		sess.mu.Unlock()
		sess.sendError(msg.ReqID, fmt.Errorf("port %d is already registered", msg.Port))
		return
	}
	addr := net.JoinHostPort(sess.server.bindAddress, strconv.Itoa(msg.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		sess.mu.Unlock()
		logging.Warn(sess.subsystem, "Cannot listen on %s for reverse port-forward: %v", addr, err)
		sess.sendError(msg.ReqID, err)
		return
	}
	sess.listeners[msg.Port] = l
	sess.wg.Add(1)
	sess.mu.Unlock()

	logging.Info(sess.subsystem, "Listening on %s for reverse port-forward", l.Addr())
	sess.server.metrics.reverseListeners.Inc()
	if err := sess.send(Message{Type: TypeReverseStarted, ReqID: msg.ReqID, Port: msg.Port}); err != nil {
		l.Close()
	}
	go sess.acceptReverse(msg.Port, l)
}

func (sess *session) cancelReverse(port int) {
	sess.mu.Lock()
	l := sess.listeners[port]
	delete(sess.listeners, port)
	var conns []net.Conn
	for key, c := range sess.reverse {
		if key.port == port {
			conns = append(conns, c)
			delete(sess.reverse, key)
		}
	}
	sess.mu.Unlock()

	if l != nil {
		l.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}

func (sess *session) acceptReverse(port int, l net.Listener) {
	defer sess.wg.Done()
	defer sess.server.metrics.reverseListeners.Dec()
	for {
		c, err := l.Accept()
		if err != nil {
			if !portforwarding.IsListenerClosed(err) {
				logging.Warn(sess.subsystem, "Accept on reverse port %d failed: %v", port, err)
			}
			return
		}

		key := streamKey{port: port, id: sess.allocateID()}
		sess.mu.Lock()
		if sess.closed {
			sess.mu.Unlock()
			c.Close()
			return
		}
		sess.reverse[key] = c
		sess.wg.Add(1)
		sess.mu.Unlock()

		sess.server.metrics.streams.WithLabelValues("reverse").Inc()
		logging.Debug(sess.subsystem, "Reverse stream %d on port %d from %s", key.id, port, c.RemoteAddr())
		if err := sess.send(Message{Type: TypeReverseData, Port: port, StreamID: key.id}); err != nil {
			c.Close()
		}
		go sess.pump(c, "reverse",
			func(data []byte) Message {
				return Message{Type: TypeReverseData, Port: port, StreamID: key.id, Data: data}
			},
			Message{Type: TypeReverseClosed, Port: port, StreamID: key.id},
			func() bool {
				sess.mu.Lock()
				defer sess.mu.Unlock()
				if sess.reverse[key] != c {
					return false
				}
				delete(sess.reverse, key)
				return true
			})
	}
}

func (sess *session) startService(msg Message) {
	defer sess.wg.Done()

	ctx, cancel := context.WithTimeout(sess.ctx, dialTimeout)
	addr := net.JoinHostPort(msg.Host, strconv.Itoa(msg.Port))
	c, err := sess.server.dial(ctx, "tcp", addr)
	cancel()
	if err != nil {
		logging.Warn(sess.subsystem, "Cannot reach service %s: %v", addr, err)
		sess.sendError(msg.ReqID, err)
		return
	}

	id := sess.allocateID()
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		c.Close()
		return
	}
	sess.services[id] = c
	sess.wg.Add(1)
	sess.mu.Unlock()

	sess.server.metrics.streams.WithLabelValues("service").Inc()
	logging.Debug(sess.subsystem, "Service stream %d to %s", id, addr)
	if err := sess.send(Message{Type: TypeServiceStarted, ReqID: msg.ReqID, StreamID: id}); err != nil {
		c.Close()
	}
	sess.pump(c, "service",
		func(data []byte) Message {
			return Message{Type: TypeServiceData, StreamID: id, Data: data}
		},
		Message{Type: TypeServiceClosed, StreamID: id},
		func() bool {
			sess.mu.Lock()
			defer sess.mu.Unlock()
			if sess.services[id] != c {
				return false
			}
			delete(sess.services, id)
			return true
		})
}

// pump copies an in-cluster connection to the client until either side ends.
// closed is sent only when this side ended the stream.
func (sess *session) pump(c net.Conn, kind string, data func([]byte) Message, closed Message, remove func() bool) {
	defer sess.wg.Done()
	defer c.Close()

	buf := make([]byte, portforwarding.BufferSize)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			if sendErr := sess.send(data(buf[:n])); sendErr != nil {
				remove()
				return
			}
			sess.server.metrics.bytes.WithLabelValues(kind, "from_cluster").Add(float64(n))
		}
		if err != nil {
			break
		}
	}
	if remove() {
		_ = sess.send(closed)
	}
}
