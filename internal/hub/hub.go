// Package hub fans persisted session events out to WebSocket viewers.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fwdslsh/dispatch/internal/domain"
	"github.com/fwdslsh/dispatch/internal/metrics"
	"github.com/fwdslsh/dispatch/internal/protocol"
)

const (
	DefaultSendBuffer     = 256
	DefaultBroadcastQueue = 1024
	DefaultPublishTimeout = 100 * time.Millisecond
)

// ErrBufferFull is returned when a connection's send buffer is full.
var ErrBufferFull = errors.New("send buffer full")

// ErrConnectionClosed is returned when sending to an unregistered connection.
var ErrConnectionClosed = errors.New("connection closed")

// Connection is one WebSocket viewer. A connection may be attached to many runs.
type Connection struct {
	ID     string
	UserID string
	Conn   *websocket.Conn

	send chan []byte

	// sendMu guards closed and the close of send.
	sendMu sync.RWMutex
	closed bool

	// writeMu serializes writes to Conn.
	writeMu sync.Mutex

	// hello is set once the handshake succeeds; owned by the read loop.
	hello bool
}

// Hub tracks connections and their run subscriptions.
type Hub struct {
	// connections indexed by connection ID
	connections map[string]*Connection
	// runs maps run_id to the IDs of connections attached to it
	runs map[string]map[string]*Connection

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *runMessage
	done       chan struct{}
	stopOnce   sync.Once

	publishTimeout time.Duration
	sendBuffer     int
	queueSize      int
	metrics        *metrics.Metrics
	logger         *slog.Logger

	mu sync.RWMutex
}

type runMessage struct {
	runID string
	data  []byte
}

// Option configures a Hub.
type Option func(*Hub)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithPublishTimeout bounds how long Publish waits for room in the broadcast queue.
func WithPublishTimeout(d time.Duration) Option {
	return func(h *Hub) { h.publishTimeout = d }
}

// WithSendBuffer sets the per-connection outbound buffer size.
func WithSendBuffer(n int) Option {
	return func(h *Hub) { h.sendBuffer = n }
}

// WithQueueSize sets how many published events may wait for delivery.
func WithQueueSize(n int) Option {
	return func(h *Hub) { h.queueSize = n }
}

// New creates a Hub. Call Run to start delivering.
func New(opts ...Option) *Hub {
	h := &Hub{
		connections:    make(map[string]*Connection),
		runs:           make(map[string]map[string]*Connection),
		register:       make(chan *Connection),
		unregister:     make(chan *Connection),
		done:           make(chan struct{}),
		publishTimeout: DefaultPublishTimeout,
		sendBuffer:     DefaultSendBuffer,
		queueSize:      DefaultBroadcastQueue,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.publishTimeout <= 0 {
		h.publishTimeout = DefaultPublishTimeout
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = DefaultSendBuffer
	}
	if h.queueSize <= 0 {
		h.queueSize = DefaultBroadcastQueue
	}
	h.broadcast = make(chan *runMessage, h.queueSize)
	return h
}

// Run is the hub's main loop. It returns when ctx is cancelled or Stop is called,
// closing every remaining connection's send buffer.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			h.logger.Debug("connection registered", "conn_id", conn.ID)

		case conn := <-h.unregister:
			h.remove(conn)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Stop ends Run. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) shutdown() {
	h.Stop()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.connections {
		conn.closeSend()
		delete(h.connections, id)
	}
	h.runs = make(map[string]map[string]*Connection)
}

func (h *Hub) remove(conn *Connection) {
	h.mu.Lock()
	delete(h.connections, conn.ID)
	for runID, conns := range h.runs {
		delete(conns, conn.ID)
		if len(conns) == 0 {
			delete(h.runs, runID)
		}
	}
	// Closed under mu so Subscribe never sees a removed connection as open.
	conn.closeSend()
	h.mu.Unlock()

	h.logger.Debug("connection unregistered", "conn_id", conn.ID)
}

func (h *Hub) deliver(msg *runMessage) {
	h.mu.RLock()
	var slow []*Connection
	for _, conn := range h.runs[msg.runID] {
		if err := conn.trySend(msg.data); err != nil {
			slow = append(slow, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range slow {
		h.logger.Warn("connection buffer full, dropping viewer", "conn_id", conn.ID, "run_id", msg.runID)
		h.remove(conn)
	}
}

// NewConnection wraps a WebSocket in a Connection. It is not yet registered.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		send: make(chan []byte, h.sendBuffer),
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.closeSend()
	}
}

// Unregister removes a connection and all its subscriptions, then closes its send buffer.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
		conn.closeSend()
	}
}

// Subscribe attaches conn to runID. Events published after Subscribe returns are delivered.
// It returns ErrConnectionClosed once the connection has been removed.
func (h *Hub) Subscribe(conn *Connection, runID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn.isClosed() {
		return ErrConnectionClosed
	}
	if h.runs[runID] == nil {
		h.runs[runID] = make(map[string]*Connection)
	}
	h.runs[runID][conn.ID] = conn
	return nil
}

// Unsubscribe detaches conn from runID.
func (h *Hub) Unsubscribe(conn *Connection, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns := h.runs[runID]; conns != nil {
		delete(conns, conn.ID)
		if len(conns) == 0 {
			delete(h.runs, runID)
		}
	}
}

// Publish queues a persisted event for every connection attached to runID.
// It waits at most the publish timeout; on timeout the event is dropped for live
// viewers, who recover it through catch-up.
func (h *Hub) Publish(runID string, event *domain.SessionEvent) {
	data, err := json.Marshal(protocol.RunEventMessage{
		BaseMessage: protocol.BaseMessage{
			Type:  protocol.TypeRunEvent,
			Ts:    time.Now().UnixMilli(),
			RunID: runID,
		},
		Event: event,
	})
	if err != nil {
		h.logger.Error("failed to marshal run event", "run_id", runID, "seq", event.Seq, "error", err)
		h.metrics.PublishDropped()
		return
	}

	msg := &runMessage{runID: runID, data: data}
	select {
	case h.broadcast <- msg:
		return
	default:
	}

	timer := time.NewTimer(h.publishTimeout)
	defer timer.Stop()
	select {
	case h.broadcast <- msg:
	case <-timer.C:
		h.logger.Warn("broadcast queue full, dropping live event", "run_id", runID, "seq", event.Seq)
		h.metrics.PublishDropped()
	case <-h.done:
	}
}

// SendJSON queues v for a single connection without blocking.
func (h *Hub) SendJSON(conn *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.trySend(data)
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// RunCount returns the number of runs with at least one viewer.
func (h *Hub) RunCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runs)
}

// Viewers returns how many connections are attached to runID.
func (h *Hub) Viewers(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runs[runID])
}

// Send is the connection's outbound queue. It is closed when the hub drops the connection.
func (c *Connection) Send() <-chan []byte {
	return c.send
}

// Hello reports whether the connection completed the handshake.
func (c *Connection) Hello() bool {
	return c.hello
}

// SetHello marks the handshake complete for userID.
func (c *Connection) SetHello(userID string) {
	c.hello = true
	c.UserID = userID
}

func (c *Connection) trySend(data []byte) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

func (c *Connection) isClosed() bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	return c.closed
}

func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying WebSocket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
