package runtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bravos/lockagent"
	"github.com/bravos/lockagent/internal/metrics"
)

// ConnState is the lifecycle state of the authority connection.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

func WithConnectionLogger(l *zap.SugaredLogger) ConnectionOption {
	return func(c *Connection) {
		if l != nil {
			c.log = l
		}
	}
}

func WithConnectionMetrics(m *metrics.Metrics) ConnectionOption {
	return func(c *Connection) { c.metrics = m }
}

// WithHandshake sets the Origin and User-Agent headers sent when dialing.
func WithHandshake(origin, userAgent string) ConnectionOption {
	return func(c *Connection) {
		c.origin = origin
		c.userAgent = userAgent
	}
}

// WithTimeouts overrides the handshake, poll and write intervals. Zero keeps the default.
func WithTimeouts(handshake, poll, write time.Duration) ConnectionOption {
	return func(c *Connection) {
		if handshake > 0 {
			c.dialer.HandshakeTimeout = handshake
		}
		if poll > 0 {
			c.pollInterval = poll
		}
		if write > 0 {
			c.writeTimeout = write
		}
	}
}

// Connection is the single websocket link to the remote authority. It never
// reconnects on its own; see Reconnector.
type Connection struct {
	origin       string
	userAgent    string
	pollInterval time.Duration
	writeTimeout time.Duration

	dialer  *websocket.Dialer
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	state atomic.Int32

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	gen    uint64 // bumped by every Connect and Disconnect

	writeMu sync.Mutex

	handlersMu     sync.RWMutex
	onMessage      func(string)
	onConnectivity func(bool)
}

func NewConnection(opts ...ConnectionOption) *Connection {
	c := &Connection{
		userAgent:    "ParentalControlAgent/1.0",
		pollInterval: 100 * time.Millisecond,
		writeTimeout: 5 * time.Second,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		log:          zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnMessage registers the handler for inbound text frames. It runs on the read goroutine.
func (c *Connection) OnMessage(fn func(string)) {
	c.handlersMu.Lock()
	c.onMessage = fn
	c.handlersMu.Unlock()
}

// OnConnectivity registers the handler for open and close transitions.
func (c *Connection) OnConnectivity(fn func(bool)) {
	c.handlersMu.Lock()
	c.onConnectivity = fn
	c.handlersMu.Unlock()
}

func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

func (c *Connection) Connected() bool { return c.State() == Connected }

// Connect starts dialing endpoint in the background and returns immediately.
// A dial failure leaves the connection Disconnected without a connectivity event.
func (c *Connection) Connect(ctx context.Context, endpoint string, id lockagent.Identity) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", lockagent.ErrInvalidEndpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme %q", lockagent.ErrInvalidEndpoint, u.Scheme)
	}

	session := uuid.NewString()
	header := http.Header{}
	header.Set("X-Device-Id", id.DeviceID)
	header.Set("X-Device-Name", id.DeviceName)
	header.Set("X-Session-Id", session)
	if c.origin != "" {
		header.Set("Origin", c.origin)
	}
	if c.userAgent != "" {
		header.Set("User-Agent", c.userAgent)
	}

	c.mu.Lock()
	if c.State() != Disconnected {
		c.mu.Unlock()
		c.log.Warnw("Connect ignored, connection already active", "state", c.State())
		return nil
	}
	c.gen++
	gen := c.gen
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state.Store(int32(Connecting))
	c.mu.Unlock()

	log := c.log.With("session", session)
	log.Infow("Connecting to server", "endpoint", u.Redacted(), "deviceId", id.DeviceID)
	go c.dial(dialCtx, gen, u.String(), header, log)
	return nil
}

func (c *Connection) dial(ctx context.Context, gen uint64, endpoint string, header http.Header, log *zap.SugaredLogger) {
	conn, _, err := c.dialer.DialContext(ctx, endpoint, header)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		log.Infow("Dial abandoned after disconnect")
		return
	}
	c.cancel = nil
	if err != nil {
		c.state.Store(int32(Disconnected))
		c.mu.Unlock()
		log.Errorw("Failed to connect to server", "error", err)
		return
	}
	c.conn = conn
	c.state.Store(int32(Connected))
	c.mu.Unlock()

	log.Infow("Connected to server")
	c.metrics.SetConnected(true)
	c.emitConnectivity(true)
	c.readLoop(conn, gen, log)
}

func (c *Connection) readLoop(conn *websocket.Conn, gen uint64, log *zap.SugaredLogger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			owned := gen == c.gen && c.conn == conn
			if owned {
				c.conn = nil
				c.state.Store(int32(Disconnected))
			}
			c.mu.Unlock()
			_ = conn.Close()
			if owned {
				log.Warnw("Connection closed", "error", err)
				c.metrics.SetConnected(false)
				c.emitConnectivity(false)
			}
			return
		}
		text := string(data)
		log.Debugw("Received message", "message", text)
		c.handlersMu.RLock()
		fn := c.onMessage
		c.handlersMu.RUnlock()
		if fn != nil {
			fn(text)
		}
	}
}

func (c *Connection) emitConnectivity(up bool) {
	c.handlersMu.RLock()
	fn := c.onConnectivity
	c.handlersMu.RUnlock()
	if fn != nil {
		fn(up)
	}
}

// WaitForConnection polls until the connection is open or timeout elapses.
func (c *Connection) WaitForConnection(timeout time.Duration) bool {
	if c.Connected() {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-deadline.C:
			return c.Connected()
		case <-tick.C:
			if c.Connected() {
				return true
			}
		}
	}
}

// Send writes text as one frame when connected and drops it otherwise.
func (c *Connection) Send(text string) {
	if err := c.write(text); err != nil {
		c.log.Warnw("Failed to send message", "message", text, "error", err)
		return
	}
	c.log.Debugw("Sent message", "message", text)
}

func (c *Connection) write(text string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.Connected() {
		return lockagent.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// Disconnect closes the connection or aborts a pending dial. Safe to call at any time.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.state.Store(int32(Disconnected))
	c.mu.Unlock()

	if conn == nil {
		return
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()

	c.log.Infow("Disconnected from server")
	c.metrics.SetConnected(false)
	c.emitConnectivity(false)
}
