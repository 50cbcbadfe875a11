package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/termsync/internal/version"
)

// Client represents a single WebSocket connection to the terminal server.
type Client interface {
	// Connect establishes the WebSocket connection.
	Connect(ctx context.Context) error

	// Close gracefully closes the connection.
	Close() error

	// Send writes raw bytes to the connection.
	Send(data []byte) error

	// Messages returns a channel of ALL raw frames (responses + packets).
	// Each message includes a local timestamp for when it was received.
	Messages() <-chan TimestampedMessage

	// Errors returns a channel of connection errors.
	Errors() <-chan error

	// IsConnected returns current connection state.
	IsConnected() bool
}

// client implements Client on top of a gorilla websocket.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	writeMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	closed    bool
	// lastHeard is the last ping or pong from the server.
	lastHeard time.Time
}

// NewClient creates a disconnected client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &client{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan TimestampedMessage, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// dialURL appends the connection identity to the configured endpoint.
func dialURL(cfg ClientConfig) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	if cfg.Token != "" {
		q.Set("auth-token", cfg.Token)
	}
	if cfg.ClientID != "" {
		q.Set("clientId", cfg.ClientID)
	}
	q.Set("protocol", "3")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the endpoint. The handshake is bounded by ctx.
func (c *client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrAlreadyClosed
	}

	target, err := dialURL(c.cfg)
	if err != nil {
		return err
	}
	header := http.Header{
		"Accept":     {"application/json"},
		"User-Agent": {version.UserAgent()},
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	// The server pings; any ping or pong proves the link is alive.
	conn.SetPingHandler(func(data string) error {
		c.touch()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastHeard = time.Now()
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.keepaliveLoop(conn)

	c.logger.Debug("websocket connected", "client_id", c.cfg.ClientID)
	return nil
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastHeard = time.Now()
	c.mu.Unlock()
}

// report hands err to the owner unless the client was closed on purpose.
// Only the first error is kept.
func (c *client) report(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.errors <- err:
	default:
	}
}

// Close sends a normal closure frame and closes the socket.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return conn.Close()
}

// Send writes one text frame.
func (c *client) Send(data []byte) error {
	c.mu.RLock()
	conn, ok := c.conn, c.connected
	c.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) Messages() <-chan TimestampedMessage {
	return c.messages
}

func (c *client) Errors() <-chan error {
	return c.errors
}

func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// readLoop reads frames and forwards them in arrival order. It blocks when
// the buffer is full; dropping frames would open sequence gaps.
func (c *client) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.report(err)
			return
		}
		msg := TimestampedMessage{Data: data, ReceivedAt: time.Now()}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

// keepaliveLoop pings every half PingTimeout and reports ErrStaleConnection
// once the server has been quiet for a full PingTimeout.
func (c *client) keepaliveLoop(conn *websocket.Conn) {
	interval := c.cfg.PingTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Debug("ping failed", "error", err)
		}

		if quiet := c.quietFor(); quiet > c.cfg.PingTimeout {
			c.logger.Warn("connection stale",
				"quiet_for", quiet,
				"timeout", c.cfg.PingTimeout,
			)
			c.report(ErrStaleConnection)
			return
		}
	}
}

func (c *client) quietFor() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastHeard)
}
