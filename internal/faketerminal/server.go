// Package faketerminal provides a scriptable terminal server for tests.
//
// Each accepted connection is exposed as a Conn. Requests the client sends
// are passed to the Handler, or queued on Conn.Requests when no handler is
// set, and tests push packets back with Conn.Send, Respond and Fail.
package faketerminal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/termsync/internal/api"
)

// Handler is called for every request received on a connection.
type Handler func(c *Conn, r Request)

// Request is a decoded client request.
type Request struct {
	Raw    []byte
	Fields map[string]any
}

func (r Request) str(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// Type returns the request type.
func (r Request) Type() string { return r.str("type") }

// RequestID returns the request id.
func (r Request) RequestID() string { return r.str("requestId") }

// AccountID returns the account id.
func (r Request) AccountID() string { return r.str("accountId") }

// Param returns a raw request field.
func (r Request) Param(key string) any { return r.Fields[key] }

// InstanceIndex returns the target instance, or -1 if unset.
func (r Request) InstanceIndex() int {
	f, ok := r.Fields["instanceIndex"].(float64)
	if !ok {
		return -1
	}
	return int(f)
}

// Server is a websocket server speaking the terminal protocol.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	handler Handler
	conns   []*Conn
	accept  chan *Conn
	refuse  bool
}

// New starts a server. A nil handler queues requests on Conn.Requests.
func New(h Handler) *Server {
	s := &Server{
		handler: h,
		accept:  make(chan *Conn, 64),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// SetHandler replaces the request handler for new requests.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Refuse makes the server reject new websocket upgrades.
func (s *Server) Refuse(refuse bool) {
	s.mu.Lock()
	s.refuse = refuse
	s.mu.Unlock()
}

// Conns returns every connection accepted so far.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.conns...)
}

// NextConn waits for the next accepted connection.
func (s *Server) NextConn(ctx context.Context) (*Conn, error) {
	select {
	case c := <-s.accept:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DropAll closes every open connection from the server side.
func (s *Server) DropAll() {
	for _, c := range s.Conns() {
		c.Close()
	}
}

// Close drops all connections and stops the server.
func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	refuse := s.refuse
	s.mu.Unlock()
	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{
		server:   s,
		ws:       ws,
		Query:    r.URL.Query(),
		Requests: make(chan Request, 256),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	select {
	case s.accept <- c:
	default:
	}

	c.readLoop()
}

// Conn is one accepted client connection.
type Conn struct {
	server *Server
	ws     *websocket.Conn
	// Query holds the dial query parameters (auth-token, clientId, protocol).
	Query url.Values
	// Requests receives requests when the server has no handler.
	Requests chan Request

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// ErrClosed is returned when writing to a closed connection.
var ErrClosed = errors.New("fake terminal connection closed")

func (c *Conn) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var fields map[string]any
		if err := api.Unmarshal(data, &fields); err != nil {
			continue
		}
		req := Request{Raw: data, Fields: fields}

		c.server.mu.Lock()
		h := c.server.handler
		c.server.mu.Unlock()
		if h != nil {
			h(c, req)
			continue
		}
		select {
		case c.Requests <- req:
		case <-c.done:
			return
		}
	}
}

// Send writes a packet built from fields.
func (c *Conn) Send(fields map[string]any) error {
	data, err := api.Marshal(fields)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw writes a raw frame.
func (c *Conn) SendRaw(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Respond answers r with a response packet carrying extra fields.
func (c *Conn) Respond(r Request, extra map[string]any) error {
	fields := map[string]any{
		"type":      api.PacketResponse,
		"accountId": r.AccountID(),
		"requestId": r.RequestID(),
	}
	for k, v := range extra {
		fields[k] = v
	}
	return c.Send(fields)
}

// Fail answers r with a processingError of the given kind.
func (c *Conn) Fail(r Request, kind api.Kind, message string, extra map[string]any) error {
	fields := map[string]any{
		"type":      api.PacketProcessingError,
		"accountId": r.AccountID(),
		"requestId": r.RequestID(),
		"error":     string(kind),
		"message":   message,
	}
	for k, v := range extra {
		fields[k] = v
	}
	return c.Send(fields)
}

// Next waits for the next queued request.
func (c *Conn) Next(ctx context.Context) (Request, error) {
	select {
	case r := <-c.Requests:
		return r, nil
	case <-c.done:
		return Request{}, ErrClosed
	case <-ctx.Done():
		return Request{}, ctx.Err()
	}
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close drops the connection from the server side.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
