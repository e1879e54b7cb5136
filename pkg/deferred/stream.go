package deferred

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// SubscribeMessage is sent by a client to receive settlements for ids.
type SubscribeMessage struct {
	Subscribe []string `json:"subscribe"`
}

// Stream serves settlements over WebSocket. A client sends a
// SubscribeMessage; the stream replays settlements that already happened
// and pushes the rest as they settle.
type Stream struct {
	reg      *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]*streamClient
}

type streamClient struct {
	conn  *websocket.Conn
	wmu   sync.Mutex
	unsub []func()
	sent  map[string]bool
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithCheckOrigin sets the websocket origin check. Default: SameOriginCheck.
func WithCheckOrigin(fn func(r *http.Request) bool) StreamOption {
	return func(s *Stream) { s.upgrader.CheckOrigin = fn }
}

// SameOriginCheck accepts requests without an Origin header and those whose
// Origin host equals the request host.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || r.Host == "" {
		return false
	}
	return u.Host == r.Host
}

// AllowedOrigins returns an origin check accepting same-origin requests
// and the listed origins ("https://app.example.com").
func AllowedOrigins(origins ...string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		return allowed[r.Header.Get("Origin")] || SameOriginCheck(r)
	}
}

// NewStream creates a settlement stream over reg.
func NewStream(reg *Registry, logger *slog.Logger, opts ...StreamOption) *Stream {
	if logger == nil {
		logger = slog.Default().With("component", "deferred.stream")
	}
	s := &Stream{
		reg:     reg,
		logger:  logger,
		clients: make(map[*websocket.Conn]*streamClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     SameOriginCheck,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the connection and serves subscriptions until the
// client disconnects.
func (s *Stream) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := &streamClient{conn: conn, sent: make(map[string]bool)}

	s.mu.Lock()
	s.clients[conn] = c
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring malformed stream message", "error", err)
			continue
		}
		for _, id := range msg.Subscribe {
			s.subscribe(req.Context(), c, id)
		}
	}

	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	c.close()
}

func (s *Stream) subscribe(ctx context.Context, c *streamClient, id string) {
	if h, ok := s.reg.Get(id); ok {
		unsub := h.Subscribe(func(h *Handle) {
			settlement, err := h.Settlement()
			if err != nil {
				s.logger.Warn("deferred settlement not encodable", "id", h.ID(), "error", err)
				return
			}
			c.send(settlement)
		})
		c.wmu.Lock()
		c.unsub = append(c.unsub, unsub)
		c.wmu.Unlock()
		return
	}

	store := s.reg.Store()
	if store == nil {
		return
	}
	settlement, ok, err := store.Load(ctx, id)
	if err != nil {
		s.logger.Warn("loading deferred settlement failed", "id", id, "error", err)
		return
	}
	if ok {
		c.send(settlement)
	}
}

func (c *streamClient) send(msg Settlement) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.sent[msg.ID] {
		return
	}
	c.sent[msg.ID] = true
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.conn.Close()
	}
}

func (c *streamClient) close() {
	c.wmu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.wmu.Unlock()
	for _, fn := range unsub {
		fn()
	}
	c.conn.Close()
}

// ClientCount returns the number of connected clients.
func (s *Stream) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close closes all client connections.
func (s *Stream) Close() {
	s.mu.Lock()
	clients := make([]*streamClient, 0, len(s.clients))
	for conn, c := range s.clients {
		clients = append(clients, c)
		delete(s.clients, conn)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// Connect dials a settlement stream and subscribes to ids.
func Connect(ctx context.Context, url string, ids []string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(SubscribeMessage{Subscribe: ids}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Receive applies settlements read from conn to reg until ctx is done or
// the connection closes. Duplicate settlements are ignored.
func Receive(ctx context.Context, conn *websocket.Conn, reg *Registry) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		s, err := decodeSettlement(data)
		if err != nil {
			reg.logger.Debug("ignoring malformed settlement", "error", err)
			continue
		}
		if err := reg.Settle(s); err != nil && !stderrors.Is(err, ErrAlreadySettled) {
			reg.logger.Debug("settlement not applied", "id", s.ID, "error", err)
		}
	}
}
