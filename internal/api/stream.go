package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/geode-project/geode/internal/events"
	"github.com/geode-project/geode/internal/intercept"
	"github.com/geode-project/geode/internal/protocol"
	"github.com/geode-project/geode/internal/util"
)

const (
	streamSubscriber = "api.stream"

	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	sendBuffer   = 256
)

// StreamFilter narrows the dispatches a stream client receives. Events are
// always delivered.
type StreamFilter struct {
	Identity  string `json:"identity,omitempty"`
	Direction string `json:"direction,omitempty"`
}

func (f StreamFilter) matches(t intercept.Trace) bool {
	if f.Direction != "" {
		if d, err := protocol.ParseDirection(f.Direction); err == nil && d != t.Frame.Direction {
			return false
		}
	}
	if f.Identity != "" && !strings.Contains(strings.ToLower(t.Identity.Name), strings.ToLower(f.Identity)) {
		return false
	}
	return true
}

// streamMessage is the envelope written to stream clients.
type streamMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// dispatchView is the stream rendition of a trace.
type dispatchView struct {
	Seq        int32                  `json:"seq"`
	Direction  protocol.Direction     `json:"direction"`
	WireID     uint16                 `json:"wire_id"`
	Variant    protocol.ClientVariant `json:"variant"`
	Identity   string                 `json:"identity,omitempty"`
	Known      bool                   `json:"known"`
	Outcome    intercept.Outcome      `json:"outcome"`
	Handlers   int                    `json:"handlers"`
	Faults     int                    `json:"faults,omitempty"`
	Fields     []any                  `json:"fields,omitempty"`
	PayloadLen int                    `json:"payload_len"`
	DecodeErr  string                 `json:"decode_error,omitempty"`
	DurationUS int64                  `json:"duration_us"`
	At         time.Time              `json:"at"`
}

func viewOfTrace(t intercept.Trace) dispatchView {
	v := dispatchView{
		Seq:        t.Frame.Seq,
		Direction:  t.Frame.Direction,
		WireID:     uint16(t.Frame.WireID),
		Variant:    t.Variant,
		Known:      t.Known,
		Outcome:    t.Outcome,
		Handlers:   t.Handlers,
		Faults:     t.Faults,
		PayloadLen: len(t.Frame.Payload),
		DurationUS: t.Duration.Microseconds(),
		At:         t.At,
	}
	if t.Known {
		v.Identity = t.Identity.String()
	}
	if t.Message != nil {
		v.Fields = t.Message.Fields
	}
	if t.DecodeErr != nil {
		v.DecodeErr = t.DecodeErr.Error()
	}
	return v
}

type eventView struct {
	Event   events.EventType `json:"event"`
	Source  string           `json:"source"`
	Time    time.Time        `json:"time"`
	Payload interface{}      `json:"payload,omitempty"`
}

// StreamClient is one websocket subscriber.
type StreamClient struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Hub  *StreamHub

	mu     sync.RWMutex
	filter StreamFilter
}

func (c *StreamClient) setFilter(f StreamFilter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

func (c *StreamClient) wants(t intercept.Trace) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.matches(t)
}

// StreamHub fans dispatch traces and lifecycle events out to websocket
// clients. Delivery never blocks the dispatch path: a client whose buffer
// is full misses the message.
type StreamHub struct {
	mu      sync.RWMutex
	clients map[*StreamClient]bool
	bus     *events.EventBus
	dropped atomic.Uint64
	logger  zerolog.Logger
}

// NewStreamHub creates an empty hub.
func NewStreamHub() *StreamHub {
	return &StreamHub{
		clients: make(map[*StreamClient]bool),
		logger:  util.ComponentLogger("stream"),
	}
}

// Attach forwards link, lifecycle and health events from bus to clients.
func (h *StreamHub) Attach(ctx context.Context, bus *events.EventBus) {
	h.mu.Lock()
	h.bus = bus
	h.mu.Unlock()

	bus.SubscribeMany(streamEvents(), streamSubscriber, func(ctx context.Context, ev events.Event) error {
		h.broadcastEvent(ev)
		return nil
	})
	h.logger.Debug().Msg("stream hub attached to event bus")
}

func streamEvents() []events.EventType {
	types := append([]events.EventType{events.EventLinkUp, events.EventLinkDown}, events.LifecycleEvents()...)
	return append(types, events.EventHealthChanged)
}

// ObserveDispatch is a pipeline observer.
func (h *StreamHub) ObserveDispatch(t intercept.Trace) {
	// Skip marshaling when nobody listens
	if h.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(streamMessage{Type: "dispatch", Data: viewOfTrace(t)})
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to marshal dispatch")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.wants(t) {
			h.deliver(c, data)
		}
	}
}

func (h *StreamHub) broadcastEvent(ev events.Event) {
	data, err := json.Marshal(streamMessage{Type: "event", Data: eventView{
		Event:   ev.Type,
		Source:  ev.Source,
		Time:    ev.Time,
		Payload: ev.Payload,
	}})
	if err != nil {
		h.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		h.deliver(c, data)
	}
}

// deliver must be called with h.mu held.
func (h *StreamHub) deliver(c *StreamClient, data []byte) {
	select {
	case c.Send <- data:
	default:
		h.dropped.Add(1)
	}
}

func (h *StreamHub) register(c *StreamClient) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Str("client", c.ID).Int("clients", n).Msg("stream client connected")
}

func (h *StreamHub) unregister(c *StreamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.Send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Str("client", c.ID).Int("clients", n).Msg("stream client disconnected")
}

// Stop detaches from the bus and disconnects every client.
func (h *StreamHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.bus != nil {
		for _, t := range streamEvents() {
			h.bus.Unsubscribe(t, streamSubscriber)
		}
		h.bus = nil
	}
	// Disconnect everyone
	for c := range h.clients {
		close(c.Send)
		c.Conn.Close()
		delete(h.clients, c)
	}
}

// ClientCount returns the number of connected clients.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were skipped for slow clients.
func (h *StreamHub) Dropped() uint64 {
	return h.dropped.Load()
}

func (c *StreamClient) readPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
	}()

	// Only small control messages are expected
	c.Conn.SetReadLimit(64 * 1024)
	c.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Debug().Err(err).Str("client", c.ID).Msg("stream read error")
			}
			return
		}

		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data,omitempty"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		// Client narrows what it receives
		case "filter":
			var f StreamFilter
			if err := json.Unmarshal(msg.Data, &f); err == nil {
				c.setFilter(f)
				c.reply(streamMessage{Type: "filter", Data: f})
			}
		// Application-level keepalive
		case "ping":
			c.reply(streamMessage{Type: "pong"})
		}
	}
}

// reply queues a control message; it is dropped if the buffer is full.
func (c *StreamClient) reply(m streamMessage) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.Hub.mu.RLock()
	defer c.Hub.mu.RUnlock()
	if c.Hub.clients[c] {
		c.Hub.deliver(c, data)
	}
}

func (c *StreamClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			// Hub closed the channel
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleStream upgrades to a websocket. Optional query parameters identity
// and direction set the initial filter.
func (s *Server) handleStream(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("stream upgrade failed")
		return
	}

	client := &StreamClient{
		ID:   uuid.NewString(),
		Conn: conn,
		Send: make(chan []byte, sendBuffer),
		Hub:  s.hub,
		filter: StreamFilter{
			Identity:  c.Query("identity"),
			Direction: c.Query("direction"),
		},
	}
	// Register client
	s.hub.register(client)

	// Start pumps
	go client.writePump()
	go client.readPump()

	// Send welcome message
	client.reply(streamMessage{Type: "connected", Data: gin.H{
		"client_id": client.ID,
		"session":   s.deps.Extension.Session().Snapshot(),
	}})
}

// checkOrigin accepts clients without an Origin header, loopback origins and
// the configured allowed origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
