package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geode-project/geode/internal/capture"
	"github.com/geode-project/geode/internal/config"
	"github.com/geode-project/geode/internal/events"
	"github.com/geode-project/geode/internal/extension"
	"github.com/geode-project/geode/internal/intercept"
	"github.com/geode-project/geode/internal/messages"
	"github.com/geode-project/geode/internal/network"
	"github.com/geode-project/geode/internal/protocol"
)

type link struct {
	events chan network.HostEvent
	sent   chan protocol.Frame
	once   sync.Once
	closed chan struct{}
}

func newLink() *link {
	return &link{
		events: make(chan network.HostEvent, 8),
		sent:   make(chan protocol.Frame, 8),
		closed: make(chan struct{}),
	}
}

func (l *link) Next() (network.HostEvent, error) {
	select {
	case ev := <-l.events:
		return ev, nil
	case <-l.closed:
		return nil, network.ErrClosed
	}
}
func (l *link) Reply(network.Reply) error            { return nil }
func (l *link) Send(f protocol.Frame) error          { l.sent <- f; return nil }
func (l *link) SendInfo(network.ExtensionInfo) error { return nil }
func (l *link) Log(string) error                     { return nil }
func (l *link) Close() error                         { l.once.Do(func() { close(l.closed) }); return nil }

type fixture struct {
	cfg *config.Config
	x   *extension.Extension
	s   *Server
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()

	reg, err := messages.Default()
	require.NoError(t, err)
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	cfg := config.DefaultConfig()
	cfg.API.RateLimitRPS = 0

	x := extension.New(extension.Options{Name: "api-test", RequestTimeout: time.Second}, reg, bus)
	deps := Deps{Config: cfg, Extension: x, Version: "test"}
	if mutate != nil {
		mutate(&deps)
	}
	return &fixture{cfg: cfg, x: x, s: NewServer(cfg.API, false, deps)}
}

// connect attaches the extension to a fake host with a flash client.
func (f *fixture) connect(t *testing.T) *link {
	t.Helper()
	l := newLink()
	go f.x.Run(context.Background(), l)
	t.Cleanup(func() { l.Close() })

	l.events <- network.ConnectionStart{Host: "game-us.habbo.com", Port: 30000, ClientType: "FLASH"}
	require.Eventually(t, f.x.GameConnected, time.Second, time.Millisecond)
	return l
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.s.Handler().ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestPingAndHealth(t *testing.T) {
	f := newFixture(t, nil)

	w, body := f.do(t, http.MethodGet, "/api/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "Geode", w.Header().Get("Server"))

	w, body = f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["attached"])
	assert.Equal(t, "idle", body["phase"])

	w, _ = f.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionReflectsConnection(t *testing.T) {
	f := newFixture(t, nil)

	_, body := f.do(t, http.MethodGet, "/api/session", nil)
	sess := body["session"].(map[string]interface{})
	assert.Equal(t, "idle", sess["phase"])

	f.connect(t)
	_, body = f.do(t, http.MethodGet, "/api/session", nil)
	sess = body["session"].(map[string]interface{})
	assert.Equal(t, "connected", sess["phase"])
	assert.Equal(t, "flash", sess["variant"])
	assert.Equal(t, true, body["attached"])
}

func TestMessagesFilter(t *testing.T) {
	f := newFixture(t, nil)

	w, body := f.do(t, http.MethodGet, "/api/messages?filter=chat", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := body["messages"].([]interface{})
	require.Len(t, list, 2)

	ids := []string{}
	for _, m := range list {
		entry := m.(map[string]interface{})
		ids = append(ids, entry["identity"].(string))
		wire := entry["wire_ids"].(map[string]interface{})
		assert.Contains(t, wire, "flash")
	}
	assert.ElementsMatch(t, []string{"In.Chat", "Out.Chat"}, ids)

	w, _ = f.do(t, http.MethodGet, "/api/messages?variant=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSend(t *testing.T) {
	f := newFixture(t, nil)
	chat := sendRequest{Direction: "out", Name: "Chat", Fields: []any{"hello", 0, 0}}

	w, _ := f.do(t, http.MethodPost, "/api/send", chat)
	assert.Equal(t, http.StatusConflict, w.Code, "no game connection yet")

	w, _ = f.do(t, http.MethodPost, "/api/send", sendRequest{Direction: "out", Name: "NoSuchThing"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/send", sendRequest{Direction: "sideways", Name: "Chat"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	l := f.connect(t)

	w, _ = f.do(t, http.MethodPost, "/api/send", sendRequest{Direction: "out", Name: "Chat", Fields: []any{"hello"}})
	assert.Equal(t, http.StatusBadRequest, w.Code, "field count mismatch")

	w, body := f.do(t, http.MethodPost, "/api/send", chat)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Out.Chat", body["sent"])

	select {
	case frame := <-l.sent:
		assert.Equal(t, protocol.Outbound, frame.Direction)
		assert.Equal(t, protocol.WireID(1314), frame.WireID)
	case <-time.After(time.Second):
		t.Fatal("frame was not sent")
	}
}

func TestSendDisabled(t *testing.T) {
	f := newFixture(t, nil)
	f.s.cfg.AllowSend = false

	w, _ := f.do(t, http.MethodPost, "/api/send", sendRequest{Direction: "out", Name: "Chat"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandlersAndStats(t *testing.T) {
	f := newFixture(t, nil)
	f.x.Intercept(messages.In("Chat"), "spy", func(e *intercept.Intercept) error { return nil })

	_, body := f.do(t, http.MethodGet, "/api/handlers", nil)
	assert.EqualValues(t, 1, body["total"])

	_, body = f.do(t, http.MethodGet, "/api/stats", nil)
	assert.Contains(t, body, "dispatch")
	assert.Contains(t, body, "stream")
	assert.NotContains(t, body, "capture")

	_, body = f.do(t, http.MethodGet, "/api/requests", nil)
	assert.EqualValues(t, 0, body["total"])
}

func TestCaptures(t *testing.T) {
	f := newFixture(t, nil)
	w, _ := f.do(t, http.MethodGet, "/api/captures", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	store, err := capture.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Record(
		capture.FromTrace(intercept.Trace{
			Frame:    protocol.Frame{Seq: 1, Direction: protocol.Inbound, WireID: 1446, Payload: []byte{1, 2}},
			Variant:  protocol.ClientFlash,
			Identity: messages.In("Chat"),
			Known:    true,
			Outcome:  intercept.Block,
			At:       time.Now(),
		}, "s1"),
		capture.FromTrace(intercept.Trace{
			Frame:   protocol.Frame{Seq: 2, Direction: protocol.Outbound, WireID: 9999},
			Variant: protocol.ClientFlash,
			At:      time.Now(),
		}, "s1"),
	))

	f = newFixture(t, func(d *Deps) { d.Captures = store })

	w, body := f.do(t, http.MethodGet, "/api/captures?direction=in", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := body["captures"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "In.Chat", list[0].(map[string]interface{})["identity"])

	w, _ = f.do(t, http.MethodGet, "/api/captures?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = f.do(t, http.MethodGet, "/api/captures/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["total"])
}

func TestFeatures(t *testing.T) {
	f := newFixture(t, nil)

	w, body := f.do(t, http.MethodGet, "/api/features", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "chat_filter")

	w, body = f.do(t, http.MethodPut, "/api/features", map[string]interface{}{
		"chat_filter": true,
		"block_words": []string{"spam"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["chat_filter"])

	got := f.cfg.GetFeatures()
	assert.True(t, got.ChatFilter)
	assert.Equal(t, []string{"spam"}, got.BlockWords)
}

func TestStream(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(f.s.Hub().Stop)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	read := func() map[string]interface{} {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	assert.Equal(t, "connected", read()["type"])
	require.Eventually(t, func() bool { return f.s.Hub().ClientCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "filter",
		"data": map[string]string{"identity": "chat"},
	}))
	assert.Equal(t, "filter", read()["type"])

	hub := f.s.Hub()
	hub.ObserveDispatch(intercept.Trace{
		Frame:    protocol.Frame{Direction: protocol.Inbound, WireID: 3928},
		Identity: messages.In("Ping"),
		Known:    true,
	})
	hub.ObserveDispatch(intercept.Trace{
		Frame:    protocol.Frame{Seq: 7, Direction: protocol.Inbound, WireID: 1446},
		Identity: messages.In("Chat"),
		Known:    true,
		Message:  messages.NewMessage(messages.In("Chat"), int32(1), "hi", int32(0), int32(0), int32(0), int32(0)),
		Outcome:  intercept.Block,
	})

	msg := read()
	require.Equal(t, "dispatch", msg["type"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, "In.Chat", data["identity"])
	assert.Equal(t, "block", data["outcome"])
	assert.EqualValues(t, 7, data["seq"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", read()["type"])
}

func TestCheckOrigin(t *testing.T) {
	f := newFixture(t, nil)
	f.s.cfg.AllowedOrigins = []string{"https://tools.example"}

	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/stream", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, f.s.checkOrigin(req("")))
	assert.True(t, f.s.checkOrigin(req("http://localhost:3000")))
	assert.True(t, f.s.checkOrigin(req("https://tools.example")))
	assert.False(t, f.s.checkOrigin(req("https://evil.example")))
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"), "burst of two exhausted")
	assert.True(t, rl.Allow("b"))

	assert.True(t, NewRateLimiter(0).Allow("a"))
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1000)
	for i := 0; i < maxTrackedClients; i++ {
		rl.Allow(strconv.Itoa(i))
	}
	require.Len(t, rl.clients, maxTrackedClients)

	time.Sleep(5 * time.Millisecond)
	assert.True(t, rl.Allow("new"))
	assert.Len(t, rl.clients, 1)
}
