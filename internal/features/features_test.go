package features

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geode-project/geode/internal/config"
	"github.com/geode-project/geode/internal/events"
	"github.com/geode-project/geode/internal/extension"
	"github.com/geode-project/geode/internal/messages"
	"github.com/geode-project/geode/internal/network"
	"github.com/geode-project/geode/internal/protocol"
	"github.com/geode-project/geode/internal/session"
)

type link struct {
	events  chan network.HostEvent
	replies chan network.Reply
	sent    chan protocol.Frame
	logs    chan string
	once    sync.Once
	closed  chan struct{}
}

func newLink() *link {
	return &link{
		events:  make(chan network.HostEvent, 8),
		replies: make(chan network.Reply, 8),
		sent:    make(chan protocol.Frame, 8),
		logs:    make(chan string, 8),
		closed:  make(chan struct{}),
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
func (l *link) Reply(r network.Reply) error          { l.replies <- r; return nil }
func (l *link) Send(f protocol.Frame) error          { l.sent <- f; return nil }
func (l *link) SendInfo(network.ExtensionInfo) error { return nil }
func (l *link) Log(text string) error                { l.logs <- text; return nil }
func (l *link) Close() error                         { l.once.Do(func() { close(l.closed) }); return nil }

type harness struct {
	x    *extension.Extension
	f    *Features
	link *link

	mu  sync.Mutex
	cfg config.FeaturesConfig
}

func (h *harness) settings() config.FeaturesConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

var usConnection = network.ConnectionStart{Host: "game-us.habbo.com", Port: 30000, ClientType: "FLASH"}

func setup(t *testing.T, cfg config.FeaturesConfig) *harness {
	t.Helper()
	return setupWith(t, cfg, usConnection)
}

func setupWith(t *testing.T, cfg config.FeaturesConfig, start network.ConnectionStart) *harness {
	t.Helper()
	reg, err := messages.Default()
	require.NoError(t, err)
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	h := &harness{
		x:    extension.New(extension.Options{Name: "features", RequestTimeout: time.Second}, reg, bus),
		link: newLink(),
		cfg:  cfg,
	}
	h.f = New(h.x, h.settings)
	h.f.Install()

	go h.x.Run(context.Background(), h.link)
	t.Cleanup(func() { h.link.Close() })

	h.link.events <- start
	require.Eventually(t, h.x.GameConnected, time.Second, time.Millisecond)
	return h
}

func (h *harness) dispatch(t *testing.T, msg *messages.Message) network.Reply {
	t.Helper()
	frame, err := h.x.Pipeline().Codec().EncodeFrame(protocol.ClientFlash, msg)
	require.NoError(t, err)
	h.link.events <- network.Intercept{Frame: frame}
	select {
	case r := <-h.link.replies:
		return r
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
	return network.Reply{}
}

func (h *harness) nextSent(t *testing.T) *messages.Message {
	t.Helper()
	select {
	case f := <-h.link.sent:
		ident, err := h.x.Registry().Resolve(protocol.ClientFlash, f.Direction, f.WireID)
		require.NoError(t, err)
		msg, err := h.x.Pipeline().Codec().Decode(protocol.ClientFlash, ident, f.Payload)
		require.NoError(t, err)
		return msg
	case <-time.After(time.Second):
		t.Fatal("nothing sent")
	}
	return nil
}

func defaults() config.FeaturesConfig {
	return config.DefaultConfig().GetFeatures()
}

func chat(text string) *messages.Message {
	return messages.NewMessage(messages.In("Chat"), int32(3), text, int32(0), int32(0), int32(0), int32(0))
}

func outChat(text string) *messages.Message {
	return messages.NewMessage(messages.Out("Chat"), text, int32(0), int32(0))
}

func (h *harness) assertNothingSent(t *testing.T) {
	t.Helper()
	select {
	case f := <-h.link.sent:
		t.Fatalf("unexpected send of wire id %d", f.WireID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChatPingIsAnsweredWithShout(t *testing.T) {
	h := setup(t, defaults())

	r := h.dispatch(t, chat("anyone want to ping me?"))
	assert.Equal(t, network.ActionForward, r.Action)
	pong := h.nextSent(t)
	assert.Equal(t, messages.Out("Shout"), pong.Identity)
	assert.Equal(t, "pong", pong.String(0))

	shout := messages.NewMessage(messages.In("Shout"), int32(3), "ping", int32(0), int32(0), int32(0), int32(0))
	h.dispatch(t, shout)
	assert.Equal(t, messages.Out("Shout"), h.nextSent(t).Identity)

	h.dispatch(t, chat("hello"))
	h.assertNothingSent(t)
}

func TestServerPingIsLeftToClient(t *testing.T) {
	h := setup(t, defaults())
	r := h.dispatch(t, messages.NewMessage(messages.In("Ping")))
	assert.Equal(t, network.ActionForward, r.Action)
	h.assertNothingSent(t)
}

func TestChatPongDisabled(t *testing.T) {
	cfg := defaults()
	cfg.PingPong = false
	h := setup(t, cfg)
	h.dispatch(t, chat("ping"))
	h.assertNothingSent(t)
}

func TestChatFilter(t *testing.T) {
	h := setup(t, defaults())

	r := h.dispatch(t, chat("please BLOCK me"))
	assert.Equal(t, network.ActionBlock, r.Action)

	r = h.dispatch(t, chat("an apple a day"))
	require.Equal(t, network.ActionModified, r.Action)
	got, err := h.x.Pipeline().Codec().Decode(protocol.ClientFlash, messages.In("Chat"), r.Payload)
	require.NoError(t, err)
	assert.Equal(t, "an orange a day", got.String(1))

	r = h.dispatch(t, chat("hello"))
	assert.Equal(t, network.ActionForward, r.Action)

	h.mu.Lock()
	h.cfg.ChatFilter = false
	h.mu.Unlock()
	r = h.dispatch(t, chat("block"))
	assert.Equal(t, network.ActionForward, r.Action)
}

func TestReplacementsApplyInOrder(t *testing.T) {
	cfg := defaults()
	cfg.Replacements = []config.Replacement{
		{From: "apple", To: "orange"},
		{From: "orange", To: "pear"},
		{From: "", To: "ignored"},
	}
	h := setup(t, cfg)

	for i := 0; i < 20; i++ {
		r := h.dispatch(t, chat("apple"))
		require.Equal(t, network.ActionModified, r.Action)
		got, err := h.x.Pipeline().Codec().Decode(protocol.ClientFlash, messages.In("Chat"), r.Payload)
		require.NoError(t, err)
		assert.Equal(t, "pear", got.String(1))
	}
}

func TestChatCommands(t *testing.T) {
	h := setup(t, defaults())

	r := h.dispatch(t, outChat("/wave"))
	assert.Equal(t, network.ActionBlock, r.Action)
	wave := h.nextSent(t)
	assert.Equal(t, messages.Out("AvatarExpression"), wave.Identity)
	assert.Equal(t, int32(1), wave.Int(0))

	h.dispatch(t, outChat("/walk 4 7"))
	walk := h.nextSent(t)
	assert.Equal(t, messages.Out("MoveAvatar"), walk.Identity)
	assert.Equal(t, []any{int32(4), int32(7)}, walk.Fields)

	h.dispatch(t, outChat("/walk nowhere"))
	usage := h.nextSent(t)
	assert.Equal(t, messages.In("Whisper"), usage.Identity)
	assert.True(t, strings.HasPrefix(usage.String(1), "usage"))

	r = h.dispatch(t, outChat("/unknown"))
	assert.Equal(t, network.ActionBlock, r.Action)
	r = h.dispatch(t, outChat("/"))
	assert.Equal(t, network.ActionBlock, r.Action)
	h.assertNothingSent(t)

	r = h.dispatch(t, outChat("plain chat"))
	assert.Equal(t, network.ActionForward, r.Action)
}

func TestWhoAmIUsesCapturedUserData(t *testing.T) {
	cfg := defaults()
	cfg.RequestUserData = false
	h := setup(t, cfg)

	h.dispatch(t, outChat("/whoami"))
	assert.Equal(t, "user data not loaded yet", h.nextSent(t).String(1))

	h.dispatch(t, messages.NewMessage(messages.In("UserData"), int32(42), "alice", "hd-180", "F", "hi"))
	u, ok := h.f.User()
	require.True(t, ok)
	assert.Equal(t, "alice", u.Name)

	h.dispatch(t, outChat("/whoami"))
	assert.Equal(t, "You are alice (id 42)", h.nextSent(t).String(1))
}

func TestActivationRequestsUserData(t *testing.T) {
	h := setup(t, defaults())

	h.link.events <- network.Click{}
	req := h.nextSent(t)
	assert.Equal(t, messages.Out("GetUserData"), req.Identity)

	h.dispatch(t, messages.NewMessage(messages.In("UserData"), int32(7), "bob", "", "M", ""))
	select {
	case text := <-h.link.logs:
		assert.Equal(t, "Logged in as bob", text)
	case <-time.After(time.Second):
		t.Fatal("no console log")
	}

	h.link.events <- network.ConnectionEnd{}
	require.Eventually(t, func() bool {
		_, ok := h.f.User()
		return !ok && h.x.Session().Phase() == session.PhaseDisconnected
	}, time.Second, time.Millisecond)
}

func TestPreEstablishedConnectionRequestsUserData(t *testing.T) {
	start := usConnection
	start.PreEstablished = true
	h := setupWith(t, defaults(), start)

	req := h.nextSent(t)
	assert.Equal(t, messages.Out("GetUserData"), req.Identity)

	h.dispatch(t, messages.NewMessage(messages.In("UserData"), int32(9), "carol", "", "F", ""))
	u, ok := h.f.User()
	require.True(t, ok)
	assert.Equal(t, "carol", u.Name)
}

func TestFreshConnectionWaitsForActivation(t *testing.T) {
	h := setup(t, defaults())
	h.assertNothingSent(t)

	cfg := defaults()
	cfg.RequestUserData = false
	start := usConnection
	start.PreEstablished = true
	h2 := setupWith(t, cfg, start)
	h2.assertNothingSent(t)
}

func TestUninstall(t *testing.T) {
	h := setup(t, defaults())
	h.f.Uninstall()
	assert.Zero(t, h.x.Pipeline().HandlerCount())

	r := h.dispatch(t, chat("block"))
	assert.Equal(t, network.ActionForward, r.Action)
}
