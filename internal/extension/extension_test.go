package extension

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geode-project/geode/internal/events"
	"github.com/geode-project/geode/internal/intercept"
	"github.com/geode-project/geode/internal/messages"
	"github.com/geode-project/geode/internal/network"
	"github.com/geode-project/geode/internal/protocol"
	"github.com/geode-project/geode/internal/session"
)

const testTable = `
in:
  Chat: {flash: 1, shockwave: 1, fields: [int, string]}
  UserData: {flash: 2, shockwave: 2, fields: [int, string]}
out:
  Shout: {flash: 10, shockwave: 10, fields: [string, int]}
  GetUserData: {flash: 11, shockwave: 11, response: UserData}
  Sign: {flash: 12, fields: [int]}
`

// mockTransport is a channel-backed host link.
type mockTransport struct {
	events  chan network.HostEvent
	replies chan network.Reply
	sent    chan protocol.Frame
	infos   chan network.ExtensionInfo
	logs    chan string

	closeOnce sync.Once
	closed    chan struct{}
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		events:  make(chan network.HostEvent, 16),
		replies: make(chan network.Reply, 16),
		sent:    make(chan protocol.Frame, 16),
		infos:   make(chan network.ExtensionInfo, 1),
		logs:    make(chan string, 16),
		closed:  make(chan struct{}),
	}
}

func (m *mockTransport) Next() (network.HostEvent, error) {
	select {
	case ev := <-m.events:
		return ev, nil
	case <-m.closed:
		return nil, network.ErrClosed
	}
}

func (m *mockTransport) Reply(r network.Reply) error {
	m.replies <- r
	return nil
}

func (m *mockTransport) Send(f protocol.Frame) error {
	select {
	case <-m.closed:
		return network.ErrClosed
	default:
	}
	m.sent <- f
	return nil
}

func (m *mockTransport) SendInfo(info network.ExtensionInfo) error {
	m.infos <- info
	return nil
}

func (m *mockTransport) Log(text string) error {
	m.logs <- text
	return nil
}

func (m *mockTransport) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

type fixture struct {
	ext  *Extension
	link *mockTransport
	done chan error
}

func start(t *testing.T) *fixture {
	t.Helper()
	reg, err := messages.Load(strings.NewReader(testTable))
	require.NoError(t, err)

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	f := &fixture{
		ext:  New(Options{Name: "test", Author: "tester", Version: "0.1", RequestTimeout: time.Second}, reg, bus),
		link: newMockTransport(),
		done: make(chan error, 1),
	}
	go func() { f.done <- f.ext.Run(context.Background(), f.link) }()
	t.Cleanup(func() { f.link.Close() })
	return f
}

func (f *fixture) connect(t *testing.T, clientType string) {
	t.Helper()
	f.link.events <- network.ConnectionStart{Host: "game-us.habbo.com", Port: 30000, ClientType: clientType}
	require.Eventually(t, func() bool {
		return f.ext.Session().Phase() == session.PhaseConnected
	}, time.Second, time.Millisecond)
}

func (f *fixture) intercept(t *testing.T, frame protocol.Frame) network.Reply {
	t.Helper()
	f.link.events <- network.Intercept{Frame: frame}
	select {
	case r := <-f.link.replies:
		return r
	case <-time.After(time.Second):
		t.Fatal("no reply from extension")
	}
	return network.Reply{}
}

func (f *fixture) encode(t *testing.T, msg *messages.Message) protocol.Frame {
	t.Helper()
	frame, err := f.ext.Pipeline().Codec().EncodeFrame(protocol.ClientFlash, msg)
	require.NoError(t, err)
	return frame
}

func TestInfoRequestIsAnswered(t *testing.T) {
	f := start(t)
	f.link.events <- network.InfoRequest{}

	select {
	case info := <-f.link.infos:
		assert.Equal(t, "test", info.Title)
		assert.Equal(t, "tester", info.Author)
	case <-time.After(time.Second):
		t.Fatal("no extension info")
	}
}

func TestPacketsOutsideSessionAreForwarded(t *testing.T) {
	f := start(t)
	called := false
	f.ext.InterceptAny(protocol.DirectionUnknown, "any", func(*intercept.Intercept) error {
		called = true
		return nil
	})

	frame := protocol.Frame{Seq: 3, Direction: protocol.Inbound, WireID: 1, Payload: []byte{0xFF}}
	r := f.intercept(t, frame)
	assert.Equal(t, network.ActionForward, r.Action)
	assert.Equal(t, frame.Payload, r.Payload)
	assert.Equal(t, int32(3), r.Seq)
	assert.False(t, called)
}

func TestInterceptedPacketsAreAnswered(t *testing.T) {
	f := start(t)
	f.ext.Intercept(messages.In("Chat"), "filter", func(e *intercept.Intercept) error {
		text := e.Message().String(1)
		switch {
		case strings.Contains(text, "block"):
			e.Block()
		case strings.Contains(text, "apple"):
			return e.Replace(e.Message().With(1, strings.ReplaceAll(text, "apple", "orange")))
		}
		return nil
	})
	f.connect(t, "FLASH")

	chat := func(text string) *messages.Message {
		return messages.NewMessage(messages.In("Chat"), int32(1), text)
	}

	r := f.intercept(t, f.encode(t, chat("hello")))
	assert.Equal(t, network.ActionForward, r.Action)

	r = f.intercept(t, f.encode(t, chat("please block this")))
	assert.Equal(t, network.ActionBlock, r.Action)
	assert.Empty(t, r.Payload)

	r = f.intercept(t, f.encode(t, chat("an apple")))
	require.Equal(t, network.ActionModified, r.Action)
	got, err := f.ext.Pipeline().Codec().Decode(protocol.ClientFlash, messages.In("Chat"), r.Payload)
	require.NoError(t, err)
	assert.Equal(t, "an orange", got.String(1))
}

func TestSendIsGatedBySessionAndVariant(t *testing.T) {
	f := start(t)
	ctx := context.Background()

	err := f.ext.SendValues(ctx, messages.Out("Shout"), "hi", 0)
	assert.ErrorIs(t, err, session.ErrNotConnected)

	f.connect(t, "SHOCKWAVE")

	err = f.ext.SendValues(ctx, messages.Out("Sign"), 1)
	assert.ErrorIs(t, err, messages.ErrUnsupportedForVariant)
	assert.Empty(t, f.link.sent)

	require.NoError(t, f.ext.SendValues(ctx, messages.Out("Shout"), "hi", 0))
	frame := <-f.link.sent
	assert.Equal(t, protocol.WireID(10), frame.WireID)
	assert.Equal(t, protocol.Outbound, frame.Direction)
	assert.Equal(t, "@Bhi"+"H", string(frame.Payload))
}

func TestRequestResolvesFromInterceptedResponse(t *testing.T) {
	f := start(t)
	f.connect(t, "FLASH")

	type reply struct {
		msg *messages.Message
		err error
	}
	done := make(chan reply, 1)
	go func() {
		msg, err := f.ext.RequestDefault(context.Background(), messages.NewMessage(messages.Out("GetUserData")))
		done <- reply{msg, err}
	}()

	sent := <-f.link.sent
	assert.Equal(t, protocol.WireID(11), sent.WireID)

	r := f.intercept(t, f.encode(t, messages.NewMessage(messages.In("UserData"), int32(7), "alice")))
	assert.Equal(t, network.ActionForward, r.Action)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "alice", res.msg.String(1))
}

func TestConnectionEndFailsPendingRequests(t *testing.T) {
	f := start(t)
	f.connect(t, "FLASH")

	done := make(chan error, 1)
	go func() {
		_, err := f.ext.Request(context.Background(), messages.NewMessage(messages.Out("GetUserData")), messages.In("UserData"), time.Minute)
		done <- err
	}()
	<-f.link.sent

	f.link.events <- network.ConnectionEnd{}
	assert.ErrorIs(t, <-done, session.ErrNotConnected)
	assert.Equal(t, session.PhaseDisconnected, f.ext.Session().Phase())
}

func TestUnknownClientTypeStopsDispatch(t *testing.T) {
	f := start(t)
	f.connect(t, "FLASH")

	var calls atomic.Int32
	f.ext.InterceptAny(protocol.DirectionUnknown, "any", func(*intercept.Intercept) error {
		calls.Add(1)
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.ext.Request(context.Background(), messages.NewMessage(messages.Out("GetUserData")), messages.In("UserData"), time.Minute)
		done <- err
	}()
	<-f.link.sent

	f.link.events <- network.ConnectionStart{Host: "game-us.habbo.com", Port: 30000, ClientType: "N64"}
	assert.ErrorIs(t, <-done, session.ErrNotConnected)
	assert.Equal(t, session.PhaseDisconnected, f.ext.Session().Phase())

	frame := f.encode(t, messages.NewMessage(messages.In("UserData"), int32(7), "alice"))
	r := f.intercept(t, frame)
	assert.Equal(t, network.ActionForward, r.Action)
	assert.Equal(t, frame.Payload, r.Payload)
	assert.Zero(t, calls.Load())
}

func TestLinkCloseDisconnectsAndFailsRequests(t *testing.T) {
	f := start(t)
	f.connect(t, "FLASH")
	f.link.events <- network.Click{}
	require.Eventually(t, func() bool {
		return f.ext.Session().Phase() == session.PhaseActivated
	}, time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := f.ext.Request(context.Background(), messages.NewMessage(messages.Out("GetUserData")), messages.In("UserData"), time.Minute)
		done <- err
	}()
	<-f.link.sent

	f.link.Close()
	assert.ErrorIs(t, <-done, network.ErrClosed)
	assert.ErrorIs(t, <-f.done, network.ErrClosed)
	assert.Equal(t, session.PhaseDisconnected, f.ext.Session().Phase())
	assert.False(t, f.ext.Attached())

	err := f.ext.SendValues(context.Background(), messages.Out("Shout"), "x", 0)
	assert.ErrorIs(t, err, session.ErrNotConnected)
}

func TestRunRejectsSecondLink(t *testing.T) {
	f := start(t)
	require.Eventually(t, f.ext.Attached, time.Second, time.Millisecond)
	err := f.ext.Run(context.Background(), newMockTransport())
	assert.True(t, errors.Is(err, errAlreadyAttached))
}

func TestRunStopsWithContext(t *testing.T) {
	reg, err := messages.Load(strings.NewReader(testTable))
	require.NoError(t, err)
	bus := events.NewEventBus()
	defer bus.Stop()

	ext := New(Options{Name: "ctx"}, reg, bus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ext.Run(ctx, newMockTransport()) }()

	require.Eventually(t, ext.Attached, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestServeRedialsAfterLinkLoss(t *testing.T) {
	reg, err := messages.Load(strings.NewReader(testTable))
	require.NoError(t, err)
	bus := events.NewEventBus()
	defer bus.Stop()
	ext := New(Options{Name: "serve"}, reg, bus)

	var mu sync.Mutex
	dials := 0
	dial := func(context.Context) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return nil, errors.New("connection refused")
		}
		m := newMockTransport()
		if dials == 2 {
			m.Close()
		}
		return m, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ext.Serve(ctx, dial, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 3
	}, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
