package cli

import (
	"bytes"
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

func newConsole(t *testing.T) (*CLI, *extension.Extension, *bytes.Buffer) {
	t.Helper()
	reg, err := messages.Default()
	require.NoError(t, err)
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	x := extension.New(extension.Options{Name: "cli-test"}, reg, bus)
	out := &bytes.Buffer{}
	return NewCLI(config.DefaultConfig(), x, nil, nil, strings.NewReader(""), out), x, out
}

func TestMessagesTable(t *testing.T) {
	c, _, out := newConsole(t)

	c.Exec(context.Background(), "messages chat")
	text := out.String()
	assert.Contains(t, text, "In.Chat")
	assert.Contains(t, text, "Out.Chat")
	assert.Contains(t, text, "1314")
	assert.NotContains(t, text, "Out.Pong")

	out.Reset()
	c.Exec(context.Background(), "messages zzz")
	assert.Contains(t, out.String(), "Error: no message matches")
}

func TestStatusAndHandlers(t *testing.T) {
	c, x, out := newConsole(t)

	c.Exec(context.Background(), "status")
	assert.Contains(t, out.String(), "Phase:        idle")

	out.Reset()
	c.Exec(context.Background(), "handlers")
	assert.Contains(t, out.String(), "No handlers registered")

	x.Intercept(messages.In("Chat"), "logger", func(*intercept.Intercept) error { return nil })
	out.Reset()
	c.Exec(context.Background(), "handlers")
	assert.Contains(t, out.String(), "logger")
	assert.Contains(t, out.String(), "In.Chat")
}

func TestSendCommand(t *testing.T) {
	c, x, out := newConsole(t)

	c.Exec(context.Background(), "send out Chat hi 0 0")
	assert.Contains(t, out.String(), "not connected")

	l := &link{events: make(chan network.HostEvent, 4), sent: make(chan protocol.Frame, 4), closed: make(chan struct{})}
	go x.Run(context.Background(), l)
	t.Cleanup(func() { l.Close() })
	l.events <- network.ConnectionStart{Host: "game-us.habbo.com", Port: 30000, ClientType: "FLASH"}
	require.Eventually(t, x.GameConnected, time.Second, time.Millisecond)

	out.Reset()
	c.Exec(context.Background(), "send in Whisper 0 hello there 0 0 0 0")
	assert.Contains(t, out.String(), "Error:", "string field is not last")

	out.Reset()
	c.Exec(context.Background(), "send out Shout 0 0 hello there")
	assert.Contains(t, out.String(), "Error:")

	out.Reset()
	c.Exec(context.Background(), "send out Chat hi 0 0")
	assert.Contains(t, out.String(), "Sent Out.Chat")
	select {
	case f := <-l.sent:
		assert.Equal(t, protocol.WireID(1314), f.WireID)
	case <-time.After(time.Second):
		t.Fatal("nothing sent")
	}
}

func TestParseFields(t *testing.T) {
	types := []messages.FieldType{messages.FieldInt, messages.FieldBool, messages.FieldString}

	values, err := parseFields(types, []string{"7", "true", "hello", "world"})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(7), true, "hello world"}, values)

	_, err = parseFields(types, []string{"7"})
	assert.ErrorIs(t, err, messages.ErrFieldMismatch)

	_, err = parseFields([]messages.FieldType{messages.FieldInt}, []string{"1", "2"})
	assert.ErrorIs(t, err, messages.ErrFieldMismatch)

	_, err = parseFields([]messages.FieldType{messages.FieldShort}, []string{"x"})
	assert.Error(t, err)
}

func TestSetConfig(t *testing.T) {
	c, _, out := newConsole(t)

	c.Exec(context.Background(), "setconfig api.rate_limit_rps 10")
	assert.Contains(t, out.String(), "Config updated")
	assert.Equal(t, 10, c.cfg.API.RateLimitRPS)

	out.Reset()
	c.Exec(context.Background(), "setconfig nope")
	assert.Contains(t, out.String(), "Error:")
}

func TestQuitEmitsShutdown(t *testing.T) {
	c, x, _ := newConsole(t)

	got := make(chan struct{}, 1)
	x.Events().Subscribe(events.EventShutdown, "test", func(ctx context.Context, ev events.Event) error {
		got <- struct{}{}
		return nil
	})

	c.Exec(context.Background(), "quit")
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("shutdown not emitted")
	}
}

func TestStartStopsAtEOF(t *testing.T) {
	c, _, out := newConsole(t)
	c.in = strings.NewReader("help\nbogus\n")

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("console did not stop at end of input")
	}
	assert.Contains(t, out.String(), "Geode Console Commands")
	assert.Contains(t, out.String(), "Unknown command: 'bogus'")
}
