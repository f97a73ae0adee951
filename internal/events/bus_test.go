package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitReachesEverySubscriber(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int32
	for _, name := range []string{"a", "b", "c"} {
		bus.Subscribe(EventActivated, name, func(context.Context, Event) error {
			calls.Add(1)
			return nil
		})
	}

	bus.Emit(context.Background(), NewEvent(EventActivated, "test", ActivatedPayload{SessionID: "s"}))
	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, time.Millisecond)
}

func TestEmitSyncIsolatesPanicsAndReturnsFirstError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	boom := errors.New("boom")
	var ran atomic.Bool
	bus.Subscribe(EventGameConnected, "panics", func(context.Context, Event) error { panic("bad") })
	bus.Subscribe(EventGameConnected, "fails", func(context.Context, Event) error { return boom })
	bus.Subscribe(EventGameConnected, "ok", func(context.Context, Event) error { ran.Store(true); return nil })

	err := bus.EmitSync(context.Background(), NewEvent(EventGameConnected, "test", nil))
	assert.ErrorIs(t, err, boom)
	assert.True(t, ran.Load())
}

func TestUnsubscribeAndStop(t *testing.T) {
	bus := NewEventBus()

	var calls atomic.Int32
	bus.SubscribeMany(LifecycleEvents(), "counter", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	assert.Equal(t, 1, bus.HandlerCount(EventGameDisconnected))

	bus.Unsubscribe(EventGameDisconnected, "counter")
	assert.Zero(t, bus.HandlerCount(EventGameDisconnected))
	require.NoError(t, bus.EmitSync(context.Background(), NewEvent(EventGameDisconnected, "test", nil)))
	assert.Zero(t, calls.Load())

	bus.Stop()
	bus.Stop()
	select {
	case <-bus.StopCh():
	default:
		t.Fatal("stop channel not closed")
	}
	bus.Emit(context.Background(), NewEvent(EventActivated, "test", nil))
	assert.Zero(t, calls.Load())
}

func TestEmitPreservesOrderPerSubscriber(t *testing.T) {
	bus := NewEventBus()

	var (
		mu  sync.Mutex
		got []EventType
	)
	bus.SubscribeMany(LifecycleEvents(), "recorder", func(_ context.Context, ev Event) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
		return nil
	})

	want := []EventType{EventInitialized, EventGameConnected, EventActivated, EventGameDisconnected, EventGameConnected}
	for _, et := range want {
		bus.Emit(context.Background(), NewEvent(et, "test", nil))
	}
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestSlowSubscriberDoesNotDelayOthers(t *testing.T) {
	bus := NewEventBus()

	release := make(chan struct{})
	fast := make(chan struct{}, 1)
	bus.Subscribe(EventActivated, "slow", func(context.Context, Event) error {
		<-release
		return nil
	})
	bus.Subscribe(EventActivated, "fast", func(context.Context, Event) error {
		fast <- struct{}{}
		return nil
	})

	bus.Emit(context.Background(), NewEvent(EventActivated, "test", nil))
	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber blocked behind slow one")
	}
	close(release)
	bus.Stop()
}
