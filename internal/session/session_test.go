package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geode-project/geode/internal/events"
	"github.com/geode-project/geode/internal/protocol"
)

var flashInfo = ConnectInfo{
	Host:             "game-us.habbo.com",
	Port:             30000,
	ClientVersion:    "WIN63-202409101101-123",
	ClientIdentifier: "HTML5",
	ClientType:       "FLASH",
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(_ context.Context, e events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newRecordedSession(t *testing.T) (*Session, *recorder) {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)
	rec := &recorder{}
	bus.SubscribeMany(events.LifecycleEvents(), "recorder", rec.handle)
	return New(bus), rec
}

func TestVariantRequiresConnection(t *testing.T) {
	s, _ := newRecordedSession(t)

	_, err := s.Variant()
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = s.Connect(flashInfo)
	require.NoError(t, err)
	v, err := s.Variant()
	require.NoError(t, err)
	assert.Equal(t, protocol.ClientFlash, v)

	require.NoError(t, s.Activate())
	v, err = s.Variant()
	require.NoError(t, err)
	assert.Equal(t, protocol.ClientFlash, v)

	assert.True(t, s.Disconnect("host closed"))
	_, err = s.Variant()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestLifecycleTransitionsAndEvents(t *testing.T) {
	s, rec := newRecordedSession(t)

	assert.ErrorIs(t, s.Activate(), ErrInvalidTransition)
	assert.False(t, s.Disconnect("nothing to end"))

	st, err := s.Connect(flashInfo)
	require.NoError(t, err)
	assert.Equal(t, PhaseConnected, st.Phase)
	assert.Equal(t, "us", st.Hotel.Code)
	assert.NotEmpty(t, st.ID)

	require.NoError(t, s.Activate())
	require.NoError(t, s.Activate())
	assert.Equal(t, 2, s.Snapshot().Activations)

	assert.True(t, s.Disconnect("connection end"))
	assert.Equal(t, PhaseDisconnected, s.Phase())
	assert.False(t, s.Disconnect("again"))
	assert.ErrorIs(t, s.Activate(), ErrInvalidTransition)

	require.Eventually(t, func() bool { return len(rec.types()) == 4 }, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []events.EventType{
		events.EventGameConnected,
		events.EventActivated,
		events.EventActivated,
		events.EventGameDisconnected,
	}, rec.types())
}

func TestReconnectStartsFreshState(t *testing.T) {
	s, _ := newRecordedSession(t)

	first, err := s.Connect(flashInfo)
	require.NoError(t, err)
	s.Disconnect("bye")

	info := flashInfo
	info.ClientType = "SHOCKWAVE"
	info.Host = "game-ous.habbo.com"
	second, err := s.Connect(info)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, protocol.ClientShockwave, second.Variant)
	assert.Zero(t, second.Activations)
	assert.Equal(t, "us", second.Hotel.Code)
}

func TestConnectWhileConnectedSupersedes(t *testing.T) {
	s, rec := newRecordedSession(t)

	_, err := s.Connect(flashInfo)
	require.NoError(t, err)
	_, err = s.Connect(flashInfo)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.types()) == 3 }, time.Second, time.Millisecond)
	assert.Contains(t, rec.types(), events.EventGameDisconnected)
	assert.Equal(t, PhaseConnected, s.Phase())
}

func TestConnectRejectsUnknownClient(t *testing.T) {
	s, _ := newRecordedSession(t)
	info := flashInfo
	info.ClientType = "N64"
	_, err := s.Connect(info)
	assert.Error(t, err)
	assert.Equal(t, PhaseIdle, s.Phase())
}

func TestUnknownClientEndsLiveSession(t *testing.T) {
	s, rec := newRecordedSession(t)

	first, err := s.Connect(flashInfo)
	require.NoError(t, err)

	info := flashInfo
	info.ClientType = "N64"
	_, err = s.Connect(info)
	require.Error(t, err)

	assert.Equal(t, PhaseDisconnected, s.Phase())
	assert.Equal(t, first.ID, s.Snapshot().ID)
	_, err = s.Variant()
	assert.ErrorIs(t, err, ErrNotConnected)

	require.Eventually(t, func() bool { return len(rec.types()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []events.EventType{events.EventGameConnected, events.EventGameDisconnected}, rec.types())
}

func TestHotelFromHost(t *testing.T) {
	cases := map[string]string{
		"game-us.habbo.com":     "us",
		"game-br.habbo.com:443": "br",
		"game-ous.habbo.com":    "us",
		"game-nl.habbo.com":     "nl",
		"proxy.habbo.fi":        "fi",
	}
	for host, want := range cases {
		hotel, ok := HotelFromHost(host)
		assert.True(t, ok, host)
		assert.Equal(t, want, hotel.Code, host)
	}

	_, ok := HotelFromHost("localhost")
	assert.False(t, ok)
}
