// Package session tracks the lifecycle of the game connection the host is
// intercepting and gates variant-dependent operations on it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/geode-project/geode/internal/events"
	"github.com/geode-project/geode/internal/protocol"
	"github.com/geode-project/geode/internal/util"
)

var (
	// ErrNotConnected means the operation needs a connected game client.
	ErrNotConnected = protocol.ErrNotConnected
	// ErrInvalidTransition means the lifecycle signal is not legal in the
	// current phase.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// Phase is the lifecycle phase of a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnected
	PhaseActivated
	PhaseDisconnected
)

var phaseNames = map[Phase]string{
	PhaseIdle:         "idle",
	PhaseConnected:    "connected",
	PhaseActivated:    "activated",
	PhaseDisconnected: "disconnected",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON serializes the phase as its name.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// ConnectInfo is what the host reports when a game connection starts.
type ConnectInfo struct {
	Host             string
	Port             int
	ClientVersion    string
	ClientIdentifier string
	ClientType       string
	PreEstablished   bool
}

// State is a snapshot of the current session.
type State struct {
	ID               string                 `json:"id"`
	Phase            Phase                  `json:"phase"`
	Variant          protocol.ClientVariant `json:"variant"`
	Host             string                 `json:"host"`
	Port             int                    `json:"port"`
	Hotel            Hotel                  `json:"hotel"`
	ClientIdentifier string                 `json:"client_identifier"`
	ClientVersion    string                 `json:"client_version"`
	ClientType       string                 `json:"client_type"`
	PreEstablished   bool                   `json:"pre_established"`
	Activations      int                    `json:"activations"`
	ConnectedAt      time.Time              `json:"connected_at"`
	DisconnectedAt   time.Time              `json:"disconnected_at"`
}

// IsConnected reports whether variant-dependent operations are legal.
func (s State) IsConnected() bool {
	return s.Phase == PhaseConnected || s.Phase == PhaseActivated
}

// Session owns the lifecycle state machine:
//
//	Idle -> Connected(variant) -> Activated -> Disconnected
//
// Disconnected is terminal for a State; the next Connect starts a fresh one.
type Session struct {
	mu            sync.RWMutex
	state         State
	gameConnected bool

	bus    *events.EventBus
	logger zerolog.Logger
}

// New creates an idle session publishing lifecycle events on bus.
func New(bus *events.EventBus) *Session {
	return &Session{
		state:  State{Phase: PhaseIdle},
		bus:    bus,
		logger: util.ComponentLogger("session"),
	}
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Phase
}

// Variant returns the client variant of a connected session, or
// ErrNotConnected.
func (s *Session) Variant() (protocol.ClientVariant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.state.IsConnected() {
		return protocol.ClientUnknown, fmt.Errorf("%w (phase %s)", ErrNotConnected, s.state.Phase)
	}
	return s.state.Variant, nil
}

// Initialized records the host's init signal.
func (s *Session) Initialized(gameConnected bool) {
	s.mu.Lock()
	s.gameConnected = gameConnected
	s.mu.Unlock()

	s.logger.Info().Bool("game_connected", gameConnected).Msg("extension initialized")
	s.emit(events.EventInitialized, events.InitializedPayload{GameConnected: gameConnected})
}

// Connect starts a new session for a game connection. A session that is
// still connected is disconnected first, even if the new client type cannot
// be parsed.
func (s *Session) Connect(info ConnectInfo) (State, error) {
	// The old connection is gone either way.
	if s.Snapshot().IsConnected() {
		s.Disconnect("superseded by new connection")
	}

	variant, err := protocol.ParseClientVariant(info.ClientType)
	if err != nil {
		return State{}, fmt.Errorf("connect: %w", err)
	}

	hotel, _ := HotelFromHost(info.Host)

	s.mu.Lock()
	s.state = State{
		ID:               uuid.NewString(),
		Phase:            PhaseConnected,
		Variant:          variant,
		Host:             info.Host,
		Port:             info.Port,
		Hotel:            hotel,
		ClientIdentifier: info.ClientIdentifier,
		ClientVersion:    info.ClientVersion,
		ClientType:       info.ClientType,
		PreEstablished:   info.PreEstablished,
		ConnectedAt:      time.Now(),
	}
	s.gameConnected = true
	st := s.state
	s.mu.Unlock()

	s.logger.Info().
		Str("session", st.ID).
		Str("variant", variant.String()).
		Str("host", st.Host).
		Int("port", st.Port).
		Str("hotel", hotel.Code).
		Str("client", st.ClientIdentifier).
		Str("version", st.ClientVersion).
		Bool("pre_established", st.PreEstablished).
		Msg("game connected")

	s.emit(events.EventGameConnected, events.ConnectedPayload{
		SessionID:        st.ID,
		Variant:          st.Variant,
		Host:             st.Host,
		Port:             st.Port,
		Hotel:            hotel.Code,
		ClientIdentifier: st.ClientIdentifier,
		ClientVersion:    st.ClientVersion,
		ClientType:       st.ClientType,
		PreEstablished:   st.PreEstablished,
	})
	return st, nil
}

// Activate handles the host's activation signal. It is legal while connected;
// activating an activated session announces it again.
func (s *Session) Activate() error {
	s.mu.Lock()
	if !s.state.IsConnected() {
		phase := s.state.Phase
		s.mu.Unlock()
		return fmt.Errorf("%w: activate in phase %s", ErrInvalidTransition, phase)
	}
	s.state.Phase = PhaseActivated
	s.state.Activations++
	st := s.state
	s.mu.Unlock()

	s.logger.Info().Str("session", st.ID).Int("count", st.Activations).Msg("extension activated")
	s.emit(events.EventActivated, events.ActivatedPayload{SessionID: st.ID, Count: st.Activations})
	return nil
}

// Disconnect ends the current session. It reports false if there was no
// live session to end.
func (s *Session) Disconnect(reason string) bool {
	s.mu.Lock()
	if s.state.Phase == PhaseIdle || s.state.Phase == PhaseDisconnected {
		s.mu.Unlock()
		return false
	}
	s.state.Phase = PhaseDisconnected
	s.state.DisconnectedAt = time.Now()
	s.gameConnected = false
	st := s.state
	s.mu.Unlock()

	duration := st.DisconnectedAt.Sub(st.ConnectedAt)
	s.logger.Info().
		Str("session", st.ID).
		Str("reason", reason).
		Dur("duration", duration).
		Msg("game disconnected")

	s.emit(events.EventGameDisconnected, events.DisconnectedPayload{
		SessionID: st.ID,
		Reason:    reason,
		Duration:  duration,
	})
	return true
}

// GameConnected reports whether the host last said a game is connected.
func (s *Session) GameConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gameConnected
}

func (s *Session) emit(t events.EventType, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(context.Background(), events.NewEvent(t, "session", payload))
}
