// Package events defines the lifecycle events published on the EventBus.
package events

import (
	"time"

	"github.com/geode-project/geode/internal/protocol"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Host link events
	EventLinkUp   EventType = "host.link_up"
	EventLinkDown EventType = "host.link_down"

	// Game session lifecycle
	EventInitialized      EventType = "game.initialized"
	EventGameConnected    EventType = "game.connected"
	EventActivated        EventType = "extension.activated"
	EventGameDisconnected EventType = "game.disconnected"

	// Operations
	EventHealthChanged EventType = "health.changed"
	EventShutdown      EventType = "shutdown"
)

// LifecycleEvents lists the events that describe the game session.
func LifecycleEvents() []EventType {
	return []EventType{EventInitialized, EventGameConnected, EventActivated, EventGameDisconnected}
}

// Event is the envelope published on the bus.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// NewEvent creates an event stamped with the current time.
func NewEvent(t EventType, source string, payload interface{}) Event {
	return Event{Type: t, Source: source, Time: time.Now(), Payload: payload}
}

// LinkPayload accompanies EventLinkUp and EventLinkDown.
type LinkPayload struct {
	Address string `json:"address"`
	Error   string `json:"error,omitempty"`
}

// InitializedPayload accompanies EventInitialized. GameConnected is true when
// the host already had a game connection when the extension attached.
type InitializedPayload struct {
	GameConnected bool `json:"game_connected"`
}

// ConnectedPayload accompanies EventGameConnected.
type ConnectedPayload struct {
	SessionID        string                 `json:"session_id"`
	Variant          protocol.ClientVariant `json:"variant"`
	Host             string                 `json:"host"`
	Port             int                    `json:"port"`
	Hotel            string                 `json:"hotel"`
	ClientIdentifier string                 `json:"client_identifier"`
	ClientVersion    string                 `json:"client_version"`
	ClientType       string                 `json:"client_type"`
	PreEstablished   bool                   `json:"pre_established"`
}

// ActivatedPayload accompanies EventActivated.
type ActivatedPayload struct {
	SessionID string `json:"session_id"`
	// Count is how many times the session has been activated.
	Count int `json:"count"`
}

// DisconnectedPayload accompanies EventGameDisconnected.
type DisconnectedPayload struct {
	SessionID string        `json:"session_id"`
	Reason    string        `json:"reason"`
	Duration  time.Duration `json:"duration"`
}

// HealthPayload accompanies EventHealthChanged.
type HealthPayload struct {
	Check   string `json:"check"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}
