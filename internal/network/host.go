package network

import (
	"fmt"
	"time"
)

// Host is the host's side of the link. Geode never plays the host in
// production; the type lets tests and local tooling drive an extension over
// a real connection.
type Host struct {
	conn *Connection
}

// NewHost wraps the host end of a connection.
func NewHost(conn *Connection) *Host {
	return &Host{conn: conn}
}

// Emit sends a host event to the extension.
func (h *Host) Emit(ev HostEvent) error {
	id, body, err := EncodeHostEvent(ev)
	if err != nil {
		return err
	}
	return h.conn.WriteMessage(id, body)
}

// ExtensionMessage is a raw message received from the extension.
type ExtensionMessage struct {
	ID   uint16
	Body []byte
}

// Receive reads the next extension message.
func (h *Host) Receive(timeout time.Duration) (ExtensionMessage, error) {
	id, body, err := h.conn.ReadMessage(timeout)
	if err != nil {
		return ExtensionMessage{}, err
	}
	return ExtensionMessage{ID: id, Body: body}, nil
}

// ReceiveReply reads messages until a packet verdict arrives.
func (h *Host) ReceiveReply(timeout time.Duration) (Reply, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Reply{}, fmt.Errorf("no reply within %s", timeout)
		}
		msg, err := h.Receive(remaining)
		if err != nil {
			return Reply{}, err
		}
		// Anything else from the extension is ignored here
		if msg.ID == ExtManipulatedPacket {
			return DecodeReply(msg.Body)
		}
	}
}

// Close closes the host end.
func (h *Host) Close() error {
	return h.conn.Close()
}
