package intercept

import (
	"fmt"

	"github.com/geode-project/geode/internal/messages"
	"github.com/geode-project/geode/internal/protocol"
)

// Intercept is the per-dispatch view passed to each handler. It is only valid
// for the duration of the handler call.
type Intercept struct {
	Frame    protocol.Frame
	Variant  protocol.ClientVariant
	Identity messages.Identity
	// Known is false when the frame's wire id is not in the message table.
	Known bool
	// DecodeErr is set when the payload did not match the declared layout;
	// only wildcard handlers observe such frames.
	DecodeErr error

	msg      *messages.Message
	def      *messages.Definition
	blocked  bool
	replaced bool
}

// Message returns the current message, reflecting replacements made by
// earlier handlers. It is nil for unknown or undecodable frames. The returned
// value must not be mutated; derive a replacement with With or Clone.
func (e *Intercept) Message() *messages.Message {
	return e.msg
}

// Block marks the frame as blocked. The mark cannot be undone within the
// dispatch.
func (e *Intercept) Block() {
	e.blocked = true
}

// Blocked reports whether any handler so far has blocked the frame.
func (e *Intercept) Blocked() bool {
	return e.blocked
}

// Replaced reports whether any handler so far has replaced the message.
func (e *Intercept) Replaced() bool {
	return e.replaced
}

// Replace substitutes the message seen by later handlers and forwarded if the
// frame is not blocked. The replacement must keep the identity and layout.
func (e *Intercept) Replace(m *messages.Message) error {
	if e.def == nil || e.msg == nil {
		return fmt.Errorf("cannot replace %s: frame has no decoded message", e.Frame)
	}
	if err := m.Validate(e.def); err != nil {
		return err
	}
	e.msg = m.Clone()
	e.replaced = true
	return nil
}

// HandlerFunc handles one intercepted frame. Returning an error or panicking
// is logged and does not affect other handlers.
type HandlerFunc func(e *Intercept) error
