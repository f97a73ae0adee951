package intercept

import (
	"encoding/json"
	"time"

	"github.com/geode-project/geode/internal/messages"
	"github.com/geode-project/geode/internal/protocol"
)

// Outcome is the pipeline's verdict for one frame.
type Outcome int

const (
	// Forward passes the original bytes through untouched.
	Forward Outcome = iota
	// ForwardModified passes re-encoded bytes of a replaced message.
	ForwardModified
	// Block drops the frame.
	Block
)

var outcomeNames = map[Outcome]string{
	Forward:         "forward",
	ForwardModified: "modified",
	Block:           "block",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON serializes the outcome as its name.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// Result is the outcome of one dispatch and the bytes to forward, if any.
type Result struct {
	Outcome Outcome
	Payload []byte
}

// Trace describes one completed dispatch for observers.
type Trace struct {
	Frame    protocol.Frame
	Variant  protocol.ClientVariant
	Identity messages.Identity
	// Known is false when the wire id is absent from the message table.
	Known bool
	// Message is the final message handlers agreed on; nil for unknown or
	// undecodable frames.
	Message  *messages.Message
	Outcome  Outcome
	Handlers int
	Faults   int
	DecodeErr error
	Duration time.Duration
	At       time.Time
}

// ObserverFunc receives a trace after every dispatch. Observers run on the
// dispatch goroutine and must not block.
type ObserverFunc func(Trace)
