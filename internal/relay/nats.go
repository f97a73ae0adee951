// Package relay mirrors the extension onto shared infrastructure: decoded
// dispatches are published to NATS, remote peers may inject messages through
// a NATS subject, and the session is shadowed in Redis.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/geode-project/geode/internal/intercept"
	"github.com/geode-project/geode/internal/messages"
	"github.com/geode-project/geode/internal/protocol"
	"github.com/geode-project/geode/internal/util"
)

// SendSubject is the subject suffix remote peers publish send commands to.
const SendSubject = "send"

// Publisher is the part of a NATS connection the relay publishes through.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Sender injects messages into the game connection.
type Sender interface {
	SendValues(ctx context.Context, ident messages.Identity, values ...any) error
}

// Dispatch is the JSON document published for every decoded dispatch.
type Dispatch struct {
	Session   string                 `json:"session,omitempty"`
	Seq       int32                  `json:"seq"`
	Variant   protocol.ClientVariant `json:"variant"`
	Identity  messages.Identity      `json:"identity"`
	WireID    uint16                 `json:"wire_id"`
	Fields    []any                  `json:"fields"`
	Outcome   intercept.Outcome      `json:"outcome"`
	Timestamp time.Time              `json:"timestamp"`
}

// SendCommand is a remote request to inject a message.
type SendCommand struct {
	Direction string `json:"direction"`
	Name      string `json:"name"`
	Fields    []any  `json:"fields"`
}

// SendReply answers a send command that carried a reply subject.
type SendReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NATSRelay publishes decoded dispatches and serves remote send commands.
type NATSRelay struct {
	conn      *nats.Conn
	pub       Publisher
	prefix    string
	sender    Sender
	allowSend bool
	sessionID func() string
	logger    zerolog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSRelay creates a relay over conn. sessionID may be nil.
func NewNATSRelay(conn *nats.Conn, prefix string, sender Sender, allowSend bool, sessionID func() string) *NATSRelay {
	r := newNATSRelay(conn, prefix, sender, allowSend, sessionID)
	r.conn = conn
	return r
}

func newNATSRelay(pub Publisher, prefix string, sender Sender, allowSend bool, sessionID func() string) *NATSRelay {
	if sessionID == nil {
		sessionID = func() string { return "" }
	}
	return &NATSRelay{
		pub:       pub,
		prefix:    strings.TrimSuffix(prefix, "."),
		sender:    sender,
		allowSend: allowSend,
		sessionID: sessionID,
		logger:    util.ComponentLogger("relay.nats"),
	}
}

// Subject returns the subject a dispatch of ident is published on.
func (r *NATSRelay) Subject(ident messages.Identity) string {
	dir := "in"
	if ident.Direction == protocol.Outbound {
		dir = "out"
	}
	return fmt.Sprintf("%s.%s.%s", r.prefix, dir, ident.Name)
}

// Observe publishes decoded dispatches. Unknown and undecodable frames are
// not mirrored. It matches intercept.ObserverFunc.
func (r *NATSRelay) Observe(t intercept.Trace) {
	if !t.Known || t.Message == nil {
		return
	}

	data, err := json.Marshal(Dispatch{
		Session:   r.sessionID(),
		Seq:       t.Frame.Seq,
		Variant:   t.Variant,
		Identity:  t.Identity,
		WireID:    uint16(t.Frame.WireID),
		Fields:    t.Message.Fields,
		Outcome:   t.Outcome,
		Timestamp: t.At,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("message", t.Identity.String()).Msg("failed to marshal dispatch")
		return
	}

	if err := r.pub.Publish(r.Subject(t.Identity), data); err != nil {
		r.logger.Debug().Err(err).Str("message", t.Identity.String()).Msg("failed to publish dispatch")
	}
}

// Start subscribes to the send subject when remote sends are allowed.
func (r *NATSRelay) Start(ctx context.Context) error {
	if !r.allowSend || r.conn == nil {
		return nil
	}

	subject := r.prefix + "." + SendSubject
	sub, err := r.conn.Subscribe(subject, func(msg *nats.Msg) {
		reply := SendReply{OK: true}
		if err := r.handleSend(ctx, msg.Data); err != nil {
			reply = SendReply{Error: err.Error()}
			r.logger.Warn().Err(err).Msg("remote send rejected")
		}
		// Answer request-style publishes only
		if msg.Reply != "" {
			data, _ := json.Marshal(reply)
			if err := msg.Respond(data); err != nil {
				r.logger.Debug().Err(err).Msg("failed to answer send command")
			}
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()

	r.logger.Info().Str("subject", subject).Msg("accepting remote sends")
	return nil
}

// Stop drops the send subscription.
func (r *NATSRelay) Stop() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			r.logger.Debug().Err(err).Msg("failed to unsubscribe")
		}
	}
}

func (r *NATSRelay) handleSend(ctx context.Context, data []byte) error {
	var cmd SendCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("invalid send command: %w", err)
	}
	if cmd.Name == "" {
		return errors.New("send command has no message name")
	}
	dir, err := protocol.ParseDirection(cmd.Direction)
	if err != nil {
		return err
	}

	// Bound the send
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.sender.SendValues(ctx, messages.Identity{Name: cmd.Name, Direction: dir}, cmd.Fields...)
}
