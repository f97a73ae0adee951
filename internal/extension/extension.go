// Package extension ties the runtime together: it owns the event loop that
// drains the host link, keeps the session lifecycle current, runs every
// intercepted packet through the pipeline and answers the host.
package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/geode-project/geode/internal/events"
	"github.com/geode-project/geode/internal/intercept"
	"github.com/geode-project/geode/internal/messages"
	"github.com/geode-project/geode/internal/network"
	"github.com/geode-project/geode/internal/protocol"
	"github.com/geode-project/geode/internal/request"
	"github.com/geode-project/geode/internal/session"
	"github.com/geode-project/geode/internal/util"
)

// Transport is the host link as the event loop sees it.
type Transport interface {
	Next() (network.HostEvent, error)
	Reply(network.Reply) error
	Send(protocol.Frame) error
	SendInfo(network.ExtensionInfo) error
	Log(text string) error
	Close() error
}

// Options describe the extension to the host and tune the runtime.
type Options struct {
	Name        string
	Description string
	Author      string
	Version     string
	// UseClick asks the host to show an activation button.
	UseClick  bool
	CanLeave  bool
	CanDelete bool
	// RequestTimeout applies to RequestDefault.
	RequestTimeout time.Duration
}

// Extension is a running extension instance.
type Extension struct {
	opts     Options
	registry *messages.Registry
	pipe     *intercept.Pipeline
	corr     *request.Correlator
	session  *session.Session
	bus      *events.EventBus
	logger   zerolog.Logger

	mu        sync.RWMutex
	transport Transport
	flags     []string
	lastEvent atomic.Int64
}

// New creates an extension resolving messages through registry and
// publishing lifecycle events on bus.
func New(opts Options, registry *messages.Registry, bus *events.EventBus) *Extension {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = request.DefaultTimeout
	}
	x := &Extension{
		opts:     opts,
		registry: registry,
		pipe:     intercept.NewPipeline(registry),
		session:  session.New(bus),
		bus:      bus,
		logger:   util.ComponentLogger("extension"),
	}
	x.corr = request.NewCorrelator(x.pipe, x)
	return x
}

// Intercept registers handler for one message identity.
func (x *Extension) Intercept(ident messages.Identity, name string, handler intercept.HandlerFunc) *intercept.Subscription {
	if _, ok := x.registry.Definition(ident); !ok {
		x.logger.Warn().Str("message", ident.String()).Str("handler", name).Msg("intercepting message missing from table")
	}
	return x.pipe.On(ident, name, handler)
}

// InterceptAny registers handler for every packet in direction.
// protocol.DirectionUnknown selects both directions.
func (x *Extension) InterceptAny(direction protocol.Direction, name string, handler intercept.HandlerFunc) *intercept.Subscription {
	return x.pipe.OnAny(direction, name, handler)
}

// On subscribes to a lifecycle event.
func (x *Extension) On(eventType events.EventType, name string, handler events.HandlerFunc) {
	x.bus.Subscribe(eventType, name, handler)
}

// Send encodes msg for the connected client and injects it. It fails with
// session.ErrNotConnected without a game connection and with
// messages.ErrUnsupportedForVariant when the client has no such message;
// in both cases nothing is written. The extension's own handlers do not see
// messages it sends.
func (x *Extension) Send(ctx context.Context, msg *messages.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Variant gates everything below
	variant, err := x.session.Variant()
	if err != nil {
		return err
	}

	frame, err := x.pipe.Codec().EncodeFrame(variant, msg)
	if err != nil {
		return err
	}

	// Link may have dropped since the session check
	t := x.currentTransport()
	if t == nil {
		return network.ErrClosed
	}
	if err := t.Send(frame); err != nil {
		return fmt.Errorf("send %s: %w", msg.Identity, err)
	}

	x.logger.Trace().Str("message", msg.Identity.String()).Uint16("wire_id", uint16(frame.WireID)).Msg("sent")
	return nil
}

// SendValues builds a message from loosely typed values and sends it.
func (x *Extension) SendValues(ctx context.Context, ident messages.Identity, values ...any) error {
	msg, err := x.registry.Build(ident, values...)
	if err != nil {
		return err
	}
	return x.Send(ctx, msg)
}

// Request sends msg and waits for the next expect message.
func (x *Extension) Request(ctx context.Context, msg *messages.Message, expect messages.Identity, timeout time.Duration, opts ...request.Option) (*messages.Message, error) {
	return x.corr.Request(ctx, msg, expect, timeout, opts...)
}

// RequestDefault sends msg and waits for the response its table entry
// declares, using the configured request timeout.
func (x *Extension) RequestDefault(ctx context.Context, msg *messages.Message, opts ...request.Option) (*messages.Message, error) {
	def, ok := x.registry.Definition(msg.Identity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", messages.ErrUnknownMessage, msg.Identity)
	}
	expect, ok := def.ResponseIdentity()
	if !ok {
		return nil, fmt.Errorf("%s declares no response", msg.Identity)
	}
	return x.corr.Request(ctx, msg, expect, x.opts.RequestTimeout, opts...)
}

// Log writes to the host console and the local log.
func (x *Extension) Log(text string) {
	x.logger.Info().Str("console", text).Msg("extension log")
	if t := x.currentTransport(); t != nil {
		if err := t.Log(text); err != nil {
			x.logger.Debug().Err(err).Msg("failed to log to host console")
		}
	}
}

// Info returns the description sent to the host.
func (x *Extension) Info() network.ExtensionInfo {
	return network.ExtensionInfo{
		Title:       x.opts.Name,
		Author:      x.opts.Author,
		Version:     x.opts.Version,
		Description: x.opts.Description,
		UseClick:    x.opts.UseClick,
		CanLeave:    x.opts.CanLeave,
		CanDelete:   x.opts.CanDelete,
	}
}

// Session returns the lifecycle state machine.
func (x *Extension) Session() *session.Session { return x.session }

// Pipeline returns the interception pipeline.
func (x *Extension) Pipeline() *intercept.Pipeline { return x.pipe }

// Registry returns the message table.
func (x *Extension) Registry() *messages.Registry { return x.registry }

// Correlator returns the request correlator.
func (x *Extension) Correlator() *request.Correlator { return x.corr }

// Events returns the lifecycle event bus.
func (x *Extension) Events() *events.EventBus { return x.bus }

// Flags returns the host flags from the last flags check.
func (x *Extension) Flags() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]string(nil), x.flags...)
}

// Attached reports whether a host link is currently being served.
func (x *Extension) Attached() bool {
	return x.currentTransport() != nil
}

// LastHostEvent returns when the host link last delivered an event; zero
// before the first link is attached.
func (x *Extension) LastHostEvent() time.Time {
	ns := x.lastEvent.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// GameConnected reports whether a game session is live.
func (x *Extension) GameConnected() bool {
	return x.session.Snapshot().IsConnected()
}

// PendingRequests lists requests waiting for a response.
func (x *Extension) PendingRequests() []request.PendingInfo {
	return x.corr.Snapshot()
}

// Close removes every handler registration and fails pending requests.
func (x *Extension) Close() {
	x.corr.FailAll(network.ErrClosed)
	x.pipe.Clear()
}

func (x *Extension) currentTransport() Transport {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.transport
}

var errAlreadyAttached = errors.New("extension already attached to a host link")
