// Package intercept runs the ordered interception pipeline: every intercepted
// frame is resolved, decoded once and handed to the matching handlers in
// registration order; their block and replace decisions are folded into a
// single outcome.
package intercept

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/geode-project/geode/internal/codec"
	"github.com/geode-project/geode/internal/messages"
	"github.com/geode-project/geode/internal/protocol"
	"github.com/geode-project/geode/internal/util"
)

type registration struct {
	ordinal   uint64
	name      string
	wildcard  bool
	identity  messages.Identity
	direction protocol.Direction
	handler   HandlerFunc
	removed   atomic.Bool
}

func (r *registration) matches(ident messages.Identity, dir protocol.Direction, known bool) bool {
	if r.wildcard {
		return r.direction == protocol.DirectionUnknown || r.direction == dir
	}
	return known && r.identity == ident
}

func (r *registration) label() string {
	if r.wildcard {
		return "*." + r.direction.String()
	}
	return r.identity.String()
}

// Subscription is the handle returned by a registration.
type Subscription struct {
	p   *Pipeline
	reg *registration
}

// Cancel removes the registration. Dispatches that start after Cancel returns
// never invoke it, and a dispatch in progress skips it unless the handler is
// already running or about to run. A handler may cancel its own registration.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.p.remove(s.reg)
}

// Stats are cumulative dispatch counters.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Forwarded  uint64 `json:"forwarded"`
	Modified   uint64 `json:"modified"`
	Blocked    uint64 `json:"blocked"`
	Unknown    uint64 `json:"unknown"`
	DecodeErrs uint64 `json:"decode_errors"`
	Faults     uint64 `json:"faults"`
}

// Pipeline holds handler registrations and dispatches frames to them.
type Pipeline struct {
	registry *messages.Registry
	codec    *codec.Codec
	logger   zerolog.Logger

	mu        sync.RWMutex
	regs      []*registration
	nextOrd   uint64
	observers []ObserverFunc

	dispatched atomic.Uint64
	forwarded  atomic.Uint64
	modified   atomic.Uint64
	blocked    atomic.Uint64
	unknown    atomic.Uint64
	decodeErrs atomic.Uint64
	faults     atomic.Uint64
}

// NewPipeline creates a pipeline resolving frames through registry.
func NewPipeline(registry *messages.Registry) *Pipeline {
	return &Pipeline{
		registry: registry,
		codec:    codec.New(registry),
		logger:   util.ComponentLogger("pipeline"),
	}
}

// Codec returns the codec the pipeline decodes with.
func (p *Pipeline) Codec() *codec.Codec {
	return p.codec
}

// On registers handler for one message identity.
func (p *Pipeline) On(ident messages.Identity, name string, handler HandlerFunc) *Subscription {
	return p.add(&registration{name: name, identity: ident, direction: ident.Direction, handler: handler})
}

// OnAny registers handler for every frame travelling in direction, including
// frames whose wire id is unknown. protocol.DirectionUnknown matches both
// directions.
func (p *Pipeline) OnAny(direction protocol.Direction, name string, handler HandlerFunc) *Subscription {
	return p.add(&registration{name: name, wildcard: true, direction: direction, handler: handler})
}

func (p *Pipeline) add(reg *registration) *Subscription {
	p.mu.Lock()
	p.nextOrd++
	reg.ordinal = p.nextOrd
	p.regs = append(p.regs, reg)
	p.mu.Unlock()

	p.logger.Debug().
		Str("message", reg.label()).
		Str("handler", reg.name).
		Uint64("ordinal", reg.ordinal).
		Msg("handler registered")

	return &Subscription{p: p, reg: reg}
}

func (p *Pipeline) remove(reg *registration) {
	if reg.removed.Swap(true) {
		return
	}

	p.mu.Lock()
	filtered := make([]*registration, 0, len(p.regs))
	for _, r := range p.regs {
		if r != reg {
			filtered = append(filtered, r)
		}
	}
	p.regs = filtered
	p.mu.Unlock()

	p.logger.Debug().
		Str("message", reg.label()).
		Str("handler", reg.name).
		Msg("handler removed")
}

// Clear removes every registration.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	for _, r := range p.regs {
		r.removed.Store(true)
	}
	p.regs = nil
	p.mu.Unlock()
}

// Observe registers fn to receive a trace after every dispatch.
func (p *Pipeline) Observe(fn ObserverFunc) {
	p.mu.Lock()
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}

// HandlerInfo describes one registration.
type HandlerInfo struct {
	Ordinal uint64 `json:"ordinal"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Handlers lists current registrations in invocation order.
func (p *Pipeline) Handlers() []HandlerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]HandlerInfo, 0, len(p.regs))
	for _, r := range p.regs {
		out = append(out, HandlerInfo{Ordinal: r.ordinal, Name: r.name, Message: r.label()})
	}
	return out
}

// HandlerCount returns the number of registrations.
func (p *Pipeline) HandlerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.regs)
}

// Stats returns cumulative dispatch counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Dispatched: p.dispatched.Load(),
		Forwarded:  p.forwarded.Load(),
		Modified:   p.modified.Load(),
		Blocked:    p.blocked.Load(),
		Unknown:    p.unknown.Load(),
		DecodeErrs: p.decodeErrs.Load(),
		Faults:     p.faults.Load(),
	}
}

func (p *Pipeline) snapshot() ([]*registration, []ObserverFunc) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	regs := make([]*registration, len(p.regs))
	copy(regs, p.regs)
	return regs, p.observers
}

// Dispatch runs one frame through the pipeline for the given client variant.
//
// Frames with an unknown wire id, or whose payload fails to decode, are shown
// to wildcard handlers only. Specific and wildcard handlers share one
// registration order. A block is final; a replacement is re-encoded only if
// the frame is not blocked, otherwise the original bytes are forwarded.
func (p *Pipeline) Dispatch(variant protocol.ClientVariant, frame protocol.Frame) Result {
	start := time.Now()
	p.dispatched.Add(1)

	e := &Intercept{Frame: frame, Variant: variant}

	// Resolve and decode once
	ident, err := p.registry.Resolve(variant, frame.Direction, frame.WireID)
	if err == nil {
		e.Identity = ident
		e.Known = true
		e.def, _ = p.registry.Definition(ident)

		msg, derr := p.codec.Decode(variant, ident, frame.Payload)
		if derr != nil {
			e.DecodeErr = derr
			p.decodeErrs.Add(1)
			p.logger.Warn().
				Err(derr).
				Str("message", ident.String()).
				Int32("seq", frame.Seq).
				Msg("failed to decode frame, typed handlers skipped")
		} else {
			e.msg = msg
		}
	} else {
		p.unknown.Add(1)
	}

	// Run matching handlers in ordinal order
	regs, observers := p.snapshot()
	typed := e.Known && e.DecodeErr == nil

	handlers, faults := 0, 0
	for _, reg := range regs {
		if !reg.wildcard && !typed {
			continue
		}
		if !reg.matches(e.Identity, frame.Direction, e.Known) {
			continue
		}
		// Cancelled after the snapshot
		if reg.removed.Load() {
			continue
		}
		handlers++
		if !p.invoke(reg, e) {
			faults++
		}
	}

	// Settle outcome, then report
	result := p.settle(variant, e)

	trace := Trace{
		Frame:     frame,
		Variant:   variant,
		Identity:  e.Identity,
		Known:     e.Known,
		Message:   e.msg,
		Outcome:   result.Outcome,
		Handlers:  handlers,
		Faults:    faults,
		DecodeErr: e.DecodeErr,
		Duration:  time.Since(start),
		At:        start,
	}
	for _, fn := range observers {
		p.observe(fn, trace)
	}
	return result
}

// settle folds the handlers' decisions into the dispatch outcome.
func (p *Pipeline) settle(variant protocol.ClientVariant, e *Intercept) Result {
	switch {
	// Block is sticky over replacement
	case e.blocked:
		p.blocked.Add(1)
		return Result{Outcome: Block}
	case e.replaced:
		payload, err := p.codec.Encode(variant, e.msg)
		if err != nil {
			p.logger.Error().
				Err(err).
				Str("message", e.Identity.String()).
				Msg("failed to encode replacement, forwarding original")
			p.forwarded.Add(1)
			return Result{Outcome: Forward, Payload: e.Frame.Payload}
		}
		p.modified.Add(1)
		return Result{Outcome: ForwardModified, Payload: payload}
	}
	p.forwarded.Add(1)
	return Result{Outcome: Forward, Payload: e.Frame.Payload}
}

// invoke runs one handler, isolating errors and panics.
func (p *Pipeline) invoke(reg *registration, e *Intercept) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			p.faults.Add(1)
			p.logger.Error().
				Str("message", e.Identity.String()).
				Str("registration", reg.label()).
				Str("handler", reg.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err := reg.handler(e); err != nil {
		p.faults.Add(1)
		p.logger.Error().
			Err(err).
			Str("message", e.Identity.String()).
			Str("registration", reg.label()).
			Str("handler", reg.name).
			Msg("handler returned error")
		return false
	}
	return true
}

func (p *Pipeline) observe(fn ObserverFunc, t Trace) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("dispatch observer panicked")
		}
	}()
	fn(t)
}
