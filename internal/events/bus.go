package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/geode-project/geode/internal/util"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is an asynchronous publish-subscribe bus for lifecycle events.
//
// Every subscription owns a mailbox drained by at most one goroutine.
// Events reach a subscriber in emission order; a slow subscriber delays
// only itself.
type EventBus struct {
	mu       sync.RWMutex
	subs     map[EventType][]*subscription
	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  bool
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

type delivery struct {
	ctx   context.Context
	event Event
}

// subscription is one Subscribe or SubscribeMany call.
type subscription struct {
	name    string
	handler HandlerFunc

	mu       sync.Mutex
	mailbox  []delivery
	draining bool
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:   make(map[EventType][]*subscription),
		stopCh: make(chan struct{}),
		logger: util.ComponentLogger("events"),
	}
}

// Subscribe registers a handler function for a specific event type.
// The name is used for logging and for Unsubscribe.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.SubscribeMany([]EventType{eventType}, name, handler)
}

// SubscribeMany registers one handler for several event types. The handler
// receives all of them through a single mailbox, in emission order.
func (eb *EventBus) SubscribeMany(eventTypes []EventType, name string, handler HandlerFunc) {
	sub := &subscription{name: name, handler: handler}

	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, t := range eventTypes {
		eb.subs[t] = append(eb.subs[t], sub)
		eb.logger.Debug().
			Str("event", string(t)).
			Str("handler", name).
			Msg("subscribed to event")
	}
}

// Unsubscribe removes a named handler from a specific event type. Events
// already in its mailbox are still delivered.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs, exists := eb.subs[eventType]
	if !exists {
		return
	}

	// Copy so in-flight snapshots keep the old slice
	kept := subs[:0:0]
	for _, s := range subs {
		if s.name != name {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(eb.subs, eventType)
		return
	}
	eb.subs[eventType] = kept
}

func (eb *EventBus) snapshot(eventType EventType) []*subscription {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return nil
	}
	return append([]*subscription(nil), eb.subs[eventType]...)
}

// Emit queues an event for every subscriber and returns without waiting.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	// Held across enqueue so Stop cannot start waiting mid-emit.
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	subs := eb.subs[event.Type]
	if eb.stopped || len(subs) == 0 {
		return
	}

	eb.logger.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(subs)).
		Msg("emitting event")

	for _, s := range subs {
		eb.enqueue(s, delivery{ctx: ctx, event: event})
	}
}

func (eb *EventBus) enqueue(s *subscription, d delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mailbox = append(s.mailbox, d)
	if s.draining {
		return
	}
	// First delivery starts a drainer
	s.draining = true
	eb.wg.Add(1)
	go eb.drain(s)
}

func (eb *EventBus) drain(s *subscription) {
	defer eb.wg.Done()
	for {
		s.mu.Lock()
		if len(s.mailbox) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		// Pop head; clear it so the event can be collected
		d := s.mailbox[0]
		s.mailbox[0] = delivery{}
		s.mailbox = s.mailbox[1:]
		s.mu.Unlock()

		eb.run(d.ctx, s, d.event)
	}
}

// EmitSync runs every handler concurrently, bypassing mailboxes, and waits
// for all of them. It returns the first error encountered, if any.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	subs := eb.snapshot(event.Type)

	var (
		firstErr error
		errOnce  sync.Once
		wg       sync.WaitGroup
	)
	for _, s := range subs {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			if err := eb.run(ctx, s, event); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}(s)
	}

	wg.Wait()
	return firstErr
}

func (eb *EventBus) run(ctx context.Context, s *subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error().
				Str("event", string(event.Type)).
				Str("handler", s.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = s.handler(ctx, event); err != nil {
		eb.logger.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", s.name).
			Msg("handler returned error")
	}
	return err
}

// Stop stops accepting new events and waits until queued events have been
// handled. It must not be called from a handler.
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		eb.mu.Lock()
		eb.stopped = true
		close(eb.stopCh)
		eb.mu.Unlock()

		eb.wg.Wait()
		eb.logger.Info().Msg("event bus stopped")
	})
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs[eventType])
}
