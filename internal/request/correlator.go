// Package request correlates outgoing messages with the inbound messages that
// answer them. A request is armed on the interception pipeline before it is
// sent, so a fast response cannot slip past it.
package request

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/geode-project/geode/internal/intercept"
	"github.com/geode-project/geode/internal/messages"
	"github.com/geode-project/geode/internal/protocol"
	"github.com/geode-project/geode/internal/util"
)

// ErrRequestTimeout means no matching response arrived before the deadline.
var ErrRequestTimeout = errors.New("request timed out")

// DefaultTimeout applies when a request is made without a positive timeout.
const DefaultTimeout = 10 * time.Second

// Sender writes an outgoing message.
type Sender interface {
	Send(ctx context.Context, msg *messages.Message) error
}

// Option customizes a single request.
type Option func(*pending)

// WithMatch makes the request accept only responses for which match returns
// true. Non-matching responses stay available to later requests.
func WithMatch(match func(*messages.Message) bool) Option {
	return func(p *pending) { p.match = match }
}

type result struct {
	msg *messages.Message
	err error
}

type pending struct {
	id      uint64
	expect  messages.Identity
	created time.Time
	match   func(*messages.Message) bool
	done    chan result
}

// queue holds the armed requests for one response identity in arrival order,
// and the single pipeline registration serving them.
type queue struct {
	sub     *intercept.Subscription
	pending []*pending
}

// Correlator matches inbound responses to pending requests.
type Correlator struct {
	pipe   *intercept.Pipeline
	sender Sender
	logger zerolog.Logger

	mu     sync.Mutex
	queues map[messages.Identity]*queue
	nextID uint64
}

// NewCorrelator creates a correlator listening on pipe and sending through sender.
func NewCorrelator(pipe *intercept.Pipeline, sender Sender) *Correlator {
	return &Correlator{
		pipe:   pipe,
		sender: sender,
		logger: util.ComponentLogger("request"),
		queues: make(map[messages.Identity]*queue),
	}
}

// Request sends out and waits for the next inbound expect message.
//
// Requests for the same response identity are served first come, first
// served. The call returns ErrRequestTimeout when timeout elapses, ctx.Err()
// when ctx ends first, or the error passed to FailAll. The response is never
// blocked or modified.
func (c *Correlator) Request(ctx context.Context, out *messages.Message, expect messages.Identity, timeout time.Duration, opts ...Option) (*messages.Message, error) {
	if expect.Direction != protocol.Inbound {
		return nil, fmt.Errorf("response %s must be inbound", expect)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// Arm before sending so a fast response is not missed
	p := c.arm(expect, opts)

	if err := c.sender.Send(ctx, out); err != nil {
		c.disarm(p)
		return nil, fmt.Errorf("send %s: %w", out.Identity, err)
	}

	// Wait for response, timeout or cancellation
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		return res.msg, res.err
	case <-timer.C:
		if c.disarm(p) {
			c.logger.Debug().
				Str("request", out.Identity.String()).
				Str("expect", expect.String()).
				Dur("timeout", timeout).
				Msg("request timed out")
			return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, expect, timeout)
		}
	case <-ctx.Done():
		if c.disarm(p) {
			return nil, ctx.Err()
		}
	}

	// Resolved concurrently with the timer or cancellation; the result wins.
	res := <-p.done
	return res.msg, res.err
}

// arm queues a pending request, registering the pipeline handler for its
// identity if this is the first one.
func (c *Correlator) arm(expect messages.Identity, opts []Option) *pending {
	p := &pending{
		expect:  expect,
		created: time.Now(),
		done:    make(chan result, 1),
	}
	for _, opt := range opts {
		opt(p)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	p.id = c.nextID

	// First request for this identity registers the handler
	q, ok := c.queues[expect]
	if !ok {
		q = &queue{}
		q.sub = c.pipe.On(expect, "request:"+expect.Name, c.handler(expect, q))
		c.queues[expect] = q
	}
	q.pending = append(q.pending, p)
	return p
}

// disarm removes p if it is still pending and reports whether it was.
func (c *Correlator) disarm(p *pending) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[p.expect]
	if !ok {
		return false
	}
	for i, other := range q.pending {
		if other == p {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			c.dropIfEmpty(p.expect, q)
			return true
		}
	}
	return false
}

// dropIfEmpty cancels the registration of an empty queue. Callers hold c.mu.
func (c *Correlator) dropIfEmpty(expect messages.Identity, q *queue) {
	if len(q.pending) > 0 {
		return
	}
	q.sub.Cancel()
	delete(c.queues, expect)
}

func (c *Correlator) handler(expect messages.Identity, q *queue) intercept.HandlerFunc {
	return func(e *intercept.Intercept) error {
		msg := e.Message()
		if msg == nil {
			return nil
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.queues[expect] != q {
			return nil
		}
		for i, p := range q.pending {
			if p.match != nil && !p.match(msg) {
				continue
			}
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			p.done <- result{msg: msg.Clone()}
			c.logger.Trace().
				Str("expect", expect.String()).
				Uint64("request", p.id).
				Dur("latency", time.Since(p.created)).
				Msg("request resolved")
			break
		}
		c.dropIfEmpty(expect, q)
		return nil
	}
}

// FailAll resolves every pending request with err.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := 0
	for expect, q := range c.queues {
		for _, p := range q.pending {
			p.done <- result{err: err}
			failed++
		}
		q.pending = nil
		q.sub.Cancel()
		delete(c.queues, expect)
	}
	if failed > 0 {
		c.logger.Debug().Err(err).Int("requests", failed).Msg("failed pending requests")
	}
}

// Pending returns the number of requests waiting for expect.
func (c *Correlator) Pending(expect messages.Identity) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[expect]; ok {
		return len(q.pending)
	}
	return 0
}

// PendingInfo describes one waiting request.
type PendingInfo struct {
	ID     uint64        `json:"id"`
	Expect string        `json:"expect"`
	Age    time.Duration `json:"age"`
}

// Snapshot lists every waiting request.
func (c *Correlator) Snapshot() []PendingInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []PendingInfo
	now := time.Now()
	for expect, q := range c.queues {
		for _, p := range q.pending {
			out = append(out, PendingInfo{ID: p.id, Expect: expect.String(), Age: now.Sub(p.created)})
		}
	}
	return out
}
