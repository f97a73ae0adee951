package extension

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geode-project/geode/internal/events"
	"github.com/geode-project/geode/internal/intercept"
	"github.com/geode-project/geode/internal/network"
	"github.com/geode-project/geode/internal/session"
)

// Run serves one host link until it closes or ctx ends. It is the single
// event loop: host events are handled one at a time, in arrival order, and
// every intercepted packet is answered before the next event is read.
//
// When the link drops, the session is disconnected and every pending request
// fails with network.ErrClosed.
func (x *Extension) Run(ctx context.Context, t Transport) error {
	if err := x.attach(t); err != nil {
		return err
	}
	defer x.detach()

	// Close the link when ctx ends to unblock Next
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	x.bus.Emit(ctx, events.NewEvent(events.EventLinkUp, "extension", events.LinkPayload{}))
	x.logger.Info().Str("extension", x.opts.Name).Msg("attached to host")

	for {
		ev, err := t.Next()
		if err != nil {
			x.linkLost(err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, network.ErrClosed) {
				return err
			}
			return fmt.Errorf("%w: %v", network.ErrClosed, err)
		}
		// Track activity for the health check
		x.lastEvent.Store(time.Now().UnixNano())
		x.handle(t, ev)
	}
}

func (x *Extension) attach(t Transport) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.transport != nil {
		return errAlreadyAttached
	}
	x.transport = t
	x.lastEvent.Store(time.Now().UnixNano())
	return nil
}

func (x *Extension) detach() {
	x.mu.Lock()
	x.transport = nil
	x.mu.Unlock()
}

func (x *Extension) linkLost(err error) {
	x.logger.Warn().Err(err).Msg("host link lost")
	x.session.Disconnect("host link closed")
	x.corr.FailAll(network.ErrClosed)
	x.bus.Emit(context.Background(), events.NewEvent(events.EventLinkDown, "extension", events.LinkPayload{Error: err.Error()}))
}

func (x *Extension) handle(t Transport, ev network.HostEvent) {
	switch e := ev.(type) {
	case network.Intercept:
		x.intercept(t, e)

	case network.InfoRequest:
		if err := t.SendInfo(x.Info()); err != nil {
			x.logger.Error().Err(err).Msg("failed to send extension info")
		}

	case network.Init:
		x.session.Initialized(e.GameConnected)

	case network.ConnectionStart:
		prev := x.session.Snapshot()
		_, err := x.session.Connect(session.ConnectInfo{
			Host:             e.Host,
			Port:             e.Port,
			ClientVersion:    e.ClientVersion,
			ClientIdentifier: e.ClientIdentifier,
			ClientType:       e.ClientType,
			PreEstablished:   e.PreEstablished,
		})
		// Requests armed on the superseded session can no longer be answered.
		if prev.IsConnected() {
			x.corr.FailAll(session.ErrNotConnected)
		}
		if err != nil {
			x.logger.Error().Err(err).Str("client_type", e.ClientType).Msg("rejected game connection")
		}

	case network.ConnectionEnd:
		if x.session.Disconnect("connection ended") {
			x.corr.FailAll(session.ErrNotConnected)
		}

	case network.Click:
		if err := x.session.Activate(); err != nil {
			x.logger.Warn().Err(err).Msg("ignoring activation")
		}

	case network.FlagsCheck:
		x.mu.Lock()
		x.flags = e.Flags
		x.mu.Unlock()
		x.logger.Debug().Strs("flags", e.Flags).Msg("host flags")
	}
}

func (x *Extension) intercept(t Transport, e network.Intercept) {
	frame := e.Frame
	reply := network.Reply{
		Seq:       frame.Seq,
		Direction: frame.Direction,
		Action:    network.ActionForward,
		WireID:    frame.WireID,
		Payload:   frame.Payload,
	}

	// No session: pass through untouched
	variant, err := x.session.Variant()
	if err != nil {
		x.logger.Debug().Err(err).Str("frame", frame.String()).Msg("forwarding packet outside a session")
	} else {
		res := x.pipe.Dispatch(variant, frame)
		switch res.Outcome {
		case intercept.Block:
			reply.Action = network.ActionBlock
			reply.Payload = nil
		case intercept.ForwardModified:
			reply.Action = network.ActionModified
			reply.Payload = res.Payload
		}
	}

	if err := t.Reply(reply); err != nil {
		x.logger.Error().Err(err).Int32("seq", frame.Seq).Msg("failed to answer intercepted packet")
	}
}

// Dialer opens a host link.
type Dialer func(ctx context.Context) (Transport, error)

// Serve keeps the extension attached to the host, dialing again after
// retryDelay whenever the link cannot be opened or drops. It returns when
// ctx ends.
func (x *Extension) Serve(ctx context.Context, dial Dialer, retryDelay time.Duration) error {
	for attempt := 1; ; attempt++ {
		t, err := dial(ctx)
		if err != nil {
			x.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", retryDelay).Msg("host not reachable")
		} else {
			attempt = 0
			err = x.Run(ctx, t)
			if ctx.Err() != nil {
				return nil
			}
			x.logger.Warn().Err(err).Dur("retry_in", retryDelay).Msg("host link ended")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
	}
}
