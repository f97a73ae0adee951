package relay

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/geode-project/geode/internal/events"
	"github.com/geode-project/geode/internal/session"
	"github.com/geode-project/geode/internal/util"
)

// RedisShadow mirrors the current session into a Redis hash that expires
// unless refreshed, so other processes can tell whether a game is attached.
type RedisShadow struct {
	client   redis.Cmdable
	key      string
	ttl      time.Duration
	refresh  time.Duration
	snapshot func() session.State
	bus      *events.EventBus
	logger   zerolog.Logger
}

// NewRedisShadow creates a shadow writing "<prefix>:session".
func NewRedisShadow(client redis.Cmdable, prefix string, ttl, refresh time.Duration, snapshot func() session.State, bus *events.EventBus) *RedisShadow {
	if refresh <= 0 || refresh >= ttl {
		refresh = ttl / 2
	}
	return &RedisShadow{
		client:   client,
		key:      prefix + ":session",
		ttl:      ttl,
		refresh:  refresh,
		snapshot: snapshot,
		bus:      bus,
		logger:   util.ComponentLogger("relay.redis"),
	}
}

// Key returns the hash key.
func (s *RedisShadow) Key() string { return s.key }

// Start writes the shadow on every lifecycle event and refresh tick until
// ctx ends, then removes it.
func (s *RedisShadow) Start(ctx context.Context) error {
	name := "redis.shadow"
	s.bus.SubscribeMany(events.LifecycleEvents(), name, func(ctx context.Context, _ events.Event) error {
		return s.Write(ctx)
	})
	defer func() {
		for _, t := range events.LifecycleEvents() {
			s.bus.Unsubscribe(t, name)
		}
	}()

	// Write immediately, then keep the TTL fresh
	if err := s.Write(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial session shadow write failed")
	}

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Remove the shadow on shutdown
			cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.client.Del(cleanup, s.key).Err(); err != nil {
				s.logger.Debug().Err(err).Msg("failed to remove session shadow")
			}
			return nil
		case <-ticker.C:
			if err := s.Write(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("session shadow refresh failed")
			}
		}
	}
}

// Write stores the current session, or removes the hash when no game is
// connected.
func (s *RedisShadow) Write(ctx context.Context) error {
	st := s.snapshot()
	if !st.IsConnected() {
		return s.client.Del(ctx, s.key).Err()
	}

	if err := s.client.HSet(ctx, s.key,
		"id", st.ID,
		"phase", st.Phase.String(),
		"variant", st.Variant.String(),
		"host", st.Host,
		"port", strconv.Itoa(st.Port),
		"hotel", st.Hotel.Code,
		"client", st.ClientIdentifier,
		"connected_at", st.ConnectedAt.UTC().Format(time.RFC3339),
		"updated_at", time.Now().UTC().Format(time.RFC3339),
	).Err(); err != nil {
		return err
	}
	// Expire if we stop refreshing
	return s.client.Expire(ctx, s.key, s.ttl).Err()
}
