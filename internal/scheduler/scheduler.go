// Package scheduler runs periodic maintenance: capture retention and a
// dispatch statistics log line.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/geode-project/geode/internal/capture"
	"github.com/geode-project/geode/internal/config"
	"github.com/geode-project/geode/internal/intercept"
	"github.com/geode-project/geode/internal/util"
)

// Pruner deletes captures older than a cutoff.
type Pruner interface {
	Prune(olderThan time.Duration) (int64, error)
	Stats() (capture.Stats, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    config.CaptureConfig
	store  Pruner
	stats  func() intercept.Stats
	logger zerolog.Logger
}

// NewScheduler creates a task scheduler. store may be nil when capture is
// disabled.
func NewScheduler(cfg config.CaptureConfig, store Pruner, stats func() intercept.Stats) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		stats:  stats,
		logger: util.ComponentLogger("scheduler"),
	}
}

type task struct {
	name     string
	interval time.Duration
	fn       func()
}

// Start runs every task on its own ticker until ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	var tasks []task
	if s.store != nil {
		tasks = append(tasks, task{"capture_prune", config.Seconds(s.cfg.PruneIntervalSec), s.PruneCaptures})
	}
	if s.stats != nil {
		tasks = append(tasks, task{"dispatch_stats", config.Seconds(s.cfg.StatsIntervalSec), s.LogStats})
	}

	// Zero interval disables a task
	running := 0
	for _, t := range tasks {
		if t.interval <= 0 {
			continue
		}
		running++
		go s.loop(ctx, t)
	}

	s.logger.Info().Int("tasks", running).Msg("scheduler started")
	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Trace().Str("task", t.name).Msg("running task")
			t.fn()
		}
	}
}

// PruneCaptures removes captures past the retention window.
func (s *Scheduler) PruneCaptures() {
	retention := time.Duration(s.cfg.RetentionHours) * time.Hour
	deleted, err := s.store.Prune(retention)
	if err != nil {
		s.logger.Warn().Err(err).Msg("capture prune failed")
		return
	}
	if deleted > 0 {
		s.logger.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("pruned old captures")
	}
}

// LogStats writes one line with the dispatch counters and capture size.
func (s *Scheduler) LogStats() {
	st := s.stats()
	ev := s.logger.Info().
		Uint64("dispatched", st.Dispatched).
		Uint64("modified", st.Modified).
		Uint64("blocked", st.Blocked).
		Uint64("unknown", st.Unknown).
		Uint64("faults", st.Faults)

	// Capture size only when capture is on
	if s.store != nil {
		if cs, err := s.store.Stats(); err == nil {
			ev = ev.Int64("captured", cs.Total).Str("capture_size", formatBytes(cs.CompressedBytes))
		}
	}
	ev.Msg("dispatch stats")
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
