// Package health runs periodic checks on the host link, pending requests
// and the capture disk, and announces state changes on the event bus.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/geode-project/geode/internal/config"
	"github.com/geode-project/geode/internal/events"
	"github.com/geode-project/geode/internal/request"
	"github.com/geode-project/geode/internal/util"
)

// Check names.
const (
	CheckHostLink = "host_link"
	CheckRequests = "pending_requests"
	CheckDisk     = "disk_space"
)

// Runtime is what the checks inspect.
type Runtime interface {
	Attached() bool
	LastHostEvent() time.Time
	GameConnected() bool
	PendingRequests() []request.PendingInfo
}

// Status is the latest result of one check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message"`
	CheckedAt time.Time `json:"checked_at"`
}

type check struct {
	name string
	fn   func(ctx context.Context) (bool, string)
}

// DiskUsageFunc reports disk usage for a path.
type DiskUsageFunc func(path string) (*util.DiskUsage, error)

// Manager runs health checks on an interval.
type Manager struct {
	cfg      config.HealthConfig
	eventBus *events.EventBus
	runtime  Runtime
	diskPath string
	diskFn   DiskUsageFunc
	logger   zerolog.Logger

	checks []check

	mu       sync.RWMutex
	statuses map[string]Status
}

// NewManager creates a health manager. diskPath is the directory whose
// filesystem the disk check watches; empty disables the check.
func NewManager(cfg config.HealthConfig, eventBus *events.EventBus, runtime Runtime, diskPath string) *Manager {
	m := &Manager{
		cfg:      cfg,
		eventBus: eventBus,
		runtime:  runtime,
		diskPath: diskPath,
		diskFn:   util.GetDiskUsage,
		logger:   util.ComponentLogger("health"),
		statuses: make(map[string]Status),
	}
	m.checks = []check{
		{CheckHostLink, m.checkHostLink},
		{CheckRequests, m.checkRequests},
	}
	if diskPath != "" {
		m.checks = append(m.checks, check{CheckDisk, m.checkDisk})
	}
	return m
}

// Start runs every check immediately and then on each tick until ctx ends.
func (m *Manager) Start(ctx context.Context) {
	interval := config.Seconds(m.cfg.IntervalSec)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Int("checks", len(m.checks)).Dur("interval", interval).Msg("health check manager started")
	// Run immediately on start
	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health check manager stopped")
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check once.
func (m *Manager) RunOnce(ctx context.Context) {
	for _, c := range m.checks {
		healthy, msg := c.fn(ctx)
		m.record(ctx, c.name, healthy, msg)
	}
}

func (m *Manager) record(ctx context.Context, name string, healthy bool, msg string) {
	now := Status{Name: name, Healthy: healthy, Message: msg, CheckedAt: time.Now()}

	m.mu.Lock()
	prev, seen := m.statuses[name]
	m.statuses[name] = now
	m.mu.Unlock()

	// Only transitions are logged and emitted
	if seen && prev.Healthy == healthy {
		return
	}

	ev := m.logger.Info()
	if !healthy {
		ev = m.logger.Warn()
	}
	ev.Str("check", name).Bool("healthy", healthy).Msg(msg)

	m.eventBus.Emit(ctx, events.NewEvent(events.EventHealthChanged, "health", events.HealthPayload{
		Check:   name,
		Healthy: healthy,
		Message: msg,
	}))
}

// Statuses returns the latest result of every check, sorted by name.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every check last passed.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// checkHostLink fails while detached, or while a game is connected and the
// host has gone quiet for longer than the idle limit.
func (m *Manager) checkHostLink(ctx context.Context) (bool, string) {
	if !m.runtime.Attached() {
		return false, "not attached to host"
	}
	idle := time.Since(m.runtime.LastHostEvent()).Truncate(time.Second)
	limit := config.Seconds(m.cfg.MaxLinkIdleSec)
	if limit > 0 && m.runtime.GameConnected() && idle > limit {
		return false, fmt.Sprintf("host silent for %s with a game connected", idle)
	}
	return true, fmt.Sprintf("attached, last event %s ago", idle)
}

func (m *Manager) checkRequests(ctx context.Context) (bool, string) {
	pending := m.runtime.PendingRequests()
	limit := config.Seconds(m.cfg.StaleRequestSec)

	stale := 0
	var oldest time.Duration
	for _, p := range pending {
		if p.Age > oldest {
			oldest = p.Age
		}
		if p.Age > limit {
			stale++
		}
	}
	if stale > 0 {
		return false, fmt.Sprintf("%d of %d requests waiting longer than %s (oldest %s)",
			stale, len(pending), limit, oldest.Truncate(time.Millisecond))
	}
	return true, fmt.Sprintf("%d requests pending", len(pending))
}

func (m *Manager) checkDisk(ctx context.Context) (bool, string) {
	usage, err := m.diskFn(m.diskPath)
	if err != nil {
		return false, err.Error()
	}
	msg := fmt.Sprintf("%d MB free of %d MB (%.1f%% used)", usage.FreeMB, usage.TotalMB, usage.UsedPercent)
	// Check against threshold
	if usage.FreeMB < m.cfg.MinFreeDiskMB {
		return false, msg
	}
	return true, msg
}
