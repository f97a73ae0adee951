package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geode-project/geode/internal/capture"
	"github.com/geode-project/geode/internal/config"
	"github.com/geode-project/geode/internal/intercept"
)

type fakeStore struct {
	prunes    atomic.Int32
	retention atomic.Int64
}

func (f *fakeStore) Prune(olderThan time.Duration) (int64, error) {
	f.prunes.Add(1)
	f.retention.Store(int64(olderThan))
	return 3, nil
}

func (f *fakeStore) Stats() (capture.Stats, error) {
	return capture.Stats{Total: 10, CompressedBytes: 2048}, nil
}

func TestPruneUsesRetention(t *testing.T) {
	store := &fakeStore{}
	s := NewScheduler(config.CaptureConfig{RetentionHours: 6}, store, nil)
	s.PruneCaptures()
	assert.Equal(t, int32(1), store.prunes.Load())
	assert.Equal(t, int64(6*time.Hour), store.retention.Load())
}

func TestStartRunsTasksUntilCancelled(t *testing.T) {
	store := &fakeStore{}
	var statsCalls atomic.Int32
	s := NewScheduler(config.CaptureConfig{RetentionHours: 1, PruneIntervalSec: 1, StatsIntervalSec: 1}, store,
		func() intercept.Stats {
			statsCalls.Add(1)
			return intercept.Stats{Dispatched: 1}
		})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return store.prunes.Load() > 0 && statsCalls.Load() > 0
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "2.00 KB", formatBytes(2048))
	assert.Equal(t, "1.50 MB", formatBytes(1536*1024))
	assert.Equal(t, "1.00 GB", formatBytes(1<<30))
}
