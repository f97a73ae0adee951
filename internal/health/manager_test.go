package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geode-project/geode/internal/config"
	"github.com/geode-project/geode/internal/events"
	"github.com/geode-project/geode/internal/request"
	"github.com/geode-project/geode/internal/util"
)

type fakeRuntime struct {
	attached  bool
	lastEvent time.Time
	connected bool
	pending   []request.PendingInfo
}

func (f *fakeRuntime) Attached() bool                         { return f.attached }
func (f *fakeRuntime) LastHostEvent() time.Time               { return f.lastEvent }
func (f *fakeRuntime) GameConnected() bool                    { return f.connected }
func (f *fakeRuntime) PendingRequests() []request.PendingInfo { return f.pending }

func testConfig() config.HealthConfig {
	return config.HealthConfig{IntervalSec: 30, MaxLinkIdleSec: 60, StaleRequestSec: 5, MinFreeDiskMB: 100}
}

func statusOf(t *testing.T, m *Manager, name string) Status {
	t.Helper()
	for _, s := range m.Statuses() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no status for %s", name)
	return Status{}
}

func TestHostLinkCheck(t *testing.T) {
	rt := &fakeRuntime{}
	bus := events.NewEventBus()
	defer bus.Stop()
	m := NewManager(testConfig(), bus, rt, "")

	m.RunOnce(context.Background())
	assert.False(t, statusOf(t, m, CheckHostLink).Healthy)
	assert.False(t, m.Healthy())

	rt.attached = true
	rt.lastEvent = time.Now().Add(-2 * time.Minute)
	m.RunOnce(context.Background())
	assert.True(t, statusOf(t, m, CheckHostLink).Healthy, "idle is fine without a game")

	rt.connected = true
	m.RunOnce(context.Background())
	assert.False(t, statusOf(t, m, CheckHostLink).Healthy)

	rt.lastEvent = time.Now()
	m.RunOnce(context.Background())
	assert.True(t, m.Healthy())
}

func TestPendingRequestCheck(t *testing.T) {
	rt := &fakeRuntime{attached: true, lastEvent: time.Now()}
	m := NewManager(testConfig(), events.NewEventBus(), rt, "")

	rt.pending = []request.PendingInfo{{ID: 1, Expect: "In.UserData", Age: time.Second}}
	m.RunOnce(context.Background())
	assert.True(t, statusOf(t, m, CheckRequests).Healthy)

	rt.pending = append(rt.pending, request.PendingInfo{ID: 2, Expect: "In.UserData", Age: time.Minute})
	m.RunOnce(context.Background())
	st := statusOf(t, m, CheckRequests)
	assert.False(t, st.Healthy)
	assert.Contains(t, st.Message, "1 of 2")
}

func TestDiskCheck(t *testing.T) {
	rt := &fakeRuntime{attached: true, lastEvent: time.Now()}
	m := NewManager(testConfig(), events.NewEventBus(), rt, "/data")

	free := uint64(500)
	m.diskFn = func(path string) (*util.DiskUsage, error) {
		assert.Equal(t, "/data", path)
		return &util.DiskUsage{Path: path, TotalMB: 1000, FreeMB: free, UsedPercent: 50}, nil
	}
	m.RunOnce(context.Background())
	assert.True(t, statusOf(t, m, CheckDisk).Healthy)

	free = 10
	m.RunOnce(context.Background())
	assert.False(t, statusOf(t, m, CheckDisk).Healthy)

	m.diskFn = func(string) (*util.DiskUsage, error) { return nil, errors.New("no such device") }
	m.RunOnce(context.Background())
	assert.Equal(t, "no such device", statusOf(t, m, CheckDisk).Message)
}

func TestHealthChangesAreAnnounced(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	changes := make(chan events.HealthPayload, 10)
	bus.Subscribe(events.EventHealthChanged, "test", func(_ context.Context, e events.Event) error {
		changes <- e.Payload.(events.HealthPayload)
		return nil
	})

	rt := &fakeRuntime{}
	m := NewManager(testConfig(), bus, rt, "")

	m.RunOnce(context.Background())
	m.RunOnce(context.Background())
	rt.attached = true
	rt.lastEvent = time.Now()
	m.RunOnce(context.Background())

	var got []events.HealthPayload
	require.Eventually(t, func() bool {
		for {
			select {
			case p := <-changes:
				got = append(got, p)
			default:
				return len(got) == 3
			}
		}
	}, time.Second, 5*time.Millisecond)

	// First results for both checks, then the host link recovering.
	var link []bool
	for _, p := range got {
		if p.Check == CheckHostLink {
			link = append(link, p.Healthy)
		}
	}
	assert.Equal(t, []bool{false, true}, link)
}
