package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geode-project/geode/internal/config"
	"github.com/geode-project/geode/internal/events"
	"github.com/geode-project/geode/internal/intercept"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic string
	body  map[string]interface{}
}

// fakeClient records publications. Methods the handler never calls are
// left to the embedded nil interface.
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	connected bool
	messages  []published
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body map[string]interface{}
	_ = json.Unmarshal(payload.([]byte), &body)
	c.mu.Lock()
	c.messages = append(c.messages, published{topic: topic, body: body})
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeClient) published() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

func (c *fakeClient) topics() []string {
	var out []string
	for _, m := range c.published() {
		out = append(out, m.topic)
	}
	return out
}

func TestDisabledHandler(t *testing.T) {
	_, err := NewMQTTHandler(config.MQTTConfig{}, events.NewEventBus(), nil, "1.0")
	assert.Error(t, err)
}

func TestPublishesLifecycleAndShutdown(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	client := &fakeClient{}
	h := newHandler(config.MQTTConfig{TopicPrefix: "test", StatsIntervalSec: 3600}, bus, client, nil,
		map[string]interface{}{"hostname": "box"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()

	require.Eventually(t, func() bool {
		return bus.HandlerCount(events.EventGameConnected) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, bus.EmitSync(ctx, events.NewEvent(events.EventGameConnected, "test",
		events.ConnectedPayload{SessionID: "s1", Host: "game-us.habbo.com"})))

	require.Eventually(t, func() bool { return len(client.published()) == 1 }, time.Second, time.Millisecond)
	msg := client.published()[0]
	assert.Equal(t, "test/lifecycle", msg.topic)
	assert.Equal(t, "box", msg.body["hostname"])
	payload := msg.body["payload"].(map[string]interface{})
	assert.Equal(t, string(events.EventGameConnected), payload["event"])

	cancel()
	require.NoError(t, <-done)
	assert.Contains(t, client.topics(), "test/admin")
	assert.False(t, client.IsConnected())
	assert.Zero(t, bus.HandlerCount(events.EventGameConnected))
}

func TestPublishStatsReportsDelta(t *testing.T) {
	client := &fakeClient{connected: true}
	stats := intercept.Stats{Dispatched: 10, Blocked: 2}
	h := newHandler(config.MQTTConfig{}, events.NewEventBus(), client,
		func() intercept.Stats { return stats }, nil)

	h.PublishStats()
	stats = intercept.Stats{Dispatched: 15, Blocked: 3}
	h.PublishStats()

	msgs := client.published()
	require.Len(t, msgs, 2)
	assert.Equal(t, "geode/stats", msgs[1].topic)
	payload := msgs[1].body["payload"].(map[string]interface{})
	delta := payload["delta"].(map[string]interface{})
	assert.Equal(t, float64(5), delta["dispatched"])
	assert.Equal(t, float64(1), delta["blocked"])
	total := payload["total"].(map[string]interface{})
	assert.Equal(t, float64(15), total["dispatched"])
}

func TestPublishSkippedWhileDisconnected(t *testing.T) {
	client := &fakeClient{}
	h := newHandler(config.MQTTConfig{}, events.NewEventBus(), client, nil, nil)
	h.PublishShutdown()
	assert.Empty(t, client.published())
}
