// Package telemetry publishes session lifecycle and dispatch statistics to
// an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/geode-project/geode/internal/config"
	"github.com/geode-project/geode/internal/events"
	"github.com/geode-project/geode/internal/intercept"
	"github.com/geode-project/geode/internal/util"
)

// Topic suffixes below the configured prefix.
const (
	TopicLifecycle = "lifecycle"
	TopicStats     = "stats"
	TopicHealth    = "health"
	TopicAdmin     = "admin"
)

// StatsFunc reports the current dispatch counters.
type StatsFunc func() intercept.Stats

// MQTTHandler manages the MQTT connection and publishes telemetry events.
type MQTTHandler struct {
	mu sync.Mutex

	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	stats    StatsFunc
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
	last     intercept.Stats
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus, stats StatsFunc, version string) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("geode-%s", sysInfo.Hostname))
	}

	// Connection behavior
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	// TLS setup
	if cfg.UseTLS {
		tlsConfig, err := tlsConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	logger := util.ComponentLogger("telemetry")
	// Connection callbacks
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	return newHandler(cfg, eventBus, mqtt.NewClient(opts), stats, metadata(sysInfo, version)), nil
}

func newHandler(cfg config.MQTTConfig, eventBus *events.EventBus, client mqtt.Client, stats StatsFunc, meta map[string]interface{}) *MQTTHandler {
	return &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		client:   client,
		stats:    stats,
		logger:   util.ComponentLogger("telemetry"),
		metadata: meta,
	}
}

func metadata(info util.SystemInfo, version string) map[string]interface{} {
	return map[string]interface{}{
		"hostname":    info.Hostname,
		"os":          info.OS,
		"arch":        info.Architecture,
		"cpu_model":   info.CPUModel,
		"cpu_cores":   info.CPUCores,
		"memory_mb":   info.TotalMemory,
		"app_version": version,
	}
}

func tlsConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	// Custom CA for self-hosted brokers
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// Start connects to the broker, publishes until ctx ends, then disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	// Connect to broker
	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	defer h.unsubscribeEvents()

	// Periodic stats
	interval := config.Seconds(h.cfg.StatsIntervalSec)
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.PublishShutdown()
			h.client.Disconnect(5000)
			h.logger.Info().Msg("MQTT disconnected")
			return nil
		case <-ticker.C:
			h.PublishStats()
		}
	}
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.SubscribeMany(events.LifecycleEvents(), "mqtt.lifecycle", h.onLifecycle)
	h.eventBus.SubscribeMany([]events.EventType{events.EventLinkUp, events.EventLinkDown}, "mqtt.link", h.onLifecycle)
	h.eventBus.Subscribe(events.EventHealthChanged, "mqtt.health", h.onHealth)
}

func (h *MQTTHandler) unsubscribeEvents() {
	for _, t := range append(events.LifecycleEvents(), events.EventLinkUp, events.EventLinkDown) {
		h.eventBus.Unsubscribe(t, "mqtt.lifecycle")
		h.eventBus.Unsubscribe(t, "mqtt.link")
	}
	h.eventBus.Unsubscribe(events.EventHealthChanged, "mqtt.health")
}

func (h *MQTTHandler) topic(suffix string) string {
	prefix := h.cfg.TopicPrefix
	if prefix == "" {
		prefix = "geode"
	}
	return prefix + "/" + suffix
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(suffix string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	topic := h.topic(suffix)
	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	// QoS 1, not retained
	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) onLifecycle(ctx context.Context, event events.Event) error {
	h.publish(TopicLifecycle, map[string]interface{}{
		"event":   string(event.Type),
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onHealth(ctx context.Context, event events.Event) error {
	h.publish(TopicHealth, event.Payload)
	return nil
}

// PublishStats publishes cumulative dispatch counters and the change since
// the previous publication.
func (h *MQTTHandler) PublishStats() {
	if h.stats == nil {
		return
	}
	cur := h.stats()

	h.mu.Lock()
	prev := h.last
	h.last = cur
	h.mu.Unlock()

	h.publish(TopicStats, map[string]interface{}{
		"total": cur,
		"delta": intercept.Stats{
			Dispatched: cur.Dispatched - prev.Dispatched,
			Forwarded:  cur.Forwarded - prev.Forwarded,
			Modified:   cur.Modified - prev.Modified,
			Blocked:    cur.Blocked - prev.Blocked,
			Unknown:    cur.Unknown - prev.Unknown,
			DecodeErrs: cur.DecodeErrs - prev.DecodeErrs,
			Faults:     cur.Faults - prev.Faults,
		},
	})
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicAdmin, map[string]interface{}{
		"event": "shutdown",
	})
}
