// Package config handles configuration loading, validation, and persistence
// for Geode.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir   = "config"
	DefaultConfigFile  = "config.json"
	DefaultHostAddress = "127.0.0.1:9092"
	DefaultAPIPort     = 5080

	// ConfigDirEnv overrides the configuration directory.
	ConfigDirEnv = "GEODE_CONFIG_DIR"
)

// Config is the root configuration structure for Geode.
type Config struct {
	mu   sync.RWMutex
	path string

	Extension ExtensionConfig `json:"extension"`
	Host      HostConfig      `json:"host"`
	Messages  MessagesConfig  `json:"messages"`
	Requests  RequestsConfig  `json:"requests"`
	Logging   LoggingConfig   `json:"logging"`
	API       APIConfig       `json:"api"`
	Capture   CaptureConfig   `json:"capture"`
	MQTT      MQTTConfig      `json:"mqtt"`
	NATS      NATSConfig      `json:"nats"`
	Redis     RedisConfig     `json:"redis"`
	Health    HealthConfig    `json:"health"`
	Features  FeaturesConfig  `json:"features"`
}

// ExtensionConfig describes the extension to the host.
type ExtensionConfig struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Author      string `json:"author"`
	Version     string `json:"version"`
	UseClick    bool   `json:"use_click"`
	CanLeave    bool   `json:"can_leave"`
	CanDelete   bool   `json:"can_delete"`
}

// HostConfig holds the host link settings.
type HostConfig struct {
	Address           string `json:"address"`
	ReconnectDelaySec int    `json:"reconnect_delay_sec"`
	// ReadTimeoutSec bounds the wait for the next host message; 0 waits forever.
	ReadTimeoutSec int `json:"read_timeout_sec"`
	DialTimeoutSec int `json:"dial_timeout_sec"`
}

// MessagesConfig selects the message table.
type MessagesConfig struct {
	// File is a YAML message table; empty uses the embedded table.
	File string `json:"file"`
}

// RequestsConfig holds request/response settings.
type RequestsConfig struct {
	TimeoutSec int `json:"timeout_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
	NoColor    bool   `json:"no_color"`
}

// APIConfig holds the local HTTP API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Address        string   `json:"address"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	AllowSend      bool     `json:"allow_send"`
	// TLS serves HTTPS; a self-signed pair is generated when the files are
	// missing.
	TLS      bool   `json:"tls"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// CaptureConfig holds the packet capture log settings.
type CaptureConfig struct {
	Enabled          bool   `json:"enabled"`
	Path             string `json:"path"`
	RetentionHours   int    `json:"retention_hours"`
	PruneIntervalSec int    `json:"prune_interval_sec"`
	StatsIntervalSec int    `json:"stats_interval_sec"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled          bool   `json:"enabled"`
	BrokerURL        string `json:"broker_url"`
	Port             int    `json:"port"`
	UseTLS           bool   `json:"use_tls"`
	CertFile         string `json:"cert_file"`
	KeyFile          string `json:"key_file"`
	CAFile           string `json:"ca_file"`
	ClientID         string `json:"client_id"`
	TopicPrefix      string `json:"topic_prefix"`
	StatsIntervalSec int    `json:"stats_interval_sec"`
}

// NATSConfig holds the NATS relay settings.
type NATSConfig struct {
	Enabled   bool   `json:"enabled"`
	URL       string `json:"url"`
	Prefix    string `json:"prefix"`
	AllowSend bool   `json:"allow_send"`
}

// RedisConfig holds the Redis session shadow settings.
type RedisConfig struct {
	Enabled    bool   `json:"enabled"`
	Addr       string `json:"addr"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	Prefix     string `json:"prefix"`
	TTLSec     int    `json:"ttl_sec"`
	RefreshSec int    `json:"refresh_sec"`
}

// HealthConfig holds health check thresholds.
type HealthConfig struct {
	IntervalSec     int    `json:"interval_sec"`
	MaxLinkIdleSec  int    `json:"max_link_idle_sec"`
	StaleRequestSec int    `json:"stale_request_sec"`
	MinFreeDiskMB   uint64 `json:"min_free_disk_mb"`
}

// Replacement rewrites From to To in incoming chat. Rules apply in order, so
// a later rule sees the output of earlier ones.
type Replacement struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// FeaturesConfig toggles the bundled handlers.
type FeaturesConfig struct {
	PingPong        bool          `json:"ping_pong"`
	ChatFilter      bool          `json:"chat_filter"`
	BlockWords      []string      `json:"block_words"`
	Replacements    []Replacement `json:"replacements"`
	Commands        bool          `json:"commands"`
	RequestUserData bool          `json:"request_user_data"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Extension: ExtensionConfig{
			Name:        "Geode",
			Description: "Packet interception runtime",
			Author:      "geode",
			Version:     "1.0.0",
			UseClick:    true,
			CanLeave:    true,
			CanDelete:   true,
		},
		Host: HostConfig{
			Address:           DefaultHostAddress,
			ReconnectDelaySec: 5,
			DialTimeoutSec:    10,
		},
		Requests: RequestsConfig{
			TimeoutSec: 10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			Console:    true,
		},
		API: APIConfig{
			Enabled:        true,
			Address:        "127.0.0.1",
			Port:           DefaultAPIPort,
			AllowedOrigins: []string{"http://localhost"},
			RateLimitRPS:   50,
			AllowSend:      true,
			CertFile:       filepath.Join(DefaultConfigDir, "tls", "api.crt"),
			KeyFile:        filepath.Join(DefaultConfigDir, "tls", "api.key"),
		},
		Capture: CaptureConfig{
			Enabled:          true,
			Path:             filepath.Join("data", "captures.db"),
			RetentionHours:   24,
			PruneIntervalSec: 600,
			StatsIntervalSec: 300,
		},
		MQTT: MQTTConfig{
			BrokerURL:        "localhost",
			Port:             1883,
			TopicPrefix:      "geode",
			StatsIntervalSec: 60,
		},
		NATS: NATSConfig{
			URL:    "nats://127.0.0.1:4222",
			Prefix: "geode",
		},
		Redis: RedisConfig{
			Addr:       "127.0.0.1:6379",
			Prefix:     "geode",
			TTLSec:     120,
			RefreshSec: 30,
		},
		Health: HealthConfig{
			IntervalSec:     30,
			MaxLinkIdleSec:  300,
			StaleRequestSec: 30,
			MinFreeDiskMB:   256,
		},
		Features: FeaturesConfig{
			PingPong:        true,
			ChatFilter:      true,
			BlockWords:      []string{"block"},
			Replacements:    []Replacement{{From: "apple", To: "orange"}},
			Commands:        true,
			RequestUserData: true,
		},
	}
}

// Dir returns the configuration directory, honoring GEODE_CONFIG_DIR.
func Dir() string {
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		return dir
	}
	return DefaultConfigDir
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	// Create a default config on first run
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// Overlay the file onto defaults
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist options added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Ensure directory exists
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetFeatures returns a copy of the feature toggles.
func (c *Config) GetFeatures() FeaturesConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f := c.Features
	f.BlockWords = append([]string(nil), f.BlockWords...)
	f.Replacements = append([]Replacement(nil), f.Replacements...)
	return f
}

// SetFeatures updates the feature toggles.
func (c *Config) SetFeatures(f FeaturesConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Features = f
}

// GetExtension returns a copy of the extension description.
func (c *Config) GetExtension() ExtensionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Extension
}

// UpdateField sets one key of a section, e.g. UpdateField("api", "port", 6000).
func (c *Config) UpdateField(section, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	root := make(map[string]map[string]interface{})
	if err := json.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to map config: %w", err)
	}

	sec, ok := root[section]
	if !ok {
		return fmt.Errorf("unknown config section %q", section)
	}
	if _, ok := sec[key]; !ok {
		return fmt.Errorf("unknown field %s.%s", section, key)
	}
	sec[key] = value

	updated, _ := json.Marshal(root)
	if err := json.Unmarshal(updated, c); err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// Seconds converts a seconds setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
