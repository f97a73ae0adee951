package config

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateExtension(&cfg.Extension, result)
	validateHost(&cfg.Host, result)
	validateRuntime(cfg, result)
	validateAPI(&cfg.API, result)
	validateCapture(&cfg.Capture, result)
	validateMQTT(&cfg.MQTT, result)
	validateRelay(&cfg.NATS, &cfg.Redis, result)
	validateHealth(&cfg.Health, result)

	return result
}

func validateExtension(ext *ExtensionConfig, result *ValidationResult) {
	if strings.TrimSpace(ext.Name) == "" {
		result.AddError("extension.name", "extension name is required")
	}
	if strings.TrimSpace(ext.Version) == "" {
		result.AddWarning("extension.version", "extension version is empty")
	}
}

func validateHost(host *HostConfig, result *ValidationResult) {
	if _, port, err := net.SplitHostPort(host.Address); err != nil {
		result.AddError("host.address", fmt.Sprintf("invalid host address %q: %v", host.Address, err))
	} else if port == "" {
		result.AddError("host.address", "host port is required")
	}

	if host.ReconnectDelaySec < 1 {
		result.AddError("host.reconnect_delay_sec", "reconnect delay must be at least 1 second")
	}
	if host.ReadTimeoutSec < 0 {
		result.AddError("host.read_timeout_sec", "read timeout cannot be negative")
	}
	if host.DialTimeoutSec < 1 {
		result.AddWarning("host.dial_timeout_sec", "dial timeout below 1 second, dials will fail fast")
	}
}

func validateRuntime(cfg *Config, result *ValidationResult) {
	if cfg.Requests.TimeoutSec < 1 {
		result.AddError("requests.timeout_sec", "request timeout must be at least 1 second")
	}

	// Empty means the embedded table
	if cfg.Messages.File != "" {
		switch strings.ToLower(filepath.Ext(cfg.Messages.File)) {
		case ".yaml", ".yml":
		default:
			result.AddWarning("messages.file", "message table is expected to be a YAML file")
		}
	}

	if _, err := zerolog.ParseLevel(cfg.Logging.Level); err != nil {
		result.AddError("logging.level", fmt.Sprintf("unknown log level %q", cfg.Logging.Level))
	}
}

func validateAPI(api *APIConfig, result *ValidationResult) {
	if !api.Enabled {
		return
	}
	validatePort(api.Port, "api.port", result)

	// Listen address
	if ip := net.ParseIP(api.Address); ip == nil && api.Address != "localhost" {
		result.AddError("api.address", fmt.Sprintf("invalid listen address %q", api.Address))
	} else if ip != nil && !ip.IsLoopback() {
		result.AddWarning("api.address", "API listens beyond loopback and has no authentication")
	}

	if api.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps", "rate limit is disabled (0 RPS)")
	}
	// TLS needs both files; they are generated if missing
	if api.TLS && (strings.TrimSpace(api.CertFile) == "" || strings.TrimSpace(api.KeyFile) == "") {
		result.AddError("api.tls", "cert_file and key_file are required when TLS is enabled")
	}
}

func validateCapture(c *CaptureConfig, result *ValidationResult) {
	if !c.Enabled {
		return
	}
	if strings.TrimSpace(c.Path) == "" {
		result.AddError("capture.path", "capture database path is required when enabled")
	}
	if c.RetentionHours < 1 {
		result.AddError("capture.retention_hours", "retention must be at least 1 hour")
	}
	if c.PruneIntervalSec < 60 {
		result.AddWarning("capture.prune_interval_sec", "prune interval below 60s causes needless database churn")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	// Client certificate is optional but must be complete
	if m.UseTLS && (m.CertFile == "") != (m.KeyFile == "") {
		result.AddError("mqtt.cert_file", "client certificate and key must be set together")
	}
	if m.StatsIntervalSec < 10 {
		result.AddWarning("mqtt.stats_interval_sec", "stats interval less than 10s may cause excessive traffic")
	}
}

func validateRelay(n *NATSConfig, r *RedisConfig, result *ValidationResult) {
	if n.Enabled {
		if u, err := url.Parse(n.URL); err != nil || u.Host == "" {
			result.AddError("nats.url", fmt.Sprintf("invalid NATS URL %q", n.URL))
		}
		// Wildcards would subscribe instead of publish
		if strings.ContainsAny(n.Prefix, " *>") || n.Prefix == "" {
			result.AddError("nats.prefix", "subject prefix must be a non-empty literal token")
		}
	}

	if r.Enabled {
		if _, _, err := net.SplitHostPort(r.Addr); err != nil {
			result.AddError("redis.addr", fmt.Sprintf("invalid Redis address %q", r.Addr))
		}
		if r.TTLSec < 1 {
			result.AddError("redis.ttl_sec", "session TTL must be at least 1 second")
		}
		if r.RefreshSec >= r.TTLSec {
			result.AddWarning("redis.refresh_sec", "refresh interval should be shorter than the TTL")
		}
	}
}

func validateHealth(h *HealthConfig, result *ValidationResult) {
	if h.IntervalSec < 5 {
		result.AddWarning("health.interval_sec", "health interval less than 5s may cause excessive checks")
	}
	if h.StaleRequestSec < 1 {
		result.AddError("health.stale_request_sec", "stale request threshold must be at least 1 second")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(address string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(address, fmt.Sprint(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
