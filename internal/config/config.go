// Package config handles relay configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of tokens that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"super-secret-token": true,
	"changeme":           true,
	"secret":             true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as the shared auth token.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level relay configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Upstream UpstreamConfig `json:"upstream"`
	Auth     AuthConfig     `json:"auth"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig defines the client-facing listener settings. The ops API and
// the client WebSocket endpoint share this listener.
type ServerConfig struct {
	Addr            string   `json:"addr"`                       // e.g. ":8765"
	TLSCert         string   `json:"tls_cert,omitempty"`
	TLSKey          string   `json:"tls_key,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`  // WebSocket origin check; default ["*"]
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max WebSocket frame from clients; default 256KB
}

// UpstreamConfig defines how the relay reaches the upstream backend.
type UpstreamConfig struct {
	// Mode is "listen" (the backend connects to Addr) or "dial" (the relay
	// dials URL with reconnect backoff). Default "listen".
	Mode string `json:"mode,omitempty"`
	Addr string `json:"addr,omitempty"` // e.g. ":8000", listen mode
	URL  string `json:"url,omitempty"`  // e.g. "ws://localhost:8000/ws", dial mode

	ReconnectInterval Duration `json:"reconnect_interval,omitempty"` // dial mode backoff; default 5s
	DecisionTimeout   Duration `json:"decision_timeout,omitempty"`   // reply window; default 8s
	// FallbackAction is the neutral action forwarded upstream when no valid
	// reply arrives in time. Empty means "no action".
	FallbackAction string `json:"fallback_action,omitempty"`
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	// Token is the shared secret every registration must present.
	Token string `json:"token"`
	// APITokenLifetime bounds JWTs minted for the ops API; default 1h.
	APITokenLifetime Duration `json:"api_token_lifetime,omitempty"`
}

// StorageConfig defines the durable queue store.
type StorageConfig struct {
	Driver        string   `json:"driver"`                   // "sqlite" (default) or "postgres"
	DSN           string   `json:"dsn"`                      // e.g. "chorus.db" or a postgres URL
	RetryInterval Duration `json:"retry_interval,omitempty"` // redelivery tick; default 5s
	MaxAge        Duration `json:"max_age,omitempty"`        // drop entries older than this; default 24h
	MaxAttempts   int      `json:"max_attempts,omitempty"`   // drop entries retried this often; default 2160
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration. It accepts Go duration strings
// ("5s") and bare numbers (seconds).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8765"
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 256 * 1024
	}
	if c.Upstream.Mode == "" {
		c.Upstream.Mode = "listen"
	}
	if c.Upstream.Addr == "" {
		c.Upstream.Addr = ":8000"
	}
	if c.Upstream.ReconnectInterval.Duration == 0 {
		c.Upstream.ReconnectInterval.Duration = 5 * time.Second
	}
	if c.Upstream.DecisionTimeout.Duration == 0 {
		c.Upstream.DecisionTimeout.Duration = 8 * time.Second
	}
	if c.Auth.APITokenLifetime.Duration == 0 {
		c.Auth.APITokenLifetime.Duration = time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "chorus.db"
	}
	if c.Storage.RetryInterval.Duration == 0 {
		c.Storage.RetryInterval.Duration = 5 * time.Second
	}
	if c.Storage.MaxAge.Duration == 0 {
		c.Storage.MaxAge.Duration = 24 * time.Hour
	}
	if c.Storage.MaxAttempts == 0 {
		c.Storage.MaxAttempts = 2160
	}
}

// Validate checks the configuration for fatal mistakes.
func (c *Config) Validate() error {
	if c.Auth.Token == "" {
		return fmt.Errorf("auth.token is required")
	}
	if knownWeakSecrets[c.Auth.Token] {
		return fmt.Errorf("auth.token is a known weak secret; generate one with 'chorus init'")
	}
	switch c.Upstream.Mode {
	case "listen":
		if c.Upstream.Addr == "" {
			return fmt.Errorf("upstream.addr is required in listen mode")
		}
	case "dial":
		if c.Upstream.URL == "" {
			return fmt.Errorf("upstream.url is required in dial mode")
		}
	default:
		return fmt.Errorf("upstream.mode must be \"listen\" or \"dial\", got %q", c.Upstream.Mode)
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be \"sqlite\" or \"postgres\", got %q", c.Storage.Driver)
	}
	return nil
}

// Default returns a configuration suitable for writing by 'chorus init'.
func Default(token string) *Config {
	cfg := &Config{
		Auth:    AuthConfig{Token: token},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
	cfg.applyDefaults()
	return cfg
}
