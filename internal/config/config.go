// Package config loads the daemon configuration with layered sources:
// built-in defaults, then an optional YAML file, then SMARTSOCKET_*
// environment variables. Precedence: ENV > file > defaults.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"golang.org/x/time/rate"

	"github.com/erblinkqikuu/smartsocket/internal/protocol"
	"github.com/erblinkqikuu/smartsocket/internal/ratelimit"
	"github.com/erblinkqikuu/smartsocket/internal/websocket"
)

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"smartsocket.yaml",
	"smartsocket.yml",
	"/etc/smartsocket/config.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "SMARTSOCKET_CONFIG"

const envPrefix = "SMARTSOCKET_"

// EventLimit is a per-event rate limit override.
type EventLimit struct {
	Window      time.Duration `koanf:"window"`
	MaxRequests int           `koanf:"max_requests"`
}

// Config is the full daemon configuration.
type Config struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	MaxConnections    int           `koanf:"max_connections"`
	ConnectionTimeout time.Duration `koanf:"connection_timeout"`
	AckTimeout        time.Duration `koanf:"ack_timeout"`

	// Namespaces registered at bootstrap, in addition to the root "/".
	Namespaces []string `koanf:"namespaces"`

	Compression CompressionConfig `koanf:"compression"`
	Encryption  EncryptionConfig  `koanf:"encryption"`
	RateLimit   RateLimitConfig   `koanf:"rate_limit"`
	Handshake   HandshakeConfig   `koanf:"handshake"`
	Log         LogConfig         `koanf:"log"`
	Metrics     MetricsConfig     `koanf:"metrics"`
}

type CompressionConfig struct {
	// Threshold is the minimum payload size in bytes before DEFLATE.
	Threshold int `koanf:"threshold"`
	// Level is the DEFLATE level, 1..9.
	Level int `koanf:"level"`
}

type EncryptionConfig struct {
	Enabled bool `koanf:"enabled"`
	// Key is the hex-encoded 32-byte pre-shared AES-256 key.
	Key string `koanf:"key"`
}

type RateLimitConfig struct {
	Enabled     bool                  `koanf:"enabled"`
	Window      time.Duration         `koanf:"window"`
	MaxRequests int                   `koanf:"max_requests"`
	PerEvent    map[string]EventLimit `koanf:"per_event"`
}

type HandshakeConfig struct {
	// PerSecond throttles upgrade attempts server-wide. Zero disables.
	PerSecond float64 `koanf:"per_second"`
	Burst     int     `koanf:"burst"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

func defaultConfig() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              8080,
		MaxConnections:    10000,
		ConnectionTimeout: 60 * time.Second,
		AckTimeout:        30 * time.Second,
		Compression: CompressionConfig{
			Threshold: 1024,
			Level:     6,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			Window:      time.Second,
			MaxRequests: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Load builds the configuration from defaults, the config file at path (or,
// when path is empty, the file named by SMARTSOCKET_CONFIG if it exists,
// else the first existing default path) and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// SMARTSOCKET_RATE_LIMIT_MAX_REQUESTS -> rate_limit.max_requests
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return envKeyToPath(strings.ToLower(strings.TrimPrefix(s, envPrefix)))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKeyToPath maps a lower-cased env suffix to a koanf path. Sections are
// separated from their keys by the first matching section prefix, so
// rate_limit_max_requests becomes rate_limit.max_requests.
func envKeyToPath(key string) string {
	sections := []string{"compression", "encryption", "rate_limit", "handshake", "log", "metrics"}
	for _, section := range sections {
		prefix := section + "_"
		if strings.HasPrefix(key, prefix) {
			return section + "." + strings.TrimPrefix(key, prefix)
		}
	}
	return key
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Compression.Threshold > 0 && (c.Compression.Level < 1 || c.Compression.Level > 9) {
		return fmt.Errorf("compression level %d out of range 1..9", c.Compression.Level)
	}
	if c.Encryption.Enabled {
		key, err := hex.DecodeString(c.Encryption.Key)
		if err != nil {
			return fmt.Errorf("encryption key is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("encryption key is %d bytes, want 32", len(key))
		}
	}
	for _, ns := range c.Namespaces {
		if !strings.HasPrefix(ns, "/") {
			return fmt.Errorf("namespace %q must begin with '/'", ns)
		}
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ServerConfig translates the file-level configuration into the runtime
// server configuration.
func (c *Config) ServerConfig() *websocket.ServerConfig {
	codec := protocol.Options{
		CompressionThreshold: c.Compression.Threshold,
		CompressionLevel:     c.Compression.Level,
	}
	if c.Encryption.Enabled {
		key, _ := hex.DecodeString(c.Encryption.Key) // validated in Validate
		codec.EncryptionKey = key
	}

	rl := &websocket.RateLimitConfig{
		Enabled:     c.RateLimit.Enabled,
		Window:      c.RateLimit.Window,
		MaxRequests: c.RateLimit.MaxRequests,
	}
	if len(c.RateLimit.PerEvent) > 0 {
		rl.PerEvent = make(map[string]ratelimit.Config, len(c.RateLimit.PerEvent))
		for event, limit := range c.RateLimit.PerEvent {
			rl.PerEvent[event] = ratelimit.Config{Window: limit.Window, MaxRequests: limit.MaxRequests}
		}
	}

	return &websocket.ServerConfig{
		Addr:               c.Addr(),
		MaxConnections:     c.MaxConnections,
		ConnectionTimeout:  c.ConnectionTimeout,
		AckTimeout:         c.AckTimeout,
		Codec:              codec,
		RateLimit:          rl,
		HandshakePerSecond: rate.Limit(c.Handshake.PerSecond),
		HandshakeBurst:     c.Handshake.Burst,
	}
}
