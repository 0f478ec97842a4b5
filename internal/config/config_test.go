package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaults: loading with no file and no env yields the built-in
// defaults.
func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Port)
	}
	if cfg.Compression.Threshold != 1024 || cfg.Compression.Level != 6 {
		t.Errorf("compression = %+v", cfg.Compression)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.MaxRequests != 100 {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
	if cfg.AckTimeout != 30*time.Second {
		t.Errorf("ack timeout = %v, want 30s", cfg.AckTimeout)
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("addr = %q", cfg.Addr())
	}
}

// TestFileOverridesDefaults: a YAML file layers over the defaults.
func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smartsocket.yaml")
	content := strings.Join([]string{
		"port: 9999",
		"namespaces:",
		"  - /chat",
		"  - /game",
		"rate_limit:",
		"  max_requests: 7",
		"  per_event:",
		"    upload:",
		"      window: 2s",
		"      max_requests: 1",
		"encryption:",
		"  enabled: true",
		"  key: " + strings.Repeat("ab", 32),
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Port)
	}
	if len(cfg.Namespaces) != 2 || cfg.Namespaces[0] != "/chat" {
		t.Errorf("namespaces = %v", cfg.Namespaces)
	}
	if cfg.RateLimit.MaxRequests != 7 {
		t.Errorf("max requests = %d, want 7", cfg.RateLimit.MaxRequests)
	}
	limit, ok := cfg.RateLimit.PerEvent["upload"]
	if !ok || limit.Window != 2*time.Second || limit.MaxRequests != 1 {
		t.Errorf("per-event limit = %+v", cfg.RateLimit.PerEvent)
	}

	sc := cfg.ServerConfig()
	if len(sc.Codec.EncryptionKey) != 32 {
		t.Errorf("encryption key length = %d, want 32", len(sc.Codec.EncryptionKey))
	}
	if sc.RateLimit.PerEvent["upload"].MaxRequests != 1 {
		t.Errorf("runtime per-event limit = %+v", sc.RateLimit.PerEvent)
	}
}

// TestEnvOverridesFile: environment variables take highest precedence.
func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smartsocket.yaml")
	if err := os.WriteFile(path, []byte("port: 9999\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SMARTSOCKET_PORT", "7777")
	t.Setenv("SMARTSOCKET_RATE_LIMIT_MAX_REQUESTS", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7777 {
		t.Errorf("port = %d, want 7777", cfg.Port)
	}
	if cfg.RateLimit.MaxRequests != 5 {
		t.Errorf("max requests = %d, want 5", cfg.RateLimit.MaxRequests)
	}
}

// TestValidation rejects malformed configurations.
func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = -1 }},
		{"bad compression level", func(c *Config) { c.Compression.Level = 10 }},
		{"bad encryption key hex", func(c *Config) { c.Encryption.Enabled = true; c.Encryption.Key = "zz" }},
		{"short encryption key", func(c *Config) { c.Encryption.Enabled = true; c.Encryption.Key = "abcd" }},
		{"bad namespace", func(c *Config) { c.Namespaces = []string{"chat"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted a malformed config")
			}
		})
	}
}
