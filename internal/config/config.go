// Package config loads the sync worker configuration from an optional YAML
// file and SYNCWORKER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "SYNCWORKER_"

// Config holds all worker configuration.
type Config struct {
	ListenAddr  string `koanf:"listen_addr"`
	MetricsAddr string `koanf:"metrics_addr"`

	Log        LogConfig        `koanf:"log"`
	Autoupdate AutoupdateConfig `koanf:"autoupdate"`
	ICC        ICCConfig        `koanf:"icc"`
	Auth       AuthConfig       `koanf:"auth"`
	Stream     StreamConfig     `koanf:"stream"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// AutoupdateConfig describes the autoupdate endpoint.
type AutoupdateConfig struct {
	URL         string `koanf:"url"`
	HealthURL   string `koanf:"health_url"`
	Method      string `koanf:"method"`
	Transport   string `koanf:"transport"` // stream or poll
	Compression bool   `koanf:"compression"`
}

// ICCConfig describes the inter-client communication endpoint.
type ICCConfig struct {
	URL       string `koanf:"url"`
	HealthURL string `koanf:"health_url"`
}

// AuthConfig describes the auth service.
type AuthConfig struct {
	URL        string `koanf:"url"`
	Prefix     string `koanf:"prefix"`
	CookieFile string `koanf:"cookie_file"`
}

// StreamConfig holds stream and pool tuning.
type StreamConfig struct {
	RetryBudget       int           `koanf:"retry_budget"`
	OfflineGrace      time.Duration `koanf:"offline_grace"`
	StopTimeout       time.Duration `koanf:"stop_timeout"`
	HealthTimeout     time.Duration `koanf:"health_timeout"`
	HealthInitialWait time.Duration `koanf:"health_initial_wait"`
	HealthMaxWait     time.Duration `koanf:"health_max_wait"`
	ReconnectDelay    time.Duration `koanf:"reconnect_delay"`
	ReconnectRate     float64       `koanf:"reconnect_rate"`
	PollInterval      time.Duration `koanf:"poll_interval"`
	PollTimeout       time.Duration `koanf:"poll_timeout"`
	MaxFrameSize      int           `koanf:"max_frame_size"`
}

// topLevelKeys are keys whose names contain an underscore but no section.
var topLevelKeys = map[string]bool{
	"listen_addr":  true,
	"metrics_addr": true,
}

// Load reads the YAML file at path (skipped when empty or missing), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Set("autoupdate.compression", true); err != nil {
		return nil, err
	}

	if path != "" {
		content, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	// SYNCWORKER_AUTOUPDATE_HEALTH_URL -> autoupdate.health_url
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if topLevelKeys[lower] {
		return lower
	}
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":9012"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9013"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Autoupdate.Method == "" {
		cfg.Autoupdate.Method = "POST"
	}
	if cfg.Autoupdate.Transport == "" {
		cfg.Autoupdate.Transport = "stream"
	}
	if cfg.Autoupdate.HealthURL == "" && cfg.Autoupdate.URL != "" {
		cfg.Autoupdate.HealthURL = strings.TrimSuffix(cfg.Autoupdate.URL, "/") + "/health"
	}
	if cfg.ICC.HealthURL == "" && cfg.ICC.URL != "" {
		cfg.ICC.HealthURL = strings.TrimSuffix(cfg.ICC.URL, "/") + "/health"
	}

	if cfg.Auth.Prefix == "" {
		cfg.Auth.Prefix = "system/auth"
	}

	s := &cfg.Stream
	if s.RetryBudget == 0 {
		s.RetryBudget = 3
	}
	if s.OfflineGrace == 0 {
		s.OfflineGrace = 10 * time.Second
	}
	if s.StopTimeout == 0 {
		s.StopTimeout = 5 * time.Second
	}
	if s.HealthTimeout == 0 {
		s.HealthTimeout = 5 * time.Second
	}
	if s.HealthInitialWait == 0 {
		s.HealthInitialWait = 1 * time.Second
	}
	if s.HealthMaxWait == 0 {
		s.HealthMaxWait = 10 * time.Second
	}
	if s.ReconnectDelay == 0 {
		s.ReconnectDelay = 500 * time.Millisecond
	}
	if s.ReconnectRate == 0 {
		s.ReconnectRate = 20
	}
	if s.PollInterval == 0 {
		s.PollInterval = 1 * time.Second
	}
	if s.PollTimeout == 0 {
		s.PollTimeout = 60 * time.Second
	}
	if s.MaxFrameSize == 0 {
		s.MaxFrameSize = 64 << 20
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Autoupdate.URL == "" {
		return errors.New("autoupdate.url is required")
	}
	if _, err := url.Parse(c.Autoupdate.URL); err != nil {
		return fmt.Errorf("autoupdate.url: %w", err)
	}
	switch c.Autoupdate.Transport {
	case "stream", "poll":
	default:
		return fmt.Errorf("autoupdate.transport must be stream or poll, got %q", c.Autoupdate.Transport)
	}
	if c.Auth.URL == "" {
		return errors.New("auth.url is required")
	}
	if c.Stream.RetryBudget < 0 {
		return fmt.Errorf("stream.retry_budget must not be negative, got %d", c.Stream.RetryBudget)
	}
	if c.Stream.ReconnectRate < 0 {
		return fmt.Errorf("stream.reconnect_rate must not be negative, got %v", c.Stream.ReconnectRate)
	}
	return nil
}
