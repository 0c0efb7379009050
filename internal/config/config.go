// Package config loads the diagmend configuration file.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/diagmend/internal/repair"
)

type FixerMode string

const (
	FixerLocal  FixerMode = "local"
	FixerRemote FixerMode = "remote"
)

type BrowserConfig struct {
	Headless       *bool  `json:"headless,omitempty" yaml:"headless,omitempty" toml:"headless,omitempty"`
	Bin            string `json:"bin,omitempty" yaml:"bin,omitempty" toml:"bin,omitempty"`
	DebuggerURL    string `json:"debugger_url,omitempty" yaml:"debugger_url,omitempty" toml:"debugger_url,omitempty"`
	MermaidURL     string `json:"mermaid_url,omitempty" yaml:"mermaid_url,omitempty" toml:"mermaid_url,omitempty"`
	ViewportWidth  int    `json:"viewport_width,omitempty" yaml:"viewport_width,omitempty" toml:"viewport_width,omitempty"`
	ViewportHeight int    `json:"viewport_height,omitempty" yaml:"viewport_height,omitempty" toml:"viewport_height,omitempty"`
}

type RenderConfig struct {
	TimeoutMS int           `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" toml:"timeout_ms,omitempty"`
	Sandbox   *bool         `json:"sandbox,omitempty" yaml:"sandbox,omitempty" toml:"sandbox,omitempty"`
	Browser   BrowserConfig `json:"browser,omitempty" yaml:"browser,omitempty" toml:"browser,omitempty"`
}

type SanitizeConfig struct {
	Direction                string `json:"direction,omitempty" yaml:"direction,omitempty" toml:"direction,omitempty"`
	NestedDirectionSupported bool   `json:"nested_direction_supported,omitempty" yaml:"nested_direction_supported,omitempty" toml:"nested_direction_supported,omitempty"`
}

type FixerConfig struct {
	Mode      FixerMode         `json:"mode,omitempty" yaml:"mode,omitempty" toml:"mode,omitempty"`
	BaseURL   string            `json:"base_url,omitempty" yaml:"base_url,omitempty" toml:"base_url,omitempty"`
	Path      string            `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
	TimeoutMS int               `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" toml:"timeout_ms,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`
}

type RepairServiceConfig struct {
	BaseURL         string            `json:"base_url,omitempty" yaml:"base_url,omitempty" toml:"base_url,omitempty"`
	HealthPath      string            `json:"health_path,omitempty" yaml:"health_path,omitempty" toml:"health_path,omitempty"`
	RepairPath      string            `json:"repair_path,omitempty" yaml:"repair_path,omitempty" toml:"repair_path,omitempty"`
	HealthTimeoutMS int               `json:"health_timeout_ms,omitempty" yaml:"health_timeout_ms,omitempty" toml:"health_timeout_ms,omitempty"`
	RepairTimeoutMS int               `json:"repair_timeout_ms,omitempty" yaml:"repair_timeout_ms,omitempty" toml:"repair_timeout_ms,omitempty"`
	AdaptFallback   *bool             `json:"adapt_fallback,omitempty" yaml:"adapt_fallback,omitempty" toml:"adapt_fallback,omitempty"`
	Headers         map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int                  `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" toml:"max_attempts,omitempty"`
	Backoff     repair.BackoffConfig `json:"backoff,omitempty" yaml:"backoff,omitempty" toml:"backoff,omitempty"`
}

type SingleFlightConfig struct {
	PollIntervalMS int `json:"poll_interval_ms,omitempty" yaml:"poll_interval_ms,omitempty" toml:"poll_interval_ms,omitempty"`
	MaxWaitMS      int `json:"max_wait_ms,omitempty" yaml:"max_wait_ms,omitempty" toml:"max_wait_ms,omitempty"`
}

type TelemetryConfig struct {
	HTTPBaseURL  string `json:"http_base_url,omitempty" yaml:"http_base_url,omitempty" toml:"http_base_url,omitempty"`
	AttemptsPath string `json:"attempts_path,omitempty" yaml:"attempts_path,omitempty" toml:"attempts_path,omitempty"`
	FailuresPath string `json:"failures_path,omitempty" yaml:"failures_path,omitempty" toml:"failures_path,omitempty"`
	SQLitePath   string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty" toml:"sqlite_path,omitempty"`
	Metrics      *bool  `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics,omitempty"`
	QueueSize    int    `json:"queue_size,omitempty" yaml:"queue_size,omitempty" toml:"queue_size,omitempty"`
}

type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty" toml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty" toml:"format,omitempty"`
}

type ServerConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty" toml:"addr,omitempty"`
}

type Config struct {
	Version       int                 `json:"version" yaml:"version" toml:"version"`
	Render        RenderConfig        `json:"render,omitempty" yaml:"render,omitempty" toml:"render,omitempty"`
	Sanitize      SanitizeConfig      `json:"sanitize,omitempty" yaml:"sanitize,omitempty" toml:"sanitize,omitempty"`
	Fixer         FixerConfig         `json:"fixer,omitempty" yaml:"fixer,omitempty" toml:"fixer,omitempty"`
	RepairService RepairServiceConfig `json:"repair_service,omitempty" yaml:"repair_service,omitempty" toml:"repair_service,omitempty"`
	Retry         RetryConfig         `json:"retry,omitempty" yaml:"retry,omitempty" toml:"retry,omitempty"`
	SingleFlight  SingleFlightConfig  `json:"single_flight,omitempty" yaml:"single_flight,omitempty" toml:"single_flight,omitempty"`
	Telemetry     TelemetryConfig     `json:"telemetry,omitempty" yaml:"telemetry,omitempty" toml:"telemetry,omitempty"`
	Logging       LoggingConfig       `json:"logging,omitempty" yaml:"logging,omitempty" toml:"logging,omitempty"`
	Server        ServerConfig        `json:"server,omitempty" yaml:"server,omitempty" toml:"server,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Load reads a .yaml/.yml, .json or .toml file. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = decodeJSONStrict(b, &cfg)
	case ".toml":
		err = decodeTOMLStrict(b, &cfg)
	default:
		err = decodeYAMLStrict(b, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func decodeTOMLStrict(b []byte, cfg *Config) error {
	md, err := toml.NewDecoder(bytes.NewReader(b)).Decode(cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("toml: unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Render.TimeoutMS == 0 {
		cfg.Render.TimeoutMS = 5000
	}
	if cfg.Render.Sandbox == nil {
		cfg.Render.Sandbox = boolPtr(true)
	}
	b := &cfg.Render.Browser
	if b.Headless == nil {
		b.Headless = boolPtr(true)
	}
	b.Bin = strings.TrimSpace(b.Bin)
	b.DebuggerURL = strings.TrimSpace(b.DebuggerURL)
	b.MermaidURL = strings.TrimSpace(b.MermaidURL)
	if b.ViewportWidth == 0 {
		b.ViewportWidth = 1280
	}
	if b.ViewportHeight == 0 {
		b.ViewportHeight = 800
	}

	cfg.Sanitize.Direction = strings.ToUpper(strings.TrimSpace(cfg.Sanitize.Direction))
	if cfg.Sanitize.Direction == "" {
		cfg.Sanitize.Direction = "TD"
	}

	cfg.Fixer.Mode = FixerMode(strings.ToLower(strings.TrimSpace(string(cfg.Fixer.Mode))))
	if cfg.Fixer.Mode == "" {
		cfg.Fixer.Mode = FixerLocal
	}
	cfg.Fixer.BaseURL = strings.TrimSpace(cfg.Fixer.BaseURL)
	if cfg.Fixer.Path == "" {
		cfg.Fixer.Path = "/fix"
	}
	if cfg.Fixer.TimeoutMS == 0 {
		cfg.Fixer.TimeoutMS = 10000
	}

	rs := &cfg.RepairService
	rs.BaseURL = strings.TrimSpace(rs.BaseURL)
	if rs.HealthPath == "" {
		rs.HealthPath = "/health"
	}
	if rs.RepairPath == "" {
		rs.RepairPath = "/repair"
	}
	if rs.HealthTimeoutMS == 0 {
		rs.HealthTimeoutMS = 90000
	}
	if rs.RepairTimeoutMS == 0 {
		rs.RepairTimeoutMS = 100000
	}
	if rs.AdaptFallback == nil {
		rs.AdaptFallback = boolPtr(true)
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = repair.DefaultMaxAttempts
	}
	def := repair.DefaultBackoffConfig()
	if cfg.Retry.Backoff.InitialDelayMS == 0 {
		cfg.Retry.Backoff.InitialDelayMS = def.InitialDelayMS
	}
	if cfg.Retry.Backoff.BackoffFactor == 0 {
		cfg.Retry.Backoff.BackoffFactor = def.BackoffFactor
	}
	if cfg.Retry.Backoff.MaxDelayMS == 0 {
		cfg.Retry.Backoff.MaxDelayMS = def.MaxDelayMS
	}

	if cfg.SingleFlight.PollIntervalMS == 0 {
		cfg.SingleFlight.PollIntervalMS = int(repair.DefaultPollInterval / time.Millisecond)
	}
	if cfg.SingleFlight.MaxWaitMS == 0 {
		cfg.SingleFlight.MaxWaitMS = int(repair.DefaultMaxWait / time.Millisecond)
	}

	t := &cfg.Telemetry
	t.HTTPBaseURL = strings.TrimSpace(t.HTTPBaseURL)
	t.SQLitePath = strings.TrimSpace(t.SQLitePath)
	if t.AttemptsPath == "" {
		t.AttemptsPath = "/telemetry/attempts"
	}
	if t.FailuresPath == "" {
		t.FailuresPath = "/telemetry/failures"
	}
	if t.Metrics == nil {
		t.Metrics = boolPtr(true)
	}
	if t.QueueSize == 0 {
		t.QueueSize = 256
	}

	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = ":8080"
	}
}

func validate(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if cfg.Render.TimeoutMS < 0 {
		return fmt.Errorf("render.timeout_ms must be >= 0")
	}
	if cfg.Render.Browser.ViewportWidth < 0 || cfg.Render.Browser.ViewportHeight < 0 {
		return fmt.Errorf("render.browser viewport dimensions must be >= 0")
	}
	switch cfg.Sanitize.Direction {
	case "TD", "TB", "BT", "LR", "RL":
	default:
		return fmt.Errorf("invalid sanitize.direction: %q (want TD|TB|BT|LR|RL)", cfg.Sanitize.Direction)
	}
	switch cfg.Fixer.Mode {
	case FixerLocal:
	case FixerRemote:
		if cfg.Fixer.BaseURL == "" {
			return fmt.Errorf("fixer.base_url is required when fixer.mode=remote")
		}
	default:
		return fmt.Errorf("invalid fixer.mode: %q (want local|remote)", cfg.Fixer.Mode)
	}
	if cfg.Fixer.TimeoutMS < 0 {
		return fmt.Errorf("fixer.timeout_ms must be >= 0")
	}
	for key, raw := range map[string]string{
		"fixer.base_url":              cfg.Fixer.BaseURL,
		"repair_service.base_url":     cfg.RepairService.BaseURL,
		"telemetry.http_base_url":     cfg.Telemetry.HTTPBaseURL,
		"render.browser.debugger_url": cfg.Render.Browser.DebuggerURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL: %q", key, raw)
		}
	}
	if cfg.RepairService.HealthTimeoutMS < 0 || cfg.RepairService.RepairTimeoutMS < 0 {
		return fmt.Errorf("repair_service timeouts must be >= 0")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	bo := cfg.Retry.Backoff
	if bo.InitialDelayMS < 0 || bo.MaxDelayMS < 0 {
		return fmt.Errorf("retry.backoff delays must be >= 0")
	}
	if bo.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff.backoff_factor must be >= 1")
	}
	if bo.MaxDelayMS > 0 && bo.MaxDelayMS < bo.InitialDelayMS {
		return fmt.Errorf("retry.backoff.max_delay_ms must be >= initial_delay_ms")
	}
	if cfg.SingleFlight.PollIntervalMS < 0 || cfg.SingleFlight.MaxWaitMS < 0 {
		return fmt.Errorf("single_flight intervals must be >= 0")
	}
	if cfg.Telemetry.QueueSize < 0 {
		return fmt.Errorf("telemetry.queue_size must be >= 0")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q (want debug|info|warn|error)", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging.format: %q (want json|console)", cfg.Logging.Format)
	}
	return nil
}

func boolPtr(v bool) *bool { return &v }

// Enabled dereferences an optional flag.
func Enabled(v *bool) bool { return v != nil && *v }

func Millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
