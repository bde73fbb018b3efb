// Package config loads the daemon configuration from
// $TURNSTILE_HOME/config.yaml with environment overrides, and watches the
// home directory for live-reloadable files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OtelConfig selects the trace/metric exporter.
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// RetentionConfig bounds how long edge and audit history is kept.
type RetentionConfig struct {
	EdgeDays  int `yaml:"edge_days"`
	AuditDays int `yaml:"audit_days"`
}

// ReaperConfig tunes the stale lease sweep.
type ReaperConfig struct {
	Interval time.Duration `yaml:"-"`
}

// UnmarshalYAML accepts the interval in Go duration syntax ("30s", "2m").
func (r *ReaperConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Interval string `yaml:"interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return setDuration(&r.Interval, "reaper.interval", raw.Interval)
}

// SchedulerConfig tunes the deferred job loop.
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"-"`
}

func (s *SchedulerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		PollInterval string `yaml:"poll_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return setDuration(&s.PollInterval, "scheduler.poll_interval", raw.PollInterval)
}

// setDuration parses a Go duration string into dst, leaving dst untouched
// when the value is absent so defaults survive partial config files.
func setDuration(dst *time.Duration, field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	LogLevel  string `yaml:"log_level"`
	Quiet     bool   `yaml:"quiet"`

	DBPath     string `yaml:"db_path"`
	PolicyPath string `yaml:"policy_path"`
	EventLog   string `yaml:"event_log"`

	Reaper    ReaperConfig    `yaml:"reaper"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retention RetentionConfig `yaml:"retention"`
	Otel      OtelConfig      `yaml:"otel"`
}

// HomeDir resolves the configuration home: $TURNSTILE_HOME, else
// ~/.turnstile.
func HomeDir() string {
	if dir := os.Getenv("TURNSTILE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".turnstile")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:7410",
		LogLevel: "info",
		Reaper: ReaperConfig{
			Interval: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 5 * time.Second,
		},
		Retention: RetentionConfig{
			EdgeDays:  30,
			AuditDays: 90,
		},
		Otel: OtelConfig{
			Exporter:    "none",
			ServiceName: "turnstile",
		},
	}
}

// Load reads config.yaml under the home directory, creating the directory
// if needed. A missing file yields the defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create turnstile home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TURNSTILE_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("TURNSTILE_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("TURNSTILE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TURNSTILE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TURNSTILE_QUIET"); v != "" {
		if quiet, err := strconv.ParseBool(v); err == nil {
			cfg.Quiet = quiet
		}
	}
	if v := os.Getenv("TURNSTILE_OTEL_EXPORTER"); v != "" {
		cfg.Otel.Exporter = v
		cfg.Otel.Enabled = v != "none"
	}
	if v := os.Getenv("TURNSTILE_OTEL_ENDPOINT"); v != "" {
		cfg.Otel.Endpoint = v
	}
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "turnstile.db")
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = filepath.Join(cfg.HomeDir, "policy.yaml")
	}
	if cfg.EventLog == "" {
		cfg.EventLog = filepath.Join(cfg.HomeDir, "logs", "events.jsonl")
	}
	if cfg.Reaper.Interval <= 0 {
		cfg.Reaper.Interval = 30 * time.Second
	}
	if cfg.Scheduler.PollInterval <= 0 {
		cfg.Scheduler.PollInterval = 5 * time.Second
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "turnstile"
	}
	switch cfg.Otel.Exporter {
	case "otlp-http", "stdout", "none":
	default:
		cfg.Otel.Exporter = "none"
	}
}
