// Package config handles spendcoach configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantumlife/spendcoach/internal/access"
	"github.com/quantumlife/spendcoach/internal/policy"
	"github.com/quantumlife/spendcoach/internal/scheduler"
	"github.com/quantumlife/spendcoach/internal/storage"
)

// Environment overrides
const (
	EnvRedisAddr     = "SPENDCOACH_REDIS_ADDR"
	EnvRedisPassword = "SPENDCOACH_REDIS_PASSWORD"
	EnvOverrideUsers = "SPENDCOACH_OVERRIDE_USERS"
	EnvLogLevel      = "SPENDCOACH_LOG_LEVEL"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Server    ServerConfig          `json:"server" yaml:"server"`
	Storage   storage.BackendConfig `json:"storage" yaml:"storage"`
	Policy    policy.Policy         `json:"policy" yaml:"policy"`
	Access    access.Config         `json:"access" yaml:"access"`
	Events    EventsConfig          `json:"events" yaml:"events"`
	Metrics   MetricsConfig         `json:"metrics" yaml:"metrics"`
	Logging   LoggingConfig         `json:"logging" yaml:"logging"`
	Scheduler SchedulerConfig       `json:"scheduler" yaml:"scheduler"`
}

// ServerConfig for HTTP server
type ServerConfig struct {
	Port           int             `json:"port" yaml:"port"`
	Host           string          `json:"host" yaml:"host"`
	AllowedOrigins []string        `json:"allowed_origins" yaml:"allowed_origins"`
	RequestTimeout policy.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// EventsConfig for the event bus
type EventsConfig struct {
	Buffer     int    `json:"buffer" yaml:"buffer"`
	Ledger     bool   `json:"ledger" yaml:"ledger"`         // append events to the audit ledger
	Experiment string `json:"experiment" yaml:"experiment"` // experiment delivered messages are attributed to
}

// MetricsConfig for the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// LoggingConfig for the global logger
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

// SchedulerConfig for maintenance jobs
type SchedulerConfig struct {
	Enabled               bool            `json:"enabled" yaml:"enabled"`
	Timezone              string          `json:"timezone" yaml:"timezone"`
	RecalibrationInterval policy.Duration `json:"recalibration_interval" yaml:"recalibration_interval"`
	LedgerVerifyAt        string          `json:"ledger_verify_at" yaml:"ledger_verify_at"`
}

// Jobs converts to the scheduler's job settings
func (s SchedulerConfig) Jobs() scheduler.JobsConfig {
	return scheduler.JobsConfig{
		RecalibrationInterval: s.RecalibrationInterval.D(),
		LedgerVerifyAt:        s.LedgerVerifyAt,
	}
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".spendcoach")
	jobs := scheduler.DefaultJobsConfig()

	return &Config{
		DataDir: dataDir,
		Server: ServerConfig{
			Port:           8080,
			Host:           "localhost",
			AllowedOrigins: []string{"http://localhost:*"},
			RequestTimeout: policy.Duration(15 * time.Second),
		},
		Storage: storage.BackendConfig{
			Backend: storage.BackendSQLite,
			SQLite:  storage.Config{Path: filepath.Join(dataDir, "spendcoach.db")},
			Redis:   storage.RedisConfig{Addr: "localhost:6379", Prefix: "bie"},
		},
		Policy: policy.Default(),
		Access: access.Config{
			SessionCacheSize: 1024,
			SessionTTL:       policy.Duration(30 * time.Minute),
		},
		Events: EventsConfig{
			Buffer:     1024,
			Ledger:     true,
			Experiment: "intervention_messages",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "spendcoach",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Scheduler: SchedulerConfig{
			Enabled:               true,
			Timezone:              "Local",
			RecalibrationInterval: policy.Duration(jobs.RecalibrationInterval),
			LedgerVerifyAt:        jobs.LedgerVerifyAt,
		},
	}
}

// DefaultPath returns the config file used when none is given
func DefaultPath() string {
	return filepath.Join(Default().DataDir, "config.yaml")
}

// Load loads config from file, falling back to defaults. Files ending in
// .yaml or .yml are YAML, anything else JSON. Environment overrides are
// applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults
	case err != nil:
		return nil, err
	default:
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func (c *Config) applyEnv() {
	if addr := os.Getenv(EnvRedisAddr); addr != "" {
		c.Storage.Redis.Addr = addr
	}
	if pw := os.Getenv(EnvRedisPassword); pw != "" {
		c.Storage.Redis.Password = pw
	}
	if users := os.Getenv(EnvOverrideUsers); users != "" {
		for _, u := range strings.Split(users, ",") {
			if u = strings.TrimSpace(u); u != "" {
				c.Access.OverrideUsers = append(c.Access.OverrideUsers, u)
			}
		}
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks the storage backend and the policy
func (c *Config) Validate() error {
	backend, err := storage.ParseBackend(c.Storage.Backend)
	if err != nil {
		return err
	}
	c.Storage.Backend = backend
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return c.Policy.Validate()
}

// Save saves config to file in the format its extension names
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Secrets come from the environment only
	safeCfg := *c
	safeCfg.Storage.Redis.Password = ""

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(&safeCfg)
	} else {
		data, err = json.MarshalIndent(&safeCfg, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
