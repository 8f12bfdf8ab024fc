// Package config loads rackd configuration.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file, then RACKD_* environment variables. Command-line flags in cmd/rackd
// are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Activation tunes the activation scheduler.
type Activation struct {
	MinDelay      time.Duration `yaml:"min_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	DefaultMonths int           `yaml:"default_months"`
	// PeriodUnit is the length of one billing month. Zero means calendar
	// months.
	PeriodUnit time.Duration `yaml:"period_unit"`
}

// Config is the full rackd configuration.
type Config struct {
	HTTPAddr      string        `yaml:"http_addr"`
	GRPCAddr      string        `yaml:"grpc_addr"`
	MetricsAddr   string        `yaml:"metrics_addr"`
	DBPath        string        `yaml:"db_path"`
	InMemory      bool          `yaml:"in_memory"`
	GCInterval    time.Duration `yaml:"gc_interval"`
	NATSURL       string        `yaml:"nats_url"`
	LogLevel      string        `yaml:"log_level"`
	LogFormat     string        `yaml:"log_format"`
	TraceExporter string        `yaml:"trace_exporter"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Activation    Activation    `yaml:"activation"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:      ":8080",
		GRPCAddr:      ":50051",
		MetricsAddr:   ":9090",
		DBPath:        "./data/badger",
		GCInterval:    5 * time.Minute,
		LogLevel:      "info",
		LogFormat:     "json",
		TraceExporter: "none",
		SweepInterval: 30 * time.Second,
		Activation: Activation{
			MinDelay:      3 * time.Second,
			MaxDelay:      20 * time.Second,
			Workers:       4,
			QueueSize:     1024,
			DefaultMonths: 1,
		},
	}
}

// Load resolves defaults, the file at path (skipped when empty) and the
// process environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	strs := map[string]*string{
		"RACKD_HTTP_ADDR":      &cfg.HTTPAddr,
		"RACKD_GRPC_ADDR":      &cfg.GRPCAddr,
		"RACKD_METRICS_ADDR":   &cfg.MetricsAddr,
		"RACKD_DB_PATH":        &cfg.DBPath,
		"RACKD_NATS_URL":       &cfg.NATSURL,
		"RACKD_LOG_LEVEL":      &cfg.LogLevel,
		"RACKD_LOG_FORMAT":     &cfg.LogFormat,
		"RACKD_TRACE_EXPORTER": &cfg.TraceExporter,
	}
	for k, p := range strs {
		if v := getenv(k); v != "" {
			*p = v
		}
	}

	durs := map[string]*time.Duration{
		"RACKD_SWEEP_INTERVAL":         &cfg.SweepInterval,
		"RACKD_GC_INTERVAL":            &cfg.GCInterval,
		"RACKD_ACTIVATION_MIN_DELAY":   &cfg.Activation.MinDelay,
		"RACKD_ACTIVATION_MAX_DELAY":   &cfg.Activation.MaxDelay,
		"RACKD_ACTIVATION_PERIOD_UNIT": &cfg.Activation.PeriodUnit,
	}
	for k, p := range durs {
		v := getenv(k)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		*p = d
	}

	ints := map[string]*int{
		"RACKD_ACTIVATION_WORKERS":        &cfg.Activation.Workers,
		"RACKD_ACTIVATION_QUEUE_SIZE":     &cfg.Activation.QueueSize,
		"RACKD_ACTIVATION_DEFAULT_MONTHS": &cfg.Activation.DefaultMonths,
	}
	for k, p := range ints {
		v := getenv(k)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		*p = n
	}

	if v := getenv("RACKD_IN_MEMORY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RACKD_IN_MEMORY: %w", err)
		}
		cfg.InMemory = b
	}
	return nil
}

// Validate rejects configurations rackd cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if !c.InMemory && c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required unless in_memory is set"))
	}
	a := c.Activation
	if a.MinDelay < 0 || a.MaxDelay < 0 {
		errs = append(errs, errors.New("activation delays must not be negative"))
	}
	if a.MaxDelay < a.MinDelay {
		errs = append(errs, errors.New("activation.max_delay must be >= min_delay"))
	}
	if a.Workers <= 0 {
		errs = append(errs, errors.New("activation.workers must be positive"))
	}
	if a.QueueSize <= 0 {
		errs = append(errs, errors.New("activation.queue_size must be positive"))
	}
	if a.DefaultMonths <= 0 {
		errs = append(errs, errors.New("activation.default_months must be positive"))
	}
	if a.PeriodUnit < 0 {
		errs = append(errs, errors.New("activation.period_unit must not be negative"))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("sweep_interval must not be negative"))
	}
	return errors.Join(errs...)
}
