// Package config provides configuration loading, validation, and defaults for switchyard.
// It handles YAML config files, environment variable substitution, and SWITCHYARD_* overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults applied when a field is left empty.
const (
	DefaultVariant       = "fade"
	DefaultMainThreshold = 0.9
	DefaultFrameInterval = 16 * time.Millisecond
	DefaultFadeDuration  = 500 * time.Millisecond
	DefaultFill          = "scale"
	DefaultCatalogPath   = "workspaces.yaml"
	DefaultWorkers       = 2
	DefaultSteps         = 20
	DefaultStepDelay     = 50 * time.Millisecond
	DefaultLogLevel      = "info"
	DefaultLogMaxSizeMB  = 10
	DefaultLogBackups    = 3
	DefaultLogMaxAgeDays = 7
	DefaultNamespace     = "switchyard"
)

// EnvPrefix prefixes environment overrides, e.g. SWITCHYARD_LOADER_VARIANT.
const EnvPrefix = "SWITCHYARD_"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// LoaderConfig selects the presentation variant and pipeline pacing.
type LoaderConfig struct {
	Variant       string        `yaml:"variant"`        // Hooks variant: "base", "fade" or a registered name
	MainThreshold float64       `yaml:"main_threshold"` // Progress at which a main operation counts as done
	FrameInterval time.Duration `yaml:"frame_interval"` // Real-time frame period for the driver
	FadeDuration  time.Duration `yaml:"fade_duration"`  // Intro/outro fade length
	Fill          string        `yaml:"fill"`           // Progress bar fill mode: "scale" or "fill"
}

// RegistryConfig says where workspace descriptors come from.
type RegistryConfig struct {
	Catalog  string `yaml:"catalog"`  // YAML catalog file
	Database string `yaml:"database"` // SQLite store; takes precedence over Catalog when set
	// RememberActive writes the current workspace back to the SQLite store
	// after every completed transition.
	RememberActive bool `yaml:"remember_active"`
	// Watch reloads the YAML catalog when the file changes.
	Watch bool `yaml:"watch"`
}

// ContentConfig sizes the load worker pool and the simulated jobs.
type ContentConfig struct {
	Workers   int           `yaml:"workers"`
	Steps     int           `yaml:"steps"`      // Progress increments per simulated job
	StepDelay time.Duration `yaml:"step_delay"` // Pause between increments
}

// LoggingConfig controls logx output.
type LoggingConfig struct {
	Dir          string   `yaml:"dir"` // Empty logs to stderr only
	Level        string   `yaml:"level"`
	Tee          bool     `yaml:"tee"` // Also write to stderr when Dir is set
	MaxSizeMB    int      `yaml:"max_size_mb"`
	MaxBackups   int      `yaml:"max_backups"`
	MaxAgeDays   int      `yaml:"max_age_days"`
	Compress     bool     `yaml:"compress"`
	Debug        bool     `yaml:"debug"`
	DebugDomains []string `yaml:"debug_domains"`
}

// MetricsConfig controls the Prometheus recorder.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Listen    string `yaml:"listen"` // Address for /metrics, e.g. ":9090"; empty disables the endpoint
	OTel      bool   `yaml:"otel"`   // Also record through the global OpenTelemetry meter
}

// TracingConfig toggles OpenTelemetry spans around transitions.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config represents the main configuration.
type Config struct {
	Loader   LoaderConfig   `yaml:"loader"`
	Registry RegistryConfig `yaml:"registry"`
	Content  ContentConfig  `yaml:"content"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// Default returns a fully populated configuration.
func Default() *Config {
	cfg := &Config{
		Metrics: MetricsConfig{Enabled: true},
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(cfg *Config) {
	if cfg.Loader.Variant == "" {
		cfg.Loader.Variant = DefaultVariant
	}
	if cfg.Loader.MainThreshold == 0 {
		cfg.Loader.MainThreshold = DefaultMainThreshold
	}
	if cfg.Loader.FrameInterval == 0 {
		cfg.Loader.FrameInterval = DefaultFrameInterval
	}
	if cfg.Loader.FadeDuration == 0 {
		cfg.Loader.FadeDuration = DefaultFadeDuration
	}
	if cfg.Loader.Fill == "" {
		cfg.Loader.Fill = DefaultFill
	}

	if cfg.Registry.Catalog == "" && cfg.Registry.Database == "" {
		cfg.Registry.Catalog = DefaultCatalogPath
	}

	if cfg.Content.Workers == 0 {
		cfg.Content.Workers = DefaultWorkers
	}
	if cfg.Content.Steps == 0 {
		cfg.Content.Steps = DefaultSteps
	}
	if cfg.Content.StepDelay == 0 {
		cfg.Content.StepDelay = DefaultStepDelay
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = DefaultLogBackups
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = DefaultLogMaxAgeDays
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultNamespace
	}
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var problems []string

	if c.Loader.MainThreshold <= 0 || c.Loader.MainThreshold > 1 {
		problems = append(problems, fmt.Sprintf("loader.main_threshold must be in (0,1], got %v", c.Loader.MainThreshold))
	}
	if c.Loader.FrameInterval <= 0 {
		problems = append(problems, "loader.frame_interval must be positive")
	}
	if c.Loader.FadeDuration < 0 {
		problems = append(problems, "loader.fade_duration must not be negative")
	}
	switch strings.ToLower(c.Loader.Fill) {
	case "scale", "fill":
	default:
		problems = append(problems, fmt.Sprintf("loader.fill must be \"scale\" or \"fill\", got %q", c.Loader.Fill))
	}
	if c.Content.Workers < 1 {
		problems = append(problems, "content.workers must be at least 1")
	}
	if c.Content.Steps < 1 {
		problems = append(problems, "content.steps must be at least 1")
	}
	if c.Content.StepDelay < 0 {
		problems = append(problems, "content.step_delay must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
