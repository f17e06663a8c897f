package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Settings holds workspace-level engine settings, loaded from .loom.yaml.
type Settings struct {
	// State is the path to the state file. The extension selects the
	// backend: .json for the file store, .db or .sqlite for SQLite.
	State string `yaml:"state" validate:"required"`

	// Parallelism caps concurrent action execution. Zero means one
	// worker per action in the widest level.
	Parallelism int `yaml:"parallelism" validate:"gte=0,lte=64"`

	// ActionTimeout bounds each provider call, e.g. "30s".
	ActionTimeout string `yaml:"action_timeout" validate:"omitempty"`

	// MaxRetries is the retry budget for transient provider errors.
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=10"`

	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=json console"`

	// MetricsAddr enables the Prometheus endpoint when non-empty,
	// e.g. "127.0.0.1:9464".
	MetricsAddr string `yaml:"metrics_addr"`

	// TracingExporter enables span export when non-empty.
	TracingExporter string `yaml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout"`

	// TracingEndpoint is the OTLP collector endpoint for the otlp exporter.
	TracingEndpoint string `yaml:"tracing_endpoint"`
}

// DefaultSettings returns settings used when no .loom.yaml is present.
func DefaultSettings() *Settings {
	return &Settings{
		State:         "loom.state.json",
		Parallelism:   8,
		ActionTimeout: "60s",
		MaxRetries:    3,
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// LoadSettings reads settings from path, falling back to defaults when the
// file does not exist. Explicit values override defaults field by field.
func LoadSettings(path string) (*Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", path, err)
	}

	return settings, nil
}

// Validate checks field constraints and the action timeout format.
func (s *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(s); err != nil {
		return err
	}

	if s.ActionTimeout != "" {
		if _, err := time.ParseDuration(s.ActionTimeout); err != nil {
			return fmt.Errorf("invalid action_timeout %q: %w", s.ActionTimeout, err)
		}
	}

	return nil
}

// Timeout returns the parsed action timeout, or zero when unset.
func (s *Settings) Timeout() time.Duration {
	if s.ActionTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(s.ActionTimeout)
	if err != nil {
		return 0
	}
	return d
}
