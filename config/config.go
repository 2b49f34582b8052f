// Package config loads pipeline host settings from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from YAML strings like "50ms".
type Duration time.Duration

// UnmarshalYAML decodes either a duration string or integer nanoseconds.
// Decoding into a string succeeds for int scalars too, so the node tag
// decides which form this is.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("invalid duration node: %w", err)
		}
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration node: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the on-disk host configuration. Zero values mean "use the
// default"; Normalize fills them in.
type Config struct {
	// PromptFallback is shown when the session's prompt function fails or
	// produces nothing.
	PromptFallback string `yaml:"promptFallback"`

	// Interactive runs a REPL on the root session.
	Interactive bool `yaml:"interactive"`

	// PollInterval is how often a blocked input read yields to the idle
	// handler.
	PollInterval Duration `yaml:"pollInterval"`

	// HistoryEnabled records interactive input in the line editor history.
	HistoryEnabled *bool `yaml:"historyEnabled"`

	// ComputerName labels the local session in diagnostics.
	ComputerName string `yaml:"computerName"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	enabled := true
	return Config{
		PromptFallback: "PSES> ",
		Interactive:    true,
		PollInterval:   Duration(50 * time.Millisecond),
		HistoryEnabled: &enabled,
		ComputerName:   "localhost",
		LogLevel:       "info",
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes.
func Parse(data []byte) (Config, error) {
	cfg := Config{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize fills unset fields with defaults.
func (c *Config) Normalize() {
	def := Default()
	if c.PromptFallback == "" {
		c.PromptFallback = def.PromptFallback
	}
	if c.PollInterval == 0 {
		c.PollInterval = def.PollInterval
	}
	if c.HistoryEnabled == nil {
		c.HistoryEnabled = def.HistoryEnabled
	}
	if c.ComputerName == "" {
		c.ComputerName = def.ComputerName
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// Validate rejects values the host cannot run with.
func (c Config) Validate() error {
	if c.PollInterval < 0 {
		return fmt.Errorf("pollInterval must not be negative, got %s", c.PollInterval.Std())
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logLevel %q", c.LogLevel)
	}
	return nil
}
