// Package config loads the operational knobs for the live metrics span
// processor: the aggregator's cardinality guard, log verbosity, and the HTTP
// client timeout used for ping/post requests. It does not own the protocol
// timing constants in quickpulse/state.go — those come from the backend
// contract, not the operator, and are never operator-tunable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the knobs an operator can tune without recompiling.
type Config struct {
	// CardinalityLimit is the number of distinct label-value combinations per
	// self-observability metric above which the metrics provider prints a
	// one-time warning and increments its cardinality_exceeded counter.
	// Combinations past the limit are still recorded; nothing is collapsed.
	CardinalityLimit int `yaml:"cardinalityLimit"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"logLevel"`

	// HTTPTimeout bounds a single ping/post round trip, independent of the
	// fixed maxPingWaitTime/maxPostWaitTime fallback thresholds.
	HTTPTimeout time.Duration `yaml:"httpTimeout"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	return Config{
		CardinalityLimit: 1000,
		LogLevel:         "info",
		HTTPTimeout:      30 * time.Second,
	}
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	if c.CardinalityLimit <= 0 {
		return fmt.Errorf("config: cardinalityLimit must be positive, got %d", c.CardinalityLimit)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logLevel %q is not one of debug/info/warn/error", c.LogLevel)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("config: httpTimeout must be positive, got %s", c.HTTPTimeout)
	}
	return nil
}

// Environment variable names consulted by applyEnvOverrides.
const (
	envCardinalityLimit = "QUICKPULSE_CARDINALITY_LIMIT"
	envLogLevel         = "QUICKPULSE_LOG_LEVEL"
	envHTTPTimeout      = "QUICKPULSE_HTTP_TIMEOUT"
)

// Load reads path as YAML over Default(), then applies environment
// overrides, then validates the result. A missing file is not an error: it
// yields Default() with only env overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through with defaults
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v, ok := os.LookupEnv(envCardinalityLimit); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", envCardinalityLimit, v, err)
		}
		cfg.CardinalityLimit = n
	}
	if v, ok := os.LookupEnv(envLogLevel); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv(envHTTPTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", envHTTPTimeout, v, err)
		}
		cfg.HTTPTimeout = d
	}
	return nil
}
