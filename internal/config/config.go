// Package config loads ambient engine defaults — the handful of numeric
// assumptions and feature toggles that are reasonable to override from a
// config file or the environment without touching Go call sites.
//
// Configuration is read from multiple sources; a value from a source
// higher in this list overrides the same value from a source below it:
//  1. Environment variables (BATCHEVAL_ prefix)
//  2. A YAML config file (if present)
//  3. Built-in defaults
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Defaults holds ambient engine defaults that are not part of a single
// Evaluate() call's configuration (those are Go values passed directly by
// the caller) but instead tune operational behavior across calls: the
// progress cadence, the cost-estimation assumptions, and default retry
// shape when a caller does not specify one.
type Defaults struct {
	Concurrency        int           `mapstructure:"concurrency"`
	ProgressInterval   time.Duration `mapstructure:"progress_interval"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	ExponentialBackoff bool          `mapstructure:"exponential_backoff"`

	// CostEstimate configures the best-effort running-cost projection
	// surfaced on ProgressEvent; it never feeds control decisions.
	TokensPerRowEstimate   int64   `mapstructure:"tokens_per_row_estimate"`
	PricePerMillionTokens  float64 `mapstructure:"price_per_million_tokens"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultDefaults returns the engine's built-in defaults, used when no
// config file or environment override is present.
func DefaultDefaults() Defaults {
	return Defaults{
		Concurrency:           5,
		ProgressInterval:      time.Second,
		MaxRetries:            3,
		RetryDelay:            time.Second,
		ExponentialBackoff:    true,
		TokensPerRowEstimate:  500,
		PricePerMillionTokens: 1.0,
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

// Load reads defaults from an optional YAML file at path (ignored if
// empty or missing) and BATCHEVAL_-prefixed environment variables,
// falling back to DefaultDefaults for anything unset. A ".env" file in
// the working directory, if present, is loaded into the environment
// first so local overrides behave the same as in a deployed shell.
func Load(path string) (Defaults, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("BATCHEVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := DefaultDefaults()
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("progress_interval", d.ProgressInterval)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("retry_delay", d.RetryDelay)
	v.SetDefault("exponential_backoff", d.ExponentialBackoff)
	v.SetDefault("tokens_per_row_estimate", d.TokensPerRowEstimate)
	v.SetDefault("price_per_million_tokens", d.PricePerMillionTokens)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return Defaults{}, fmt.Errorf("failed to read config file %q: %w", path, err)
			}
		}
	}

	var out Defaults
	if err := v.Unmarshal(&out); err != nil {
		return Defaults{}, fmt.Errorf("failed to unmarshal engine defaults: %w", err)
	}

	return out, nil
}
