// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

// Config is the file form of the context options.
//
//	max_outstanding_fences = 64
//	fence_poll_interval = "1ms"
//	reject_policy = "panic"
//	shader_check = true
//	leak_collection = true
type Config struct {
	MaxOutstandingFences int          `toml:"max_outstanding_fences"`
	FencePollInterval    Duration     `toml:"fence_poll_interval"`
	RejectPolicy         RejectPolicy `toml:"reject_policy"`
	ShaderCheck          bool         `toml:"shader_check"`
	LeakCollection       bool         `toml:"leak_collection"`
}

// Duration is a time.Duration written as a string ("250us", "1ms").
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns the configuration matching the option defaults.
func DefaultConfig() Config {
	o := defaultOptions()
	return Config{
		MaxOutstandingFences: o.maxFences,
		FencePollInterval:    Duration(o.pollInterval),
		RejectPolicy:         o.reject,
		ShaderCheck:          o.shaderCheck,
		LeakCollection:       o.leakCollection,
	}
}

// ParseConfig decodes a TOML document on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	c := DefaultConfig()
	if err := toml.Unmarshal(data, &c); err != nil {
		return Config{}, errors.Wrap(err, "gpusafe: parse config")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfig reads and decodes a TOML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "gpusafe: read config %s", path)
	}
	return ParseConfig(data)
}

// Validate checks the numeric settings.
func (c Config) Validate() error {
	if c.MaxOutstandingFences < 1 {
		return errors.Newf("gpusafe: max_outstanding_fences must be at least 1, got %d", c.MaxOutstandingFences)
	}
	if c.FencePollInterval <= 0 {
		return errors.Newf("gpusafe: fence_poll_interval must be positive, got %s", time.Duration(c.FencePollInterval))
	}
	return nil
}

// Encode renders the config as TOML.
func (c Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

// Options converts the config to context options.
func (c Config) Options() []ContextOption {
	return []ContextOption{
		WithMaxOutstandingFences(c.MaxOutstandingFences),
		WithFencePollInterval(time.Duration(c.FencePollInterval)),
		WithRejectPolicy(c.RejectPolicy),
		WithShaderCheck(c.ShaderCheck),
		WithLeakCollection(c.LeakCollection),
	}
}
