// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"log/slog"
	"time"
)

// Defaults for context options.
const (
	// DefaultMaxOutstandingFences caps the unsignaled fences a context keeps.
	DefaultMaxOutstandingFences = 64

	// DefaultFencePollInterval is the slice a fence wait blocks in the
	// driver before checking for cancellation.
	DefaultFencePollInterval = time.Millisecond
)

// ContextOption configures a Context during creation.
//
// Example:
//
//	ctx, err := gpusafe.NewContext(drv,
//	    gpusafe.WithMaxOutstandingFences(16),
//	    gpusafe.WithRejectPolicy(gpusafe.RejectReturn))
type ContextOption func(*contextOptions)

// contextOptions holds optional configuration for Context creation.
type contextOptions struct {
	maxFences      int
	pollInterval   time.Duration
	reject         RejectPolicy
	logger         *slog.Logger
	shaderCheck    bool
	leakCollection bool
}

// defaultOptions returns the default context options.
func defaultOptions() contextOptions {
	return contextOptions{
		maxFences:      DefaultMaxOutstandingFences,
		pollInterval:   DefaultFencePollInterval,
		reject:         RejectPanic,
		shaderCheck:    true,
		leakCollection: true,
	}
}

// WithMaxOutstandingFences sets the fence cap. When inserting a fence
// would exceed it, the oldest outstanding fence is waited on first.
// Values below 1 are ignored.
func WithMaxOutstandingFences(n int) ContextOption {
	return func(o *contextOptions) {
		if n >= 1 {
			o.maxFences = n
		}
	}
}

// WithFencePollInterval sets how long a fence wait blocks in the driver
// between cancellation checks. Values <= 0 are ignored.
func WithFencePollInterval(d time.Duration) ContextOption {
	return func(o *contextOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithRejectPolicy sets what happens when the driver rejects a validated request.
func WithRejectPolicy(p RejectPolicy) ContextOption {
	return func(o *contextOptions) {
		o.reject = p
	}
}

// WithLogger sets the context's logger. The default is the package logger
// at creation time, see SetLogger.
func WithLogger(l *slog.Logger) ContextOption {
	return func(o *contextOptions) {
		o.logger = l
	}
}

// WithShaderCheck enables compiling WGSL program sources with naga before
// they reach the driver. Enabled by default.
func WithShaderCheck(enabled bool) ContextOption {
	return func(o *contextOptions) {
		o.shaderCheck = enabled
	}
}

// WithLeakCollection enables reclaiming handles that become unreachable
// without Release. Enabled by default.
func WithLeakCollection(enabled bool) ContextOption {
	return func(o *contextOptions) {
		o.leakCollection = enabled
	}
}

// WithConfig applies every setting of a Config.
func WithConfig(c Config) ContextOption {
	return func(o *contextOptions) {
		for _, opt := range c.Options() {
			opt(o)
		}
	}
}
