// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpusafe

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the package logger. Contexts created without
// WithLogger capture it at creation time.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the default logger for gpusafe and its driver
// packages. By default nothing is logged. Pass nil to restore silence.
//
// Log levels used by gpusafe:
//   - [slog.LevelDebug]: fence insertion and waits, uniform cache hits, mappings
//   - [slog.LevelInfo]: context creation and the negotiated capabilities
//   - [slog.LevelWarn]: forced fence waits at the cap, leaked handles
//   - [slog.LevelError]: driver rejections of validated requests
//
// Example:
//
//	gpusafe.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
}

// Logger returns the current package logger. Driver packages call it to
// share the configuration without an import cycle.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
