// Package logging holds the pslog helpers shared by every celerix binary.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// EnvPrefix is the environment prefix read by New (CELERIX_LOG_LEVEL, ...).
const EnvPrefix = "CELERIX_LOG_"

var (
	noOnce   sync.Once
	noLogger pslog.Logger
)

// New builds the process logger writing structured lines to w.
// level overrides the environment when it parses.
func New(w io.Writer, app, level string) pslog.Logger {
	if w == nil {
		w = os.Stderr
	}
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix(EnvPrefix),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(w),
	).With("app", app)
	if lvl, ok := pslog.ParseLevel(strings.TrimSpace(level)); ok && level != "" {
		logger = logger.LogLevel(lvl)
	}
	return logger
}

// NoopLogger returns a disabled logger that discards all entries.
func NoopLogger() pslog.Logger {
	noOnce.Do(func() {
		noLogger = pslog.LoggerFromEnv(context.Background(),
			pslog.WithEnvPrefix("CELERIX_NOLOG_"),
			pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.Disabled}),
			pslog.WithEnvWriter(io.Discard),
		)
	})
	return noLogger
}

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// Subsystem tags l with a dot-delimited service name.
func Subsystem(l pslog.Logger, parts ...string) pslog.Logger {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return EnsureLogger(l).With("svc", strings.Join(filtered, "."))
}
