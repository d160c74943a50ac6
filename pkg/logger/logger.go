// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type loggerKey struct{}

var globalLogger zerolog.Logger

func init() {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	pname, err := os.Executable()
	if err != nil {
		pname = os.Args[0]
	}

	level := zerolog.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		level, err = zerolog.ParseLevel(raw)
		if err != nil || level == zerolog.NoLevel {
			level = zerolog.InfoLevel
			log.Warn().Err(err).Msgf("invalid LOG_LEVEL %q, defaulting to INFO", raw)
		}
	}

	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}

	globalLogger = log.With().
		Str("hostname", hostname).
		Str("executable", filepath.Base(pname)).
		Stack().
		Caller().
		Logger().
		Level(level)

	log.Logger = globalLogger
}

// Ctx returns the logger attached to ctx, or the global logger.
func Ctx(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		return &globalLogger
	}
	if l, ok := ctx.Value(loggerKey{}).(*zerolog.Logger); ok && l != nil {
		return l
	}
	return &globalLogger
}

func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// With returns a child of the global logger, for components that carry
// their own fields (instance id, source type).
func With() zerolog.Context {
	return globalLogger.With()
}

// SetLevel updates the global log level
func SetLevel(level zerolog.Level) {
	globalLogger = globalLogger.Level(level)
	log.Logger = globalLogger
}

// Fatal logs a fatal message and exits
func Fatal() *zerolog.Event {
	return globalLogger.Fatal()
}

// Error logs an error message
func Error() *zerolog.Event {
	return globalLogger.Error()
}

// Warn logs a warning message
func Warn() *zerolog.Event {
	return globalLogger.Warn()
}

// Info logs an info message
func Info() *zerolog.Event {
	return globalLogger.Info()
}

// Debug logs a debug message
func Debug() *zerolog.Event {
	return globalLogger.Debug()
}
