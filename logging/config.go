package logging

import (
	"context"
	"log/slog"
	"strings"
)

// Environment names for Config.Environment.
const (
	EnvDevelopment = "dev"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// LevelTrace is below debug. Per-record engine activity is logged here.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel maps a level name to its slog level. An empty name is info;
// unknown names report false.
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// ForEnvironment fills what c leaves empty from its environment: text for
// dev and test, json for production. Production never records source
// locations.
func ForEnvironment(c Config) Config {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	if env == "development" || env == "" {
		env = EnvDevelopment
	}
	c.Environment = env

	switch env {
	case EnvProduction:
		if c.Format == "" {
			c.Format = "json"
		}
		c.AddSource = false
	case EnvTest:
		if c.Format == "" {
			c.Format = "text"
		}
		if c.Level == "" {
			c.Level = "warn"
		}
	default:
		if c.Format == "" {
			c.Format = "text"
		}
	}
	if c.Level == "" {
		c.Level = "info"
	}
	return c
}

// Trace logs at LevelTrace.
func Trace(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.Log(ctx, LevelTrace, msg, args...)
}

// LevelVar is a level that can change while loggers built on it run.
type LevelVar struct {
	slog.LevelVar
}

// SetFromString sets the level by name. Unknown names leave it unchanged
// and report false.
func (v *LevelVar) SetFromString(name string) bool {
	level, ok := ParseLevel(name)
	if ok {
		v.Set(level)
	}
	return ok
}

// NewLoggerWithDynamicLevel builds a logger whose level follows the returned
// LevelVar, starting at config.Level.
func NewLoggerWithDynamicLevel(config Config) (*Logger, *LevelVar) {
	lv := &LevelVar{}
	lv.SetFromString(config.Level)
	return newLogger(config, &lv.LevelVar), lv
}

// replaceLevel names levels below debug TRACE instead of DEBUG-4.
func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level < slog.LevelDebug {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
