// Package logging builds the agent's zerolog loggers.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Environment variables that override the profile defaults
const (
	// EnvLogLevel sets the minimum level, e.g. debug or warn
	EnvLogLevel = "SVCAGENT_LOG_LEVEL"
	// EnvLogTimestamp toggles timestamps on each line
	EnvLogTimestamp = "SVCAGENT_LOG_TIMESTAMP"
	// EnvLogNoColor disables ANSI colors in console output
	EnvLogNoColor = "SVCAGENT_LOG_NOCOLOR"
)

// Profile selects a set of logger defaults
type Profile int

const (
	// ProfileRuntime is used by the agent binary
	ProfileRuntime Profile = iota
	// ProfileTest is used by package tests
	ProfileTest
)

// Config is the resolved logger configuration
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
}

func defaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{Level: zerolog.DebugLevel, Timestamp: false, NoColor: true}
	default:
		return Config{Level: zerolog.InfoLevel, Timestamp: true}
	}
}

// Resolve returns the profile defaults with environment overrides applied
func Resolve(profile Profile) Config {
	cfg := defaultConfig(profile)
	applyEnvOverrides(&cfg)
	return cfg
}

// New builds a console logger writing to w
func New(w io.Writer, cfg Config) zerolog.Logger {
	out := zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    cfg.NoColor,
		TimeFormat: time.RFC3339,
	}
	ctx := zerolog.New(out).Level(cfg.Level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

// Runtime returns the agent's process logger on stderr
func Runtime() zerolog.Logger {
	return New(os.Stderr, Resolve(ProfileRuntime))
}

// ForTest returns a logger that writes through t.Log. Any *testing.T or
// *testing.B satisfies zerolog.TestingLog.
func ForTest(t zerolog.TestingLog) zerolog.Logger {
	t.Helper()
	cfg := Resolve(ProfileTest)
	return zerolog.New(zerolog.NewTestWriter(t)).Level(cfg.Level)
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

// ParseLevel maps a level name to a zerolog level
func ParseLevel(raw string) (zerolog.Level, bool) {
	return parseLevel(raw)
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
