// Package logging owns log configuration profiles for the proxy library
// and its tests.
//
// Ownership boundary:
// - runtime/test logging profiles
// - environment variable overrides
package logging

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "PSPPROXY_LOG_LEVEL"
	EnvLogNoColor = "PSPPROXY_LOG_NOCOLOR"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

var configureOnce sync.Once

func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

func Configure(profile Profile) {
	configureOnce.Do(func() {
		level := zerolog.InfoLevel
		if profile == ProfileTest {
			level = zerolog.DebugLevel
		}
		if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
			level = lvl
		}
		zerolog.SetGlobalLevel(level)
	})
}

// SetLevel applies a level name, ignoring unknown values.
func SetLevel(raw string) {
	if lvl, ok := parseLevel(raw); ok {
		zerolog.SetGlobalLevel(lvl)
	}
}

// New builds a console logger tagged with the application name.
func New(app string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
		NoColor:    noColor(),
	}
	return zerolog.New(output).With().Timestamp().Str("app", app).Logger()
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
	case "off", "disabled":
		return zerolog.Disabled, true
	}
	return zerolog.InfoLevel, false
}

func noColor() bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogNoColor)))
	return err == nil && v
}
