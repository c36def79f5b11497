// Package plog adapts the teacher framework's leveled/tagged logger
// (internal/logger: SetLevel, EnableCategory, tag constants) onto
// zerolog's structured sub-logger model: a "tag" becomes a "component"
// field, and category filtering becomes per-component log-level gating.
package plog

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Component tags, mirroring the teacher's internal/logger/tags.go.
const (
	TagStage    = "stage"
	TagPipeline = "pipeline"
	TagChannel  = "channel"
	TagPool     = "pool"
	TagFork     = "fork"
)

var (
	base         zerolog.Logger
	mu           sync.RWMutex
	categories   = map[string]bool{}
	filterActive bool
)

func init() {
	level := zerolog.InfoLevel
	switch strings.ToLower(os.Getenv("PAPALINE_LOG_LEVEL")) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "silent", "off":
		level = zerolog.Disabled
	}

	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).With().Timestamp().Logger()

	if cats := os.Getenv("PAPALINE_LOG_CATEGORIES"); cats != "" {
		filterActive = true
		for _, c := range strings.Split(cats, ",") {
			categories[strings.ToLower(strings.TrimSpace(c))] = true
		}
	}
}

// For returns a sub-logger tagged with the given component, suppressed
// entirely if PAPALINE_LOG_CATEGORIES is set and doesn't name it.
func For(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if filterActive && !categories[component] {
		return zerolog.Nop()
	}
	return base.With().Str("component", component).Logger()
}
