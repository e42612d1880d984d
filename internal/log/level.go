package log

import (
	"strings"

	"github.com/rs/zerolog"
)

// parseLevel maps a configured level name onto zerolog. Blank or unknown
// names keep fallback.
func parseLevel(name string, fallback zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return fallback
	}
}
