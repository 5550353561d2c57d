package config

import (
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// SetupLogging configures the package-level logger every component uses.
func SetupLogging(level string) {
	log.SetOutput(os.Stderr)
	log.SetTimeFormat(time.Kitchen)
	log.SetReportTimestamp(true)
	log.SetLevel(parseLevel(level))
}

func parseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
