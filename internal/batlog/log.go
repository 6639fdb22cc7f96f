// Package batlog configures the single charmbracelet/log logger shared by
// every BatRack package, the way samoyed's cmd binaries each set up one
// shared logger at startup rather than letting packages reach for globals.
package batlog

import (
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// New builds the station-wide logger. levelName follows the BatRack.conf
// "logging_level" field (e.g. "DEBUG", "INFO", "WARNING"); an unrecognised
// value falls back to Info, matching Python logging's lenient behaviour.
func New(levelName string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02T15:04:05",
	})

	logger.SetLevel(parseLevel(levelName))

	return logger
}

// parseLevel accepts the Python logging module's level names in addition to
// charmbracelet/log's own, since BatRack.conf historically used the former.
func parseLevel(name string) log.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return log.DebugLevel
	case "WARNING", "WARN":
		return log.WarnLevel
	case "ERROR", "CRITICAL", "FATAL":
		return log.ErrorLevel
	case "INFO", "":
		return log.InfoLevel
	default:
		if lvl, err := log.ParseLevel(name); err == nil {
			return lvl
		}
		return log.InfoLevel
	}
}
