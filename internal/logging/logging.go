// Package logging builds the process-wide structured logger used by
// the session core, the session manager, and the event bus.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls how the logger is constructed.
type Config struct {
	Level  string // trace|debug|info|warn|error|fatal
	Format string // json|text
}

// New builds a logrus.FieldLogger from cfg, writing to stdout.
func New(cfg Config) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("logging: unknown level %q: %w", cfg.Level, err)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("logging: unsupported format %q (must be json or text)", cfg.Format)
	}

	return logger, nil
}

// ForSession scopes logger with the fields every Session log line
// should carry.
func ForSession(logger logrus.FieldLogger, sessionID, direction string) logrus.FieldLogger {
	return logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"direction":  direction,
	})
}
