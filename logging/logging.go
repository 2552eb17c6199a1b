// Package logging configures the process-wide structured logger and
// formats the per-flow access record written at teardown.
package logging

import (
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// Options configures the process logger, mirroring the bootstrap flags
// read from the command line / yaml config file.
type Options struct {
	Level  string // "debug", "info", "warn", "error"
	JSON   bool
	Output io.Writer // defaults to os.Stderr when nil
}

// Init configures the standard logger and returns it. Call once at
// startup; every package in this module logs through log.StandardLogger()
// or a field-scoped entry derived from it.
func Init(o Options) (*log.Logger, error) {
	logger := log.StandardLogger()

	level := log.InfoLevel
	if o.Level != "" {
		parsed, err := log.ParseLevel(o.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	logger.SetLevel(level)

	if o.JSON {
		logger.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if o.Output != nil {
		logger.SetOutput(o.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}

	return logger, nil
}
