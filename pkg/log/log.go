// Package log provides structured logging for the orchestrator using zerolog.
//
// It wraps zerolog to give every component a structured (JSON or console), leveled logger
// with consistent context fields (job id, runner id, pool id) so records can
// be correlated across the router, scheduler, executor, and security
// pipeline without reflection or string formatting.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, set by Init.
var Logger zerolog.Logger

// Level is a logging severity threshold.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how Init configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger from cfg.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the owning component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithJobID returns a child logger tagged with a job id.
func WithJobID(jobID string) zerolog.Logger {
	return Logger.With().Str("job_id", jobID).Logger()
}

// WithRunnerID returns a child logger tagged with a runner id.
func WithRunnerID(runnerID string) zerolog.Logger {
	return Logger.With().Str("runner_id", runnerID).Logger()
}

// WithPoolID returns a child logger tagged with a resource pool id.
func WithPoolID(poolID string) zerolog.Logger {
	return Logger.With().Str("pool_id", poolID).Logger()
}

func init() {
	// Sane default so packages that log before Init (tests, early boot)
	// still get readable output instead of a zero-value discard logger.
	Init(Config{Level: InfoLevel, JSONOutput: false})
}
