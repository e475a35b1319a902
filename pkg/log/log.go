package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Components never log through
// it directly for long-lived work; they take a child via WithComponent
// and friends so every line carries its scope.
var Logger zerolog.Logger

// Level selects the minimum severity emitted.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the root logger. JSON output is for production
// scraping; the console writer is for operators watching a coordinator
// in a terminal.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level.zerolog())

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger scoped to one subsystem
// (orchestrator, lock, eventbus, ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithMigrationID returns a child logger scoped to one Migration.
func WithMigrationID(migrationID string) zerolog.Logger {
	return Logger.With().Str("migration_id", migrationID).Logger()
}

// WithShardID returns a child logger scoped to one shard.
func WithShardID(shardID string) zerolog.Logger {
	return Logger.With().Str("shard_id", shardID).Logger()
}

// WithStepID returns a child logger scoped to one plan step.
func WithStepID(stepID string) zerolog.Logger {
	return Logger.With().Str("step_id", stepID).Logger()
}
