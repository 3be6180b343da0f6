package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Components derive child loggers
// from it through WithComponent and WithService.
var Logger zerolog.Logger

// Level names a logging verbosity; anything unrecognized falls back to info
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Console output is the default; JSON
// suits collectors scraping a fleet of simulator services.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(string(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent derives a child logger for one coordination component
// (broker, dispatcher, negotiator, result-writer, or a simulator's core)
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithService derives a child logger for a simulator's HTTP surface, keyed
// by the name the service is registered under
func WithService(service string) zerolog.Logger {
	return Logger.With().Str("service", service).Logger()
}
