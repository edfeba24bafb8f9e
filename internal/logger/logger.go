// Package logger owns the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the global logger. It writes nowhere until Initialize runs so
// tests stay quiet.
var Logger = zerolog.Nop()

// Initialize sets up the global logger as JSON on stdout at logLevel.
func Initialize(logLevel string) {
	InitializeWriter(os.Stdout, logLevel)
}

// InitializeWriter is Initialize with an explicit sink.
func InitializeWriter(w io.Writer, logLevel string) {
	zerolog.TimeFieldFormat = time.RFC3339

	Logger = zerolog.New(w).
		With().
		Timestamp().
		Str("service", "perp-engine").
		Logger()

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = Logger
}

// Get returns the global logger instance.
func Get() *zerolog.Logger {
	return &Logger
}

// GetForComponent returns a logger tagged with a component field.
func GetForComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
