// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel `yaml:"level"`

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool `yaml:"pretty"`

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer `yaml:"-"`
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ValidLevel reports whether level is one of the known levels.
func ValidLevel(level LogLevel) bool {
	switch strings.ToLower(string(level)) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit, store, fingerprint)
//   - Retry scheduling (attempt, backoff)
//   - Requests that are not cacheable
//
// Info: Normal operation events
//   - Successful requests
//   - Circuit breaker closing or probing
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts
//   - Circuit breaker opening, rejected calls
//   - Cache backend errors (treated as misses)
//
// Error: Error conditions requiring attention
//   - Failed requests (after retries)
//   - Configuration errors
//
// Context Fields:
//   - request_id: Tracing identifier of the chat call
//   - model: Requested model
//   - failure: Failure kind (network, timeout, http_status, parsing, cancelled, circuit_open)
//   - status: Upstream HTTP status code
//   - attempt / attempts: Attempt number, total attempts
//   - backoff: Delay before the next attempt
//   - from / to / reason: Breaker transition
//   - fingerprint: Cache key of the request
