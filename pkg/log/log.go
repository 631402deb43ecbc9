// Package log provides structured logging for the fabric using zerolog.
//
// SLMF components take a zerolog.Logger in their constructor; the broker
// additionally derives per-connection loggers from the process-wide sink
// via WithConnection. log.Init sets up that sink, used by cmd/slmfd and by
// pkg/logpipeline's bootstrap fallback (§4.8).
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-global sink. Components should prefer an injected
// zerolog.Logger; Logger exists for cmd/slmfd and early-startup code paths
// that run before any component is constructed.
var Logger zerolog.Logger

// Level names accepted by Init.
type Level string

const (
	DebugLevel    Level = "debug"
	InfoLevel     Level = "info"
	WarnLevel     Level = "warn"
	ErrorLevel    Level = "error"
	SecurityLevel Level = "security"
)

// securityLevel is a zerolog custom level above Error, used for
// UnauthorizedPeer and other §7 SECURITY-kind events so they are never
// confused with ordinary operational errors.
const securityLevel zerolog.Level = zerolog.Level(9)

func init() {
	zerolog.LevelFieldMarshalFunc = func(l zerolog.Level) string {
		if l == securityLevel {
			return "security"
		}
		return l.String()
	}
}

// Config holds process-wide logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init installs the global logger. Call once from the composition root.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	case SecurityLevel:
		level = securityLevel
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

// WithComponent returns a child logger tagged with a component identity
// (e.g. "message_bus_broker", "message_bus_client_scheduler").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithConnection tags a child logger with a broker connection id.
func WithConnection(connID string) zerolog.Logger {
	return Logger.With().Str("connection_id", connID).Logger()
}

// WithTopic tags a child logger with a canonical topic.
func WithTopic(topic string) zerolog.Logger {
	return Logger.With().Str("topic", topic).Logger()
}

// WithTask tags a child logger with a scheduled task id.
func WithTask(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}

// Security logs a SECURITY-level event (§7 UnauthorizedPeer and similar).
// reason is a short machine-stable string, e.g. "UnauthorizedPeer".
func Security(l zerolog.Logger, reason, msg string) {
	l.WithLevel(securityLevel).Str("reason", reason).Msg(msg)
}
