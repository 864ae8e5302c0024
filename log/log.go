// Package log provides the structured logger used across the credential
// store. It is a thin shim over logr so that repositories can attach
// key/value context to every operation without caring which sink is
// installed. Values that must never reach a log sink verbatim are wrapped
// with Redact.
package log

import (
	stdlog "log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// Logger is the logging surface handed to repositories and the connection
// manager. Key/value pairs follow the logr convention: alternating string
// keys and arbitrary values.
type Logger struct {
	impl logr.Logger
}

// New wraps an arbitrary logr.Logger.
func New(impl logr.Logger) Logger {
	return Logger{impl: impl}
}

// NewStdLogger returns a Logger writing to stderr via the standard library
// logger. When debug is set, Debug lines are emitted as well.
func NewStdLogger(debug bool) Logger {
	if debug {
		stdr.SetVerbosity(1)
	}
	return New(stdr.New(stdlog.New(os.Stderr, "", stdlog.LstdFlags)))
}

// Debug logs a message at debug verbosity.
func (l Logger) Debug(msg string, kv ...interface{}) {
	l.impl.V(1).Info(msg, kv...)
}

// Info logs a message at the default verbosity.
func (l Logger) Info(msg string, kv ...interface{}) {
	l.impl.Info(msg, kv...)
}

// Warning logs a message that operators should look at but that did not
// fail the operation.
func (l Logger) Warning(msg string, kv ...interface{}) {
	l.impl.Info("WARNING: "+msg, kv...)
}

// Err logs an operation failure.
func (l Logger) Err(msg string, kv ...interface{}) {
	l.impl.Error(nil, msg, kv...)
}

// WithName returns a Logger whose entries carry the given component name.
func (l Logger) WithName(name string) Logger {
	return Logger{impl: l.impl.WithName(name)}
}

// Sensitive wraps a value so that every sink renders it as [REDACTED]. The
// wrapped value stays reachable through Unwrap for sinks that are explicitly
// allowed to see it.
type Sensitive struct {
	value interface{}
}

// Redact wraps a value for safe logging.
func Redact(v interface{}) Sensitive {
	return Sensitive{value: v}
}

func (s Sensitive) String() string {
	return "[REDACTED]"
}

// MarshalLog implements logr.Marshaler so structured sinks also redact.
func (s Sensitive) MarshalLog() interface{} {
	return "[REDACTED]"
}

// Unwrap returns the wrapped value.
func (s Sensitive) Unwrap() interface{} {
	return s.value
}
