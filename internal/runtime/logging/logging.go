// Package logging defines the logger contract shared by every courier
// component and adapters for the loggers applications already run.
package logging

import (
	"maps"
)

// LogFields are structured key/value pairs attached to a log line.
type LogFields map[string]any

// Merge returns a new LogFields holding f overlaid with other. Neither input
// is modified.
func (f LogFields) Merge(other LogFields) LogFields {
	if len(f) == 0 && len(other) == 0 {
		return nil
	}
	out := make(LogFields, len(f)+len(other))
	maps.Copy(out, f)
	maps.Copy(out, other)
	return out
}

// ServiceLogger is the logging contract consumed by the service, the poll
// loops, the outbox worker and the transports. Trace is reserved for per-poll
// and per-record chatter.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// Component scopes log to a named background component such as the outbox
// worker or the inbox purger.
func Component(log ServiceLogger, name string, extra LogFields) ServiceLogger {
	if log == nil {
		log = NopLogger()
	}
	return log.With(LogFields{"component": name}.Merge(extra))
}
