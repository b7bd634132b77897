package events

import (
	"context"
	"strings"
)

// Logger is the printf-style contract LogEmitter writes to. It is
// structurally identical to the application logger so call sites can pass
// one straight in.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// LogEmitter writes every event to a logger. It is the default transport
// when no metrics collector is wired in.
type LogEmitter struct {
	logger Logger
}

// NewLogEmitter creates a LogEmitter on the given logger.
func NewLogEmitter(logger Logger) *LogEmitter {
	if logger == nil {
		logger = nopLogger{}
	}
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Decision(_ context.Context, ev DecisionEvent) {
	e.logger.Debug("decision target=%s reason=%s elapsed=%v session=%s",
		ev.Target, ev.Reason, ev.Elapsed, ev.SessionID)
}

func (e *LogEmitter) BreakerTransition(_ context.Context, ev BreakerTransitionEvent) {
	e.logger.Info("breaker %s: %s -> %s", ev.Target, ev.From, ev.To)
}

func (e *LogEmitter) ExperimentAssignment(_ context.Context, ev ExperimentAssignmentEvent) {
	e.logger.Debug("experiment %s diverted %s -> %s (key=%s)",
		ev.Experiment, ev.Original, ev.Assigned, ev.StableKey)
}

func (e *LogEmitter) OracleCall(_ context.Context, ev OracleCallEvent) {
	e.logger.Debug("oracle call %s in %v", ev.Status, ev.Elapsed)
}

func (e *LogEmitter) RoutesExhausted(_ context.Context, ev RoutesExhaustedEvent) {
	e.logger.Warn("routes exhausted after %v, rejected: %s",
		ev.Elapsed, strings.Join(ev.Rejected, ", "))
}
