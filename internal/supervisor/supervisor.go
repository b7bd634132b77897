// Package supervisor monitors work already dispatched by the router and
// requests reassignment when it crosses configured thresholds. Reassignment
// goes back through the router with the struggling target excluded, so it
// respects circuit breakers and walks the same fallback chain as any other
// route call.
package supervisor

import (
	"context"
	"time"

	"rudder/internal/logging"
	"rudder/internal/router"
)

// Trigger names the threshold that caused a reassignment.
type Trigger string

const (
	TriggerIterationsExceeded Trigger = "iterations_exceeded"
	TriggerConfidenceBelow    Trigger = "confidence_below"
	TriggerTimeout            Trigger = "timeout"
	TriggerSentiment          Trigger = "sentiment"
)

// Thresholds configures when dispatched work is considered to be
// struggling. Zero values disable the corresponding check.
type Thresholds struct {
	MaxIterations  int           `yaml:"max_iterations" json:"max_iterations"`
	MaxElapsed     time.Duration `yaml:"max_elapsed" json:"max_elapsed"`
	MinConfidence  float64       `yaml:"min_confidence" json:"min_confidence"`
	WatchSentiment bool          `yaml:"watch_sentiment" json:"watch_sentiment"`
}

// WorkReport carries the metrics a unit of dispatched work self-reports.
type WorkReport struct {
	RequestID         string         `json:"request_id"`
	SessionID         string         `json:"session_id,omitempty"`
	Target            string         `json:"target"`
	Context           map[string]any `json:"context"`
	Iterations        int            `json:"iterations"`
	Elapsed           time.Duration  `json:"elapsed"`
	Confidence        *float64       `json:"confidence,omitempty"`
	NegativeSentiment bool           `json:"negative_sentiment,omitempty"`
	// Excluded carries targets already tried for this unit of work, so
	// repeated reviews keep walking forward through the chain.
	Excluded []string `json:"excluded,omitempty"`
}

// Supervisor evaluates work reports against thresholds.
type Supervisor struct {
	router     *router.Router
	thresholds Thresholds
	logger     logging.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// New creates a Supervisor reassigning through the given router.
func New(r *router.Router, thresholds Thresholds, opts ...Option) *Supervisor {
	s := &Supervisor{
		router:     r,
		thresholds: thresholds,
		logger:     logging.NewComponentLogger("supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check reports whether the work described by report crosses a threshold,
// and which one. Checks run in severity order; the first breach wins.
func (s *Supervisor) Check(report WorkReport) (Trigger, bool) {
	if s.thresholds.MaxElapsed > 0 && report.Elapsed >= s.thresholds.MaxElapsed {
		return TriggerTimeout, true
	}
	if s.thresholds.MaxIterations > 0 && report.Iterations >= s.thresholds.MaxIterations {
		return TriggerIterationsExceeded, true
	}
	if s.thresholds.MinConfidence > 0 && report.Confidence != nil &&
		*report.Confidence < s.thresholds.MinConfidence {
		return TriggerConfidenceBelow, true
	}
	if s.thresholds.WatchSentiment && report.NegativeSentiment {
		return TriggerSentiment, true
	}
	return "", false
}

// Review evaluates report and, on a threshold breach, routes the work again
// with the current target excluded. Returns nil when no threshold was
// crossed. A reassignment failure (chain exhausted, timeout) is returned to
// the caller; the work stays where it is.
func (s *Supervisor) Review(ctx context.Context, report WorkReport) (*router.Decision, Trigger, error) {
	trigger, breached := s.Check(report)
	if !breached {
		return nil, "", nil
	}

	s.logger.Info("work %s on target %s breached %s, requesting reassignment",
		report.RequestID, report.Target, trigger)

	exclude := make([]string, 0, len(report.Excluded)+1)
	exclude = append(exclude, report.Excluded...)
	exclude = append(exclude, report.Target)

	decision, err := s.router.Route(ctx, router.Request{
		Context:   report.Context,
		SessionID: report.SessionID,
		RequestID: report.RequestID,
		Exclude:   exclude,
	})
	if err != nil {
		s.logger.Warn("reassignment of work %s failed: %v", report.RequestID, err)
		return nil, trigger, err
	}

	return &decision, trigger, nil
}
