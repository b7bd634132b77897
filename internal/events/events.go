// Package events defines the observable events the routing engine emits and
// the Emitter contract consumers implement. Transports (metrics, logs, the
// websocket stream) plug in behind the same interface.
package events

import (
	"context"
	"time"
)

// Kind identifies the event family for envelope consumers.
type Kind string

const (
	KindDecision             Kind = "decision"
	KindBreakerTransition    Kind = "breaker_transition"
	KindExperimentAssignment Kind = "experiment_assignment"
	KindRoutesExhausted      Kind = "routes_exhausted"
	KindOracleCall           Kind = "oracle_call"
)

// DecisionEvent is emitted for every committed routing decision.
type DecisionEvent struct {
	Target        string        `json:"target"`
	Reason        string        `json:"reason"`
	Confidence    *float64      `json:"confidence,omitempty"`
	LowConfidence bool          `json:"low_confidence,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
	SessionID     string        `json:"session_id,omitempty"`
	RequestID     string        `json:"request_id,omitempty"`
}

// BreakerTransitionEvent is emitted on every circuit breaker state change.
type BreakerTransitionEvent struct {
	Target string    `json:"target"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
}

// ExperimentAssignmentEvent is emitted whenever the splitter diverts traffic
// into an experiment bucket.
type ExperimentAssignmentEvent struct {
	Experiment string `json:"experiment"`
	Original   string `json:"original"`
	Assigned   string `json:"assigned"`
	StableKey  string `json:"stable_key"`
}

// OracleCallEvent is emitted for every classification oracle call, successful
// or not. Status is one of "success", "error", "timeout".
type OracleCallEvent struct {
	Status  string        `json:"status"`
	Elapsed time.Duration `json:"elapsed"`
}

// RoutesExhaustedEvent is emitted when a route call fails terminally with no
// viable target.
type RoutesExhaustedEvent struct {
	Rejected  []string      `json:"rejected"`
	Elapsed   time.Duration `json:"elapsed"`
	SessionID string        `json:"session_id,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

// Emitter receives engine events. Implementations must be safe for
// concurrent use and must not block the routing path.
type Emitter interface {
	Decision(ctx context.Context, ev DecisionEvent)
	BreakerTransition(ctx context.Context, ev BreakerTransitionEvent)
	ExperimentAssignment(ctx context.Context, ev ExperimentAssignmentEvent)
	OracleCall(ctx context.Context, ev OracleCallEvent)
	RoutesExhausted(ctx context.Context, ev RoutesExhaustedEvent)
}

type nopEmitter struct{}

func (nopEmitter) Decision(context.Context, DecisionEvent)                         {}
func (nopEmitter) BreakerTransition(context.Context, BreakerTransitionEvent)       {}
func (nopEmitter) ExperimentAssignment(context.Context, ExperimentAssignmentEvent) {}
func (nopEmitter) OracleCall(context.Context, OracleCallEvent)                     {}
func (nopEmitter) RoutesExhausted(context.Context, RoutesExhaustedEvent)           {}

// Nop returns an emitter that discards all events.
func Nop() Emitter {
	return nopEmitter{}
}

// OrNop returns emitter when non-nil, otherwise a no-op emitter.
func OrNop(emitter Emitter) Emitter {
	if emitter == nil {
		return Nop()
	}
	return emitter
}

type multiEmitter struct {
	emitters []Emitter
}

// Multi returns an emitter fan-out that calls every non-nil emitter in order.
func Multi(emitters ...Emitter) Emitter {
	flattened := make([]Emitter, 0, len(emitters))
	for _, emitter := range emitters {
		if emitter == nil {
			continue
		}
		if me, ok := emitter.(*multiEmitter); ok {
			flattened = append(flattened, me.emitters...)
			continue
		}
		flattened = append(flattened, emitter)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiEmitter{emitters: flattened}
}

func (m *multiEmitter) Decision(ctx context.Context, ev DecisionEvent) {
	for _, emitter := range m.emitters {
		emitter.Decision(ctx, ev)
	}
}

func (m *multiEmitter) BreakerTransition(ctx context.Context, ev BreakerTransitionEvent) {
	for _, emitter := range m.emitters {
		emitter.BreakerTransition(ctx, ev)
	}
}

func (m *multiEmitter) ExperimentAssignment(ctx context.Context, ev ExperimentAssignmentEvent) {
	for _, emitter := range m.emitters {
		emitter.ExperimentAssignment(ctx, ev)
	}
}

func (m *multiEmitter) OracleCall(ctx context.Context, ev OracleCallEvent) {
	for _, emitter := range m.emitters {
		emitter.OracleCall(ctx, ev)
	}
}

func (m *multiEmitter) RoutesExhausted(ctx context.Context, ev RoutesExhaustedEvent) {
	for _, emitter := range m.emitters {
		emitter.RoutesExhausted(ctx, ev)
	}
}
