package router

import (
	"time"
)

// Reason codes a Decision can carry.
type Reason string

const (
	// ReasonSticky - the session's previous target was live and available.
	ReasonSticky Reason = "sticky"
	// ReasonRuleMatch - a static rule condition matched the request context.
	ReasonRuleMatch Reason = "rule_match"
	// ReasonClassifier - the classification oracle (or its configured
	// default on low confidence / error) chose the target.
	ReasonClassifier Reason = "classifier"
	// ReasonFallback - the candidate was unavailable and the fallback chain
	// supplied a replacement.
	ReasonFallback Reason = "fallback"
	// ReasonExperimentOverride - the experiment splitter diverted the
	// candidate into an experiment bucket.
	ReasonExperimentOverride Reason = "experiment_override"
)

// Request is one unit of work to route.
type Request struct {
	// Context is the document rule conditions and the oracle see.
	Context map[string]any `json:"context"`
	// SessionID enables stickiness and stable experiment bucketing. Optional.
	SessionID string `json:"session_id,omitempty"`
	// RequestID identifies the request; generated when empty.
	RequestID string `json:"request_id,omitempty"`
	// Exclude lists targets this call must not choose. The supervisor uses
	// it to force reassignment away from a struggling target.
	Exclude []string `json:"exclude,omitempty"`
}

// Decision is the immutable routing verdict returned to the caller. The
// router retains no reference to it after return.
type Decision struct {
	Target        string        `json:"target"`
	Reason        Reason        `json:"reason"`
	Confidence    *float64      `json:"confidence,omitempty"`
	LowConfidence bool          `json:"low_confidence,omitempty"`
	Rule          string        `json:"rule,omitempty"`       // matched rule id
	Experiment    string        `json:"experiment,omitempty"` // experiment that diverted the target
	Label         string        `json:"label,omitempty"`      // oracle label, when classified
	Elapsed       time.Duration `json:"elapsed"`
	SessionID     string        `json:"session_id,omitempty"`
	RequestID     string        `json:"request_id,omitempty"`
}

// Outcome reports how dispatched work finished. It feeds the circuit
// breaker registry and, on failure, drops the session's stickiness so the
// next turn re-evaluates from scratch. It never retroactively changes a
// Decision already returned.
type Outcome struct {
	Target    string `json:"target"`
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
}
