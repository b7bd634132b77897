package httpapi

import (
	"time"

	"rudder/internal/breaker"
	"rudder/internal/router"
)

// APIResponse is the envelope every JSON endpoint answers with.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// RouteRequest is the body of POST /v1/route.
type RouteRequest struct {
	Context   map[string]interface{} `json:"context"`
	SessionID string                 `json:"session_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Exclude   []string               `json:"exclude,omitempty"`
}

// RouteResponse mirrors a routing decision.
type RouteResponse struct {
	Target        string   `json:"target"`
	Reason        string   `json:"reason"`
	Confidence    *float64 `json:"confidence,omitempty"`
	LowConfidence bool     `json:"low_confidence,omitempty"`
	Rule          string   `json:"rule,omitempty"`
	Experiment    string   `json:"experiment,omitempty"`
	Label         string   `json:"label,omitempty"`
	ElapsedMS     int64    `json:"elapsed_ms"`
	SessionID     string   `json:"session_id,omitempty"`
	RequestID     string   `json:"request_id"`
}

// OutcomeRequest is the body of POST /v1/outcome.
type OutcomeRequest struct {
	Target    string `json:"target"`
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
}

// ReviewRequest is the body of POST /v1/review: a self-report for a unit of
// dispatched work the supervisor should evaluate.
type ReviewRequest struct {
	RequestID         string         `json:"request_id"`
	SessionID         string         `json:"session_id,omitempty"`
	Target            string         `json:"target"`
	Context           map[string]any `json:"context"`
	Iterations        int            `json:"iterations"`
	ElapsedMS         int64          `json:"elapsed_ms"`
	Confidence        *float64       `json:"confidence,omitempty"`
	NegativeSentiment bool           `json:"negative_sentiment,omitempty"`
	Excluded          []string       `json:"excluded,omitempty"`
}

// ReviewResponse reports the supervisor's verdict. Decision is set only when
// the work was reassigned.
type ReviewResponse struct {
	Reassigned bool           `json:"reassigned"`
	Trigger    string         `json:"trigger,omitempty"`
	Decision   *RouteResponse `json:"decision,omitempty"`
}

// BreakersResponse lists breaker snapshots per target.
type BreakersResponse struct {
	Breakers []breaker.Snapshot `json:"breakers"`
}

// HealthResponse is returned by GET /v1/health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Sessions  int       `json:"sessions"`
}

func toRouteResponse(d *router.Decision) RouteResponse {
	return RouteResponse{
		Target:        d.Target,
		Reason:        string(d.Reason),
		Confidence:    d.Confidence,
		LowConfidence: d.LowConfidence,
		Rule:          d.Rule,
		Experiment:    d.Experiment,
		Label:         d.Label,
		ElapsedMS:     d.Elapsed.Milliseconds(),
		SessionID:     d.SessionID,
		RequestID:     d.RequestID,
	}
}
