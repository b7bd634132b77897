package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OracleError wraps a failure from the classification oracle. The router
// treats it as a low-confidence classification, never as a routing failure.
type OracleError struct {
	Err     error
	Elapsed time.Duration // how long the oracle call ran before failing
	Timeout bool          // the per-attempt deadline was exceeded
}

func (e *OracleError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("oracle timed out after %v: %v", e.Elapsed, e.Err)
	}
	return fmt.Sprintf("oracle error: %v", e.Err)
}

func (e *OracleError) Unwrap() error {
	return e.Err
}

// TargetUnavailable signals that a candidate target is gated by its circuit
// breaker. It drives the fallback walk and is not surfaced to callers unless
// the whole chain is exhausted.
type TargetUnavailable struct {
	Target     string
	RetryAfter time.Duration // time until the breaker may transition to half-open
}

func (e *TargetUnavailable) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("target %q unavailable, breaker retries in %v", e.Target, e.RetryAfter)
	}
	return fmt.Sprintf("target %q unavailable", e.Target)
}

// RoutesExhausted is the terminal condition for a route call: the candidate
// and every fallback were unavailable or already rejected.
type RoutesExhausted struct {
	Rejected []string // rejection trace, in order
}

func (e *RoutesExhausted) Error() string {
	if len(e.Rejected) == 0 {
		return "all routes exhausted"
	}
	return fmt.Sprintf("all routes exhausted (rejected: %s)", strings.Join(e.Rejected, ", "))
}

// RoutingTimeout is surfaced when the total routing budget is exceeded before
// a viable target was found.
type RoutingTimeout struct {
	Budget  time.Duration
	Elapsed time.Duration
}

func (e *RoutingTimeout) Error() string {
	return fmt.Sprintf("routing timed out after %v (budget %v)", e.Elapsed, e.Budget)
}

// PolicyValidation reports every violation found while loading a routing
// policy. A policy with any violation is rejected as a whole; this error is
// never raised mid-routing.
type PolicyValidation struct {
	Violations []string
}

func (e *PolicyValidation) Error() string {
	switch len(e.Violations) {
	case 0:
		return "invalid routing policy"
	case 1:
		return "invalid routing policy: " + e.Violations[0]
	default:
		return fmt.Sprintf("invalid routing policy (%d violations): %s",
			len(e.Violations), strings.Join(e.Violations, "; "))
	}
}

// Add records a violation and returns the receiver for chaining.
func (e *PolicyValidation) Add(format string, args ...any) *PolicyValidation {
	e.Violations = append(e.Violations, fmt.Sprintf(format, args...))
	return e
}

// OrNil returns nil when no violations were recorded.
func (e *PolicyValidation) OrNil() error {
	if e == nil || len(e.Violations) == 0 {
		return nil
	}
	return e
}

// IsRecoverable reports whether the router can continue after err by
// degrading (oracle failures) or falling back (unavailable targets).
// Exhaustion and timeout are terminal for the route call.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var oracleErr *OracleError
	if errors.As(err, &oracleErr) {
		return true
	}
	var unavailable *TargetUnavailable
	return errors.As(err, &unavailable)
}

// IsTerminal reports whether err ends the route call with no decision.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var exhausted *RoutesExhausted
	if errors.As(err, &exhausted) {
		return true
	}
	var timeout *RoutingTimeout
	return errors.As(err, &timeout)
}
