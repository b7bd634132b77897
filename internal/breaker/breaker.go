// Package breaker implements per-target failure isolation as a
// closed/open/half-open state machine. Each target gets its own lazily
// created record with its own mutex, so routing latency stays independent of
// the size of the target set.
package breaker

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// State represents the state of a target's circuit breaker.
type State int

const (
	// StateClosed - normal operation, requests allowed
	StateClosed State = iota
	// StateOpen - failing, requests blocked until recovery time elapses
	StateOpen
	// StateHalfOpen - issuing limited trial requests to test recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures circuit breaker behavior for a target.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"` // consecutive failures to open (default 5)
	RecoveryTime     time.Duration `yaml:"recovery_time" json:"recovery_time"`         // time open before allowing trials (default 30s)
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests"` // max outstanding trials while half-open (default 1)
}

// DefaultConfig returns sensible defaults. HalfOpenRequests defaults to a
// single sequential trial to avoid a thundering herd against a recovering
// target.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTime:     30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// UnmarshalYAML decodes the config with recovery_time given as a Go
// duration string ("30s", "2m").
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		FailureThreshold int    `yaml:"failure_threshold"`
		RecoveryTime     string `yaml:"recovery_time"`
		HalfOpenRequests int    `yaml:"half_open_requests"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}

	c.FailureThreshold = aux.FailureThreshold
	c.HalfOpenRequests = aux.HalfOpenRequests
	if aux.RecoveryTime != "" {
		d, err := time.ParseDuration(aux.RecoveryTime)
		if err != nil {
			return fmt.Errorf("recovery_time: %w", err)
		}
		c.RecoveryTime = d
	}
	return nil
}

// withDefaults fills zero-valued fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTime <= 0 {
		c.RecoveryTime = d.RecoveryTime
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = d.HalfOpenRequests
	}
	return c
}

// Snapshot is a point-in-time view of one target's breaker.
type Snapshot struct {
	Target          string    `json:"target"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	OpenedAt        time.Time `json:"opened_at,omitempty"`
	TrialsInFlight  int       `json:"trials_in_flight,omitempty"`
	LastTransition  time.Time `json:"last_transition,omitempty"`
}

// transition records a state change for event emission outside the lock.
type transition struct {
	target string
	from   State
	to     State
	at     time.Time
}

// record holds breaker state for a single target. All fields are guarded by
// the record's own mutex; see Registry.
type record struct {
	config Config

	state          State
	failureCount   int
	openedAt       time.Time
	trialsInFlight int
	lastTransition time.Time
}

func newRecord(config Config, now time.Time) *record {
	return &record{
		config:         config.withDefaults(),
		state:          StateClosed,
		lastTransition: now,
	}
}

// admit reports whether a request may be routed to the target now. It
// performs the open -> half_open auto-transition and accounts half-open trial
// admissions; any transition performed is returned for emission.
func (r *record) admit(target string, now time.Time) (bool, *transition) {
	switch r.state {
	case StateClosed:
		return true, nil

	case StateOpen:
		if now.Sub(r.openedAt) >= r.config.RecoveryTime {
			tr := r.setState(target, StateHalfOpen, now)
			r.trialsInFlight = 1
			return true, tr
		}
		return false, nil

	case StateHalfOpen:
		if r.trialsInFlight >= r.config.HalfOpenRequests {
			return false, nil
		}
		r.trialsInFlight++
		return true, nil

	default:
		return false, nil
	}
}

// retryAfter returns how long until an open breaker admits a trial. Zero when
// not open.
func (r *record) retryAfter(now time.Time) time.Duration {
	if r.state != StateOpen {
		return 0
	}
	remaining := r.config.RecoveryTime - now.Sub(r.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// reportOutcome applies a success or failure to the state machine.
func (r *record) reportOutcome(target string, success bool, now time.Time) *transition {
	if success {
		return r.onSuccess(target, now)
	}
	return r.onFailure(target, now)
}

func (r *record) onSuccess(target string, now time.Time) *transition {
	switch r.state {
	case StateClosed:
		r.failureCount = 0
		return nil

	case StateHalfOpen:
		// A trial success closes the breaker and resets the failure counter.
		tr := r.setState(target, StateClosed, now)
		r.failureCount = 0
		r.trialsInFlight = 0
		return tr

	case StateOpen:
		// Outcome from a request admitted before the breaker opened.
		return nil

	default:
		return nil
	}
}

func (r *record) onFailure(target string, now time.Time) *transition {
	switch r.state {
	case StateClosed:
		r.failureCount++
		if r.failureCount >= r.config.FailureThreshold {
			tr := r.setState(target, StateOpen, now)
			r.openedAt = now
			return tr
		}
		return nil

	case StateHalfOpen:
		// A trial failure reopens the breaker and restarts the recovery clock.
		tr := r.setState(target, StateOpen, now)
		r.openedAt = now
		r.trialsInFlight = 0
		return tr

	case StateOpen:
		return nil

	default:
		return nil
	}
}

// reset forces the breaker back to closed.
func (r *record) reset(target string, now time.Time) *transition {
	var tr *transition
	if r.state != StateClosed {
		tr = r.setState(target, StateClosed, now)
	}
	r.failureCount = 0
	r.trialsInFlight = 0
	return tr
}

func (r *record) setState(target string, to State, now time.Time) *transition {
	from := r.state
	r.state = to
	r.lastTransition = now
	return &transition{target: target, from: from, to: to, at: now}
}

func (r *record) snapshot(target string) Snapshot {
	return Snapshot{
		Target:         target,
		State:          r.state.String(),
		FailureCount:   r.failureCount,
		OpenedAt:       r.openedAt,
		TrialsInFlight: r.trialsInFlight,
		LastTransition: r.lastTransition,
	}
}
