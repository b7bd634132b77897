// Package policy holds the routing policy model: rules, classifier
// configuration, fallback chain, experiments, breaker settings, and timeout
// budgets. A policy is immutable once loaded; replacement is a whole-object
// atomic swap via Holder, never an in-place mutation.
package policy

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"rudder/internal/breaker"
	"rudder/internal/condition"
	"rudder/internal/experiment"
)

// Rule routes requests whose context matches its condition to a target.
// Lower priority values are evaluated first; ties break by declaration
// order.
type Rule struct {
	ID        string `yaml:"id" json:"id"`
	Condition string `yaml:"condition" json:"condition"`
	Target    string `yaml:"target" json:"target"`
	Priority  int    `yaml:"priority" json:"priority"`

	compiled *condition.Condition
	index    int // declaration order, for stable tie-breaking
}

// Compiled returns the rule's parsed condition. Nil until the policy has
// been loaded.
func (r *Rule) Compiled() *condition.Condition {
	return r.compiled
}

// ClassifierConfig configures the classification fallback consulted when no
// rule matches.
type ClassifierConfig struct {
	Endpoint            string            `yaml:"endpoint" json:"endpoint"`
	ConfidenceThreshold float64           `yaml:"confidence_threshold" json:"confidence_threshold"`
	Labels              map[string]string `yaml:"labels" json:"labels"` // label -> target
	DefaultTarget       string            `yaml:"default_target" json:"default_target"`
}

// TimeoutPolicy bounds routing time. PerRoute caps each oracle call and the
// cumulative fallback walk; Total caps the whole route call.
type TimeoutPolicy struct {
	Total    time.Duration `yaml:"total" json:"total"`
	PerRoute time.Duration `yaml:"per_route" json:"per_route"`
}

// UnmarshalYAML decodes timeouts given as Go duration strings.
func (t *TimeoutPolicy) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		Total    string `yaml:"total"`
		PerRoute string `yaml:"per_route"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}

	var err error
	if t.Total, err = parseDuration(aux.Total); err != nil {
		return fmt.Errorf("timeouts.total: %w", err)
	}
	if t.PerRoute, err = parseDuration(aux.PerRoute); err != nil {
		return fmt.Errorf("timeouts.per_route: %w", err)
	}
	return nil
}

// DefaultTimeouts returns the timeout budget used when a policy leaves it
// unset.
func DefaultTimeouts() TimeoutPolicy {
	return TimeoutPolicy{
		Total:    5 * time.Second,
		PerRoute: 2 * time.Second,
	}
}

// StickyPolicy configures session stickiness.
type StickyPolicy struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	TTL         time.Duration `yaml:"ttl" json:"ttl"`
	MaxSessions int           `yaml:"max_sessions" json:"max_sessions"` // 0 = unbounded store
}

// UnmarshalYAML decodes the sticky policy with ttl given as a Go duration
// string.
func (s *StickyPolicy) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		Enabled     bool   `yaml:"enabled"`
		TTL         string `yaml:"ttl"`
		MaxSessions int    `yaml:"max_sessions"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}

	s.Enabled = aux.Enabled
	s.MaxSessions = aux.MaxSessions

	var err error
	if s.TTL, err = parseDuration(aux.TTL); err != nil {
		return fmt.Errorf("sticky.ttl: %w", err)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Policy is a complete, validated routing policy.
type Policy struct {
	Targets          []string                  `yaml:"targets" json:"targets"`
	Rules            []Rule                    `yaml:"rules" json:"rules"`
	Classifier       *ClassifierConfig         `yaml:"classifier,omitempty" json:"classifier,omitempty"`
	FallbackChain    []string                  `yaml:"fallback_chain" json:"fallback_chain"`
	Experiments      []experiment.Definition   `yaml:"experiments" json:"experiments"`
	Breaker          breaker.Config            `yaml:"breaker" json:"breaker"`
	BreakerOverrides map[string]breaker.Config `yaml:"breaker_overrides,omitempty" json:"breaker_overrides,omitempty"`
	Timeouts         TimeoutPolicy             `yaml:"timeouts" json:"timeouts"`
	Sticky           StickyPolicy              `yaml:"sticky" json:"sticky"`

	// Evaluation order, computed once at load time and reused for every
	// route call.
	sorted []*Rule
	known  map[string]bool
}

// SortedRules returns the rules in evaluation order: priority ascending,
// declaration order on ties.
func (p *Policy) SortedRules() []*Rule {
	return p.sorted
}

// KnownTarget reports whether target appears in the policy's target set.
func (p *Policy) KnownTarget(target string) bool {
	return p.known[target]
}
