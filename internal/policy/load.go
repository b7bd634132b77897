package policy

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"rudder/internal/condition"
	rerrors "rudder/internal/errors"
)

// Load reads, parses, and validates a policy document from a YAML file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML policy document. The returned policy is
// fully compiled: rule conditions are parsed and the evaluation order is
// fixed. A document with any violation is rejected as a whole.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}

	p.applyDefaults()

	if err := p.compile(); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	p.finalize()
	return &p, nil
}

func (p *Policy) applyDefaults() {
	defaults := DefaultTimeouts()
	if p.Timeouts.Total <= 0 {
		p.Timeouts.Total = defaults.Total
	}
	if p.Timeouts.PerRoute <= 0 {
		p.Timeouts.PerRoute = defaults.PerRoute
	}
	if p.Sticky.Enabled && p.Sticky.TTL <= 0 {
		p.Sticky.TTL = 30 * time.Minute
	}
}

// compile parses every rule condition. Parse failures are collected into the
// validation error rather than reported one at a time.
func (p *Policy) compile() error {
	verr := &rerrors.PolicyValidation{}
	for i := range p.Rules {
		rule := &p.Rules[i]
		rule.index = i
		compiled, err := condition.Parse(rule.Condition)
		if err != nil {
			verr.Add("rule %q: %v", rule.ID, err)
			continue
		}
		rule.compiled = compiled
	}
	return verr.OrNil()
}

// finalize computes the derived lookup structures after validation passed.
func (p *Policy) finalize() {
	p.known = make(map[string]bool, len(p.Targets))
	for _, target := range p.Targets {
		p.known[target] = true
	}

	p.sorted = make([]*Rule, len(p.Rules))
	for i := range p.Rules {
		p.sorted[i] = &p.Rules[i]
	}
	sort.SliceStable(p.sorted, func(i, j int) bool {
		if p.sorted[i].Priority != p.sorted[j].Priority {
			return p.sorted[i].Priority < p.sorted[j].Priority
		}
		return p.sorted[i].index < p.sorted[j].index
	})
}
