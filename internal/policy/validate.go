package policy

import (
	rerrors "rudder/internal/errors"
)

// validate checks the whole policy and returns a *rerrors.PolicyValidation
// listing every violation found. A policy failing any check is rejected as a
// whole; partial or defaulted policies are never accepted.
func (p *Policy) validate() error {
	verr := &rerrors.PolicyValidation{}

	known := make(map[string]bool, len(p.Targets))
	if len(p.Targets) == 0 {
		verr.Add("no targets declared")
	}
	for _, target := range p.Targets {
		if target == "" {
			verr.Add("empty target name")
			continue
		}
		if known[target] {
			verr.Add("duplicate target %q", target)
		}
		known[target] = true
	}

	p.validateRules(known, verr)
	p.validateClassifier(known, verr)
	p.validateFallbackChain(known, verr)
	p.validateExperiments(known, verr)
	p.validateTimeouts(verr)

	return verr.OrNil()
}

func (p *Policy) validateRules(known map[string]bool, verr *rerrors.PolicyValidation) {
	seen := make(map[string]bool, len(p.Rules))
	for i := range p.Rules {
		rule := &p.Rules[i]
		if rule.ID == "" {
			verr.Add("rule at index %d missing id", i)
		} else if seen[rule.ID] {
			verr.Add("duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = true

		if !known[rule.Target] {
			verr.Add("rule %q references unknown target %q", rule.ID, rule.Target)
		}
	}
}

func (p *Policy) validateClassifier(known map[string]bool, verr *rerrors.PolicyValidation) {
	c := p.Classifier
	if c == nil {
		return
	}

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		verr.Add("classifier confidence threshold %v outside [0,1]", c.ConfidenceThreshold)
	}
	if c.DefaultTarget == "" {
		verr.Add("classifier missing default target")
	} else if !known[c.DefaultTarget] {
		verr.Add("classifier default references unknown target %q", c.DefaultTarget)
	}
	for label, target := range c.Labels {
		if !known[target] {
			verr.Add("classifier label %q references unknown target %q", label, target)
		}
	}
}

func (p *Policy) validateFallbackChain(known map[string]bool, verr *rerrors.PolicyValidation) {
	seen := make(map[string]bool, len(p.FallbackChain))
	for _, target := range p.FallbackChain {
		if !known[target] {
			verr.Add("fallback chain references unknown target %q", target)
		}
		if seen[target] {
			verr.Add("fallback chain lists target %q twice", target)
		}
		seen[target] = true
	}
}

func (p *Policy) validateExperiments(known map[string]bool, verr *rerrors.PolicyValidation) {
	names := make(map[string]bool, len(p.Experiments))
	// Experiment percentages sharing an original target must not sum past
	// 100; a violation fails validation rather than being silently clamped.
	sums := make(map[string]float64)
	// Experiments sharing an original must also share a seed, so they split
	// consecutive slices of one bucket space and shares stay exact.
	seeds := make(map[string]string)

	for i := range p.Experiments {
		exp := &p.Experiments[i]
		if exp.Name == "" {
			verr.Add("experiment at index %d missing name", i)
		} else if names[exp.Name] {
			verr.Add("duplicate experiment name %q", exp.Name)
		}
		names[exp.Name] = true

		if !known[exp.Original] {
			verr.Add("experiment %q references unknown original target %q", exp.Name, exp.Original)
		}
		if !known[exp.Candidate] {
			verr.Add("experiment %q references unknown candidate target %q", exp.Name, exp.Candidate)
		}
		if exp.Percent < 0 || exp.Percent > 100 {
			verr.Add("experiment %q percent %v outside [0,100]", exp.Name, exp.Percent)
		}
		if seed, seen := seeds[exp.Original]; seen {
			if seed != exp.Seed {
				verr.Add("experiments for original target %q must share a seed", exp.Original)
			}
		} else {
			seeds[exp.Original] = exp.Seed
		}
		sums[exp.Original] += exp.Percent
	}

	for original, sum := range sums {
		if sum > 100 {
			verr.Add("experiments for original target %q sum to %v%%, exceeding 100%%", original, sum)
		}
	}
}

func (p *Policy) validateTimeouts(verr *rerrors.PolicyValidation) {
	if p.Timeouts.PerRoute > p.Timeouts.Total {
		verr.Add("per_route timeout %v exceeds total budget %v", p.Timeouts.PerRoute, p.Timeouts.Total)
	}
}
