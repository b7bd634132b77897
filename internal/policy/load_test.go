package policy

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	rerrors "rudder/internal/errors"
)

const validPolicy = `
targets: [t1, t2, t3, t4]
rules:
  - id: enterprise
    condition: "tier == 'enterprise'"
    target: t1
    priority: 0
  - id: billing-keywords
    condition: "subject icontains 'invoice'"
    target: t2
    priority: 10
classifier:
  endpoint: http://localhost:9000/classify
  confidence_threshold: 0.7
  labels:
    billing: t2
    support: t3
  default_target: t4
fallback_chain: [t2, t3, t4]
experiments:
  - name: t1-shadow
    original: t1
    candidate: t3
    percent: 10
    seed: t1-shadow
breaker:
  failure_threshold: 5
  recovery_time: 30s
  half_open_requests: 1
timeouts:
  total: 5s
  per_route: 2s
sticky:
  enabled: true
  ttl: 30m
`

func TestParseValidPolicy(t *testing.T) {
	pol, err := Parse([]byte(validPolicy))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(pol.Targets) != 4 {
		t.Fatalf("targets = %d, want 4", len(pol.Targets))
	}
	if !pol.KnownTarget("t3") || pol.KnownTarget("t9") {
		t.Fatalf("known-target set incorrect")
	}
	if pol.Classifier == nil || pol.Classifier.ConfidenceThreshold != 0.7 {
		t.Fatalf("classifier not decoded: %+v", pol.Classifier)
	}
	if pol.Breaker.RecoveryTime != 30*time.Second {
		t.Fatalf("breaker recovery = %v, want 30s", pol.Breaker.RecoveryTime)
	}
	if !pol.Sticky.Enabled || pol.Sticky.TTL != 30*time.Minute {
		t.Fatalf("sticky config not decoded: %+v", pol.Sticky)
	}
	for _, rule := range pol.SortedRules() {
		if rule.Compiled() == nil {
			t.Fatalf("rule %q not compiled", rule.ID)
		}
	}
}

func TestParseAppliesTimeoutDefaults(t *testing.T) {
	pol, err := Parse([]byte("targets: [t1]\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if pol.Timeouts != DefaultTimeouts() {
		t.Fatalf("timeouts = %+v, want defaults", pol.Timeouts)
	}
}

func TestSortedRulesPriorityThenDeclarationOrder(t *testing.T) {
	doc := `
targets: [t1, t2, t3]
rules:
  - id: c
    condition: "x == 1"
    target: t3
    priority: 5
  - id: a
    condition: "x == 1"
    target: t1
    priority: 0
  - id: b
    condition: "x == 1"
    target: t2
    priority: 5
`
	pol, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	var order []string
	for _, rule := range pol.SortedRules() {
		order = append(order, rule.ID)
	}
	want := []string{"a", "c", "b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("evaluation order = %v, want %v", order, want)
		}
	}
}

func TestParseCollectsAllViolations(t *testing.T) {
	doc := `
targets: [t1, t1]
rules:
  - id: r1
    condition: "tier == 'x'"
    target: ghost
  - id: r1
    condition: "not a condition"
    target: t1
fallback_chain: [t1, t1, ghost]
classifier:
  confidence_threshold: 1.5
  default_target: missing
experiments:
  - name: big
    original: t1
    candidate: t1
    percent: 70
  - name: bigger
    original: t1
    candidate: t1
    percent: 60
`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatalf("expected validation failure")
	}

	var verr *rerrors.PolicyValidation
	if !stderrors.As(err, &verr) {
		t.Fatalf("error type = %T, want *PolicyValidation", err)
	}
	// Condition parse errors are reported before the structural pass, so
	// here we expect the compile-stage violation for r1's bad condition.
	if len(verr.Violations) == 0 {
		t.Fatalf("expected violations, got none")
	}
}

func TestParseRejectsExperimentSumOver100(t *testing.T) {
	doc := `
targets: [t1, t2]
experiments:
  - name: a
    original: t1
    candidate: t2
    percent: 60
  - name: b
    original: t1
    candidate: t2
    percent: 50
`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatalf("expected rejection for experiment sum over 100")
	}
	if !strings.Contains(err.Error(), "exceeding 100") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseRejectsMismatchedExperimentSeeds(t *testing.T) {
	doc := `
targets: [t1, t2, t3]
experiments:
  - name: a
    original: t1
    candidate: t2
    percent: 30
    seed: alpha
  - name: b
    original: t1
    candidate: t3
    percent: 30
    seed: beta
`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatalf("expected rejection for mismatched seeds on one original")
	}
	if !strings.Contains(err.Error(), "must share a seed") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseRejectsUnknownTargets(t *testing.T) {
	cases := map[string]string{
		"rule target": `
targets: [t1]
rules:
  - id: r1
    condition: "x == 1"
    target: ghost
`,
		"fallback chain": `
targets: [t1]
fallback_chain: [ghost]
`,
		"classifier default": `
targets: [t1]
classifier:
  confidence_threshold: 0.5
  default_target: ghost
`,
		"classifier label": `
targets: [t1]
classifier:
  confidence_threshold: 0.5
  default_target: t1
  labels:
    billing: ghost
`,
		"experiment candidate": `
targets: [t1]
experiments:
  - name: e
    original: t1
    candidate: ghost
    percent: 10
`,
	}

	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected rejection", name)
		}
	}
}

func TestParseRejectsPerRouteOverTotal(t *testing.T) {
	doc := `
targets: [t1]
timeouts:
  total: 1s
  per_route: 2s
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatalf("expected rejection when per_route exceeds total")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(validPolicy), 0o644); err != nil {
		t.Fatalf("write temp policy: %v", err)
	}

	pol, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(pol.Rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(pol.Rules))
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestHolderAtomicSwap(t *testing.T) {
	first, err := Parse([]byte("targets: [t1]\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	second, err := Parse([]byte("targets: [t2]\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	holder := NewHolder(first)
	if holder.Current() != first {
		t.Fatalf("holder should return the initial policy")
	}

	prev := holder.Replace(second)
	if prev != first {
		t.Fatalf("Replace should return the previous policy")
	}
	if holder.Current() != second {
		t.Fatalf("holder should return the swapped policy")
	}
}
