package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// KeywordOracle is a deterministic Oracle for tests and local runs. It scans
// a string field of the request context for configured keywords and returns
// the first matching label with a fixed confidence. No network calls are made.
type KeywordOracle struct {
	field      string
	labels     map[string]string // keyword -> label, scanned in insertion order
	order      []string
	confidence float64
}

// NewKeywordOracle creates a KeywordOracle reading the given context field.
func NewKeywordOracle(field string, confidence float64) *KeywordOracle {
	return &KeywordOracle{
		field:      field,
		labels:     make(map[string]string),
		confidence: confidence,
	}
}

// Rule adds a keyword-to-label mapping and returns the receiver for chaining.
func (o *KeywordOracle) Rule(keyword, label string) *KeywordOracle {
	if _, exists := o.labels[keyword]; !exists {
		o.order = append(o.order, keyword)
	}
	o.labels[keyword] = label
	return o
}

// Classify implements Oracle.
func (o *KeywordOracle) Classify(_ context.Context, reqCtx map[string]any) (Classification, error) {
	value, ok := reqCtx[o.field].(string)
	if !ok {
		return Classification{}, fmt.Errorf("context field %q is not a string", o.field)
	}

	lowered := strings.ToLower(value)
	for _, keyword := range o.order {
		if strings.Contains(lowered, strings.ToLower(keyword)) {
			return Classification{Label: o.labels[keyword], Confidence: o.confidence}, nil
		}
	}
	return Classification{}, fmt.Errorf("no keyword matched %q", o.field)
}

// StubOracle returns canned results in sequence and records the calls it
// receives. For tests.
type StubOracle struct {
	mu      sync.Mutex
	results []StubResult
	idx     int
	Calls   int
}

// StubResult is one canned Classify outcome.
type StubResult struct {
	Classification Classification
	Err            error
}

// NewStubOracle creates a StubOracle. The last result repeats once the
// sequence is exhausted.
func NewStubOracle(results ...StubResult) *StubOracle {
	return &StubOracle{results: results}
}

// Classify implements Oracle.
func (s *StubOracle) Classify(ctx context.Context, _ map[string]any) (Classification, error) {
	if err := ctx.Err(); err != nil {
		return Classification{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++

	if len(s.results) == 0 {
		return Classification{}, fmt.Errorf("stub oracle has no results")
	}
	result := s.results[s.idx]
	if s.idx < len(s.results)-1 {
		s.idx++
	}
	return result.Classification, result.Err
}
