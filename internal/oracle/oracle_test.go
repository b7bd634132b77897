package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPOracleClassify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		w.Write([]byte(`{"label":"billing","confidence":0.9}`))
	}))
	defer server.Close()

	o := NewHTTPOracle(server.URL)
	got, err := o.Classify(context.Background(), map[string]any{"subject": "invoice"})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if got.Label != "billing" || got.Confidence != 0.9 {
		t.Fatalf("classification = %+v", got)
	}
}

func TestHTTPOracleRepairsMalformedJSON(t *testing.T) {
	// Trailing comma and single quotes, as model-fronted classifiers
	// sometimes produce.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{'label': 'support', 'confidence': 0.8,}`))
	}))
	defer server.Close()

	o := NewHTTPOracle(server.URL)
	got, err := o.Classify(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Classify failed on repairable JSON: %v", err)
	}
	if got.Label != "support" || got.Confidence != 0.8 {
		t.Fatalf("classification = %+v", got)
	}
}

func TestHTTPOracleRejectsBadResponses(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"server error":    {http.StatusInternalServerError, `{}`},
		"missing label":   {http.StatusOK, `{"confidence":0.9}`},
		"confidence high": {http.StatusOK, `{"label":"x","confidence":1.5}`},
		"confidence low":  {http.StatusOK, `{"label":"x","confidence":-0.1}`},
		"unrepairable":    {http.StatusOK, `not json at all {{{`},
	}

	for name, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(tc.body))
		}))
		if _, err := NewHTTPOracle(server.URL).Classify(context.Background(), nil); err == nil {
			t.Fatalf("%s: expected error", name)
		}
		server.Close()
	}
}

func TestHTTPOracleHonorsContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewHTTPOracle(server.URL).Classify(ctx, nil); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}

func TestKeywordOracle(t *testing.T) {
	o := NewKeywordOracle("subject", 0.85).
		Rule("invoice", "billing").
		Rule("crash", "support")

	got, err := o.Classify(context.Background(), map[string]any{"subject": "My INVOICE is wrong"})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if got.Label != "billing" || got.Confidence != 0.85 {
		t.Fatalf("classification = %+v", got)
	}

	if _, err := o.Classify(context.Background(), map[string]any{"subject": "hello"}); err == nil {
		t.Fatalf("expected error when no keyword matches")
	}
	if _, err := o.Classify(context.Background(), map[string]any{"subject": 42}); err == nil {
		t.Fatalf("expected error for non-string field")
	}
}

func TestStubOracleSequence(t *testing.T) {
	stub := NewStubOracle(
		StubResult{Classification: Classification{Label: "a", Confidence: 0.9}},
		StubResult{Err: errors.New("boom")},
	)

	first, err := stub.Classify(context.Background(), nil)
	if err != nil || first.Label != "a" {
		t.Fatalf("first = %+v, %v", first, err)
	}
	if _, err := stub.Classify(context.Background(), nil); err == nil {
		t.Fatalf("second call should return the stubbed error")
	}
	// Last result repeats.
	if _, err := stub.Classify(context.Background(), nil); err == nil {
		t.Fatalf("exhausted stub should repeat last result")
	}
	if stub.Calls != 3 {
		t.Fatalf("calls = %d, want 3", stub.Calls)
	}
}

// blockingOracle parks every call until released, counting entries.
type blockingOracle struct {
	entered atomic.Int32
	release chan struct{}
}

func (b *blockingOracle) Classify(ctx context.Context, _ map[string]any) (Classification, error) {
	b.entered.Add(1)
	select {
	case <-b.release:
		return Classification{Label: "ok", Confidence: 1}, nil
	case <-ctx.Done():
		return Classification{}, ctx.Err()
	}
}

func TestDedupedCollapsesConcurrentCalls(t *testing.T) {
	inner := &blockingOracle{release: make(chan struct{})}
	deduped := NewDeduped(inner, ContextKey)

	reqCtx := map[string]any{"subject": "same"}

	var wg sync.WaitGroup
	results := make([]Classification, 8)
	classify := func(i int) {
		defer wg.Done()
		got, err := deduped.Classify(context.Background(), reqCtx)
		if err != nil {
			t.Errorf("Classify failed: %v", err)
		}
		results[i] = got
	}

	// Park the first flight upstream, then pile the rest onto it.
	wg.Add(1)
	go classify(0)
	for inner.entered.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	for i := 1; i < 8; i++ {
		wg.Add(1)
		go classify(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	if n := inner.entered.Load(); n >= 8 {
		t.Fatalf("expected collapsed upstream calls, got %d", n)
	}
	for i, got := range results {
		if got.Label != "ok" {
			t.Fatalf("result %d = %+v", i, got)
		}
	}
}

func TestDedupedEmptyKeyBypasses(t *testing.T) {
	stub := NewStubOracle(StubResult{Classification: Classification{Label: "x", Confidence: 1}})
	deduped := NewDeduped(stub, func(map[string]any) string { return "" })

	for i := 0; i < 3; i++ {
		if _, err := deduped.Classify(context.Background(), nil); err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
	}
	if stub.Calls != 3 {
		t.Fatalf("empty key should not collapse calls, got %d", stub.Calls)
	}
}

func TestContextKeyStable(t *testing.T) {
	a := ContextKey(map[string]any{"b": 2, "a": 1})
	b := ContextKey(map[string]any{"a": 1, "b": 2})
	if a == "" || a != b {
		t.Fatalf("context keys differ for equal contexts: %q vs %q", a, b)
	}
}
