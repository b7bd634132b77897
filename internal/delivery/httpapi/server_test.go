package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"rudder/internal/breaker"
	"rudder/internal/events"
	"rudder/internal/policy"
	"rudder/internal/router"
	"rudder/internal/stickiness"
	"rudder/internal/supervisor"
)

const testPolicy = `
targets: [t1, t2, t3]
rules:
  - id: enterprise
    condition: "tier == 'enterprise'"
    target: t1
    priority: 0
fallback_chain: [t1, t2, t3]
sticky:
  enabled: true
  ttl: 30m
`

func newTestServer(t *testing.T) (*Server, *events.Broadcaster) {
	t.Helper()

	pol, err := policy.Parse([]byte(testPolicy))
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}

	broadcaster := events.NewBroadcaster(16)
	policies := policy.NewHolder(pol)
	breakers := breaker.NewRegistry(pol.Breaker, breaker.WithEmitter(broadcaster))
	tracker := stickiness.NewTracker(stickiness.NewInMemoryStore(), pol.Sticky.TTL)
	r := router.New(policies, breakers, tracker, router.WithEmitter(broadcaster))
	sup := supervisor.New(r, supervisor.Thresholds{MaxIterations: 10})

	return NewServer(r, policies, tracker, sup, broadcaster, DefaultServerConfig(), nil), broadcaster
}

func doJSON(t *testing.T, s *Server, method, path string, body any) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)

	var decoded APIResponse
	if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return w, decoded
}

func TestHandleRoute(t *testing.T) {
	s, _ := newTestServer(t)

	w, resp := doJSON(t, s, http.MethodPost, "/v1/route", RouteRequest{
		Context:   map[string]any{"tier": "enterprise"},
		SessionID: "s1",
	})
	if w.Code != http.StatusOK || !resp.Success {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	data, _ := json.Marshal(resp.Data)
	var decision RouteResponse
	if err := json.Unmarshal(data, &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if decision.Target != "t1" || decision.Reason != "rule_match" {
		t.Fatalf("decision = %+v, want t1/rule_match", decision)
	}
	if decision.RequestID == "" {
		t.Fatalf("request id missing from response")
	}
}

func TestHandleRouteRejectsBadBody(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/route", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleRouteExhaustedReturns503(t *testing.T) {
	s, _ := newTestServer(t)

	for _, target := range []string{"t1", "t2", "t3"} {
		for i := 0; i < 5; i++ {
			doJSON(t, s, http.MethodPost, "/v1/outcome", OutcomeRequest{Target: target, Success: false})
		}
	}

	w, resp := doJSON(t, s, http.MethodPost, "/v1/route", RouteRequest{
		Context: map[string]any{"tier": "enterprise"},
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: %s", w.Code, w.Body.String())
	}
	if resp.Success || resp.Error == "" {
		t.Fatalf("expected error envelope, got %+v", resp)
	}

	// Every rejected target sits behind an open breaker, so the response
	// tells the client when the soonest one will admit a trial again.
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil {
		t.Fatalf("Retry-After = %q, want seconds: %v", w.Header().Get("Retry-After"), err)
	}
	if retryAfter <= 0 || retryAfter > 30 {
		t.Fatalf("Retry-After = %d, want within the 30s recovery window", retryAfter)
	}
}

func TestHandleOutcomeDrivesBreakers(t *testing.T) {
	s, _ := newTestServer(t)

	for i := 0; i < 5; i++ {
		w, _ := doJSON(t, s, http.MethodPost, "/v1/outcome", OutcomeRequest{Target: "t1", Success: false})
		if w.Code != http.StatusOK {
			t.Fatalf("outcome status = %d", w.Code)
		}
	}

	w, resp := doJSON(t, s, http.MethodGet, "/v1/breakers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("breakers status = %d", w.Code)
	}

	data, _ := json.Marshal(resp.Data)
	var breakersResp BreakersResponse
	if err := json.Unmarshal(data, &breakersResp); err != nil {
		t.Fatalf("decode breakers: %v", err)
	}
	if len(breakersResp.Breakers) != 1 || breakersResp.Breakers[0].State != "open" {
		t.Fatalf("breakers = %+v, want t1 open", breakersResp.Breakers)
	}
}

func TestHandleOutcomeRequiresTarget(t *testing.T) {
	s, _ := newTestServer(t)

	w, _ := doJSON(t, s, http.MethodPost, "/v1/outcome", OutcomeRequest{Success: true})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleResetBreaker(t *testing.T) {
	s, _ := newTestServer(t)

	for i := 0; i < 5; i++ {
		doJSON(t, s, http.MethodPost, "/v1/outcome", OutcomeRequest{Target: "t1", Success: false})
	}

	w, _ := doJSON(t, s, http.MethodPost, "/v1/breakers/t1/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset status = %d", w.Code)
	}

	_, resp := doJSON(t, s, http.MethodGet, "/v1/breakers", nil)
	data, _ := json.Marshal(resp.Data)
	var breakersResp BreakersResponse
	if err := json.Unmarshal(data, &breakersResp); err != nil {
		t.Fatalf("decode breakers: %v", err)
	}
	if breakersResp.Breakers[0].State != "closed" {
		t.Fatalf("state = %s, want closed after reset", breakersResp.Breakers[0].State)
	}

	w, _ = doJSON(t, s, http.MethodPost, "/v1/breakers/ghost/reset", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown target reset status = %d, want 404", w.Code)
	}
}

func TestHandleGetPolicy(t *testing.T) {
	s, _ := newTestServer(t)

	w, resp := doJSON(t, s, http.MethodGet, "/v1/policy", nil)
	if w.Code != http.StatusOK || !resp.Success {
		t.Fatalf("status = %d", w.Code)
	}
	data, _ := json.Marshal(resp.Data)
	if !strings.Contains(string(data), "enterprise") {
		t.Fatalf("policy body missing rules: %s", data)
	}
}

func TestHandlePutPolicySwapsAtomically(t *testing.T) {
	s, _ := newTestServer(t)

	updated := `
targets: [n1, n2]
rules:
  - id: all
    condition: "tier == 'pro'"
    target: n1
fallback_chain: [n1, n2]
`
	req := httptest.NewRequest(http.MethodPut, "/v1/policy", strings.NewReader(updated))
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", w.Code, w.Body.String())
	}

	_, resp := doJSON(t, s, http.MethodPost, "/v1/route", RouteRequest{
		Context: map[string]any{"tier": "pro"},
	})
	data, _ := json.Marshal(resp.Data)
	var decision RouteResponse
	if err := json.Unmarshal(data, &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if decision.Target != "n1" {
		t.Fatalf("route after swap = %s, want n1", decision.Target)
	}
}

func TestHandlePutPolicyAppliesBreakerConfig(t *testing.T) {
	s, _ := newTestServer(t)

	// One failure stays well under the default threshold of five.
	doJSON(t, s, http.MethodPost, "/v1/outcome", OutcomeRequest{Target: "t1", Success: false})

	updated := `
targets: [t1, t2, t3]
rules:
  - id: enterprise
    condition: "tier == 'enterprise'"
    target: t1
fallback_chain: [t1, t2, t3]
breaker:
  failure_threshold: 2
  recovery_time: 30s
`
	req := httptest.NewRequest(http.MethodPut, "/v1/policy", strings.NewReader(updated))
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", w.Code, w.Body.String())
	}

	// The second failure crosses the swapped-in threshold of two.
	doJSON(t, s, http.MethodPost, "/v1/outcome", OutcomeRequest{Target: "t1", Success: false})

	_, resp := doJSON(t, s, http.MethodGet, "/v1/breakers", nil)
	data, _ := json.Marshal(resp.Data)
	var breakersResp BreakersResponse
	if err := json.Unmarshal(data, &breakersResp); err != nil {
		t.Fatalf("decode breakers: %v", err)
	}
	if len(breakersResp.Breakers) != 1 || breakersResp.Breakers[0].State != "open" {
		t.Fatalf("breakers = %+v, want t1 open under replacement config", breakersResp.Breakers)
	}
}

func TestHandlePutPolicyRejectsInvalid(t *testing.T) {
	s, _ := newTestServer(t)

	invalid := `
targets: [n1]
rules:
  - id: bad
    condition: "tier == 'pro'"
    target: ghost
`
	req := httptest.NewRequest(http.MethodPut, "/v1/policy", strings.NewReader(invalid))
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", w.Code, w.Body.String())
	}

	// The previous policy stays in effect.
	_, resp := doJSON(t, s, http.MethodPost, "/v1/route", RouteRequest{
		Context: map[string]any{"tier": "enterprise"},
	})
	data, _ := json.Marshal(resp.Data)
	var decision RouteResponse
	if err := json.Unmarshal(data, &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if decision.Target != "t1" {
		t.Fatalf("rejected policy must not apply, got %s", decision.Target)
	}
}

func TestHandleReview(t *testing.T) {
	s, _ := newTestServer(t)

	// Under the iteration threshold: no reassignment.
	w, resp := doJSON(t, s, http.MethodPost, "/v1/review", ReviewRequest{
		Target:     "t1",
		Context:    map[string]any{"tier": "enterprise"},
		Iterations: 3,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("review status = %d: %s", w.Code, w.Body.String())
	}
	data, _ := json.Marshal(resp.Data)
	var review ReviewResponse
	if err := json.Unmarshal(data, &review); err != nil {
		t.Fatalf("decode review: %v", err)
	}
	if review.Reassigned {
		t.Fatalf("healthy work must not be reassigned: %+v", review)
	}

	// Over the threshold: reassigned away from t1.
	w, resp = doJSON(t, s, http.MethodPost, "/v1/review", ReviewRequest{
		Target:     "t1",
		Context:    map[string]any{"tier": "enterprise"},
		Iterations: 10,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("review status = %d: %s", w.Code, w.Body.String())
	}
	data, _ = json.Marshal(resp.Data)
	review = ReviewResponse{}
	if err := json.Unmarshal(data, &review); err != nil {
		t.Fatalf("decode review: %v", err)
	}
	if !review.Reassigned || review.Trigger != "iterations_exceeded" {
		t.Fatalf("review = %+v, want reassignment on iterations_exceeded", review)
	}
	if review.Decision == nil || review.Decision.Target == "t1" {
		t.Fatalf("decision = %+v, want a target other than t1", review.Decision)
	}
}

func TestHandleReviewRequiresTarget(t *testing.T) {
	s, _ := newTestServer(t)

	w, _ := doJSON(t, s, http.MethodPost, "/v1/review", ReviewRequest{Iterations: 99})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t)

	w, resp := doJSON(t, s, http.MethodGet, "/v1/health", nil)
	if w.Code != http.StatusOK || !resp.Success {
		t.Fatalf("health status = %d", w.Code)
	}
}

func TestEventsWebSocketStream(t *testing.T) {
	s, broadcaster := newTestServer(t)

	httpServer := httptest.NewServer(s.Engine())
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the subscription.
	deadline := time.Now().Add(2 * time.Second)
	for broadcaster.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	broadcaster.Decision(context.Background(), events.DecisionEvent{Target: "t1", Reason: "rule_match"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Kind    string `json:"kind"`
		Payload struct {
			Target string `json:"target"`
		} `json:"payload"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if env.Kind != "decision" || env.Payload.Target != "t1" {
		t.Fatalf("event = %+v", env)
	}
}
