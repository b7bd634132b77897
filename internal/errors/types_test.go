package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOracleError(t *testing.T) {
	underlying := errors.New("connection refused")
	err := &OracleError{Err: underlying}

	assert.Contains(t, err.Error(), "oracle error")
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, underlying)

	timedOut := &OracleError{Err: errors.New("deadline"), Elapsed: 2 * time.Second, Timeout: true}
	assert.Contains(t, timedOut.Error(), "timed out after 2s")
}

func TestTargetUnavailable(t *testing.T) {
	err := &TargetUnavailable{Target: "gpt-4", RetryAfter: 30 * time.Second}
	assert.Contains(t, err.Error(), `"gpt-4"`)
	assert.Contains(t, err.Error(), "30s")

	noRetry := &TargetUnavailable{Target: "gpt-4"}
	assert.NotContains(t, noRetry.Error(), "retries")
}

func TestRoutesExhausted(t *testing.T) {
	assert.Equal(t, "all routes exhausted", (&RoutesExhausted{}).Error())

	err := &RoutesExhausted{Rejected: []string{"a", "b", "c"}}
	assert.Equal(t, "all routes exhausted (rejected: a, b, c)", err.Error())
}

func TestPolicyValidation(t *testing.T) {
	var verr PolicyValidation
	require.NoError(t, verr.OrNil())

	verr.Add("rule %q references unknown target", "r1")
	verr.Add("fallback chain is empty")

	err := verr.OrNil()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 violations")
	assert.Contains(t, err.Error(), `rule "r1"`)

	var decoded *PolicyValidation
	require.ErrorAs(t, err, &decoded)
	assert.Len(t, decoded.Violations, 2)
}

func TestPolicyValidationNilReceiver(t *testing.T) {
	var verr *PolicyValidation
	assert.NoError(t, verr.OrNil())
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(nil))
	assert.True(t, IsRecoverable(&OracleError{Err: errors.New("boom")}))
	assert.True(t, IsRecoverable(&TargetUnavailable{Target: "x"}))
	assert.True(t, IsRecoverable(fmt.Errorf("wrapped: %w", &TargetUnavailable{Target: "x"})))
	assert.False(t, IsRecoverable(&RoutesExhausted{}))
	assert.False(t, IsRecoverable(errors.New("arbitrary")))
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(nil))
	assert.True(t, IsTerminal(&RoutesExhausted{}))
	assert.True(t, IsTerminal(&RoutingTimeout{Budget: 5 * time.Second, Elapsed: 6 * time.Second}))
	assert.True(t, IsTerminal(fmt.Errorf("route failed: %w", &RoutesExhausted{})))
	assert.False(t, IsTerminal(&OracleError{Err: errors.New("boom")}))
}
