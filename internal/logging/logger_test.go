package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debug(format string, args ...any) { r.record("debug", format, args...) }
func (r *recordingLogger) Info(format string, args ...any)  { r.record("info", format, args...) }
func (r *recordingLogger) Warn(format string, args ...any)  { r.record("warn", format, args...) }
func (r *recordingLogger) Error(format string, args ...any) { r.record("error", format, args...) }

func (r *recordingLogger) record(level, format string, args ...any) {
	r.lines = append(r.lines, level+": "+fmt.Sprintf(format, args...))
}

func TestIsNil(t *testing.T) {
	assert.True(t, IsNil(nil))

	var typed *recordingLogger
	assert.True(t, IsNil(typed))

	assert.False(t, IsNil(Nop()))
	assert.False(t, IsNil(&recordingLogger{}))
}

func TestOrNop(t *testing.T) {
	logger := &recordingLogger{}
	assert.Same(t, logger, OrNop(logger).(*recordingLogger))

	var typed *recordingLogger
	OrNop(typed).Info("must not panic")
	OrNop(nil).Error("must not panic")
}

func TestMulti(t *testing.T) {
	first := &recordingLogger{}
	second := &recordingLogger{}

	var typed *recordingLogger
	logger := Multi(first, nil, typed, second)
	logger.Info("routed to %s", "gpt-4")
	logger.Warn("breaker open")

	require.Len(t, first.lines, 2)
	assert.Equal(t, first.lines, second.lines)
	assert.Equal(t, "info: routed to gpt-4", first.lines[0])
	assert.Equal(t, "warn: breaker open", first.lines[1])
}

func TestMultiCollapses(t *testing.T) {
	// Only nils: reduces to a no-op.
	nop := Multi(nil, nil)
	nop.Info("dropped")

	// Single survivor: returned as-is, no wrapper.
	only := &recordingLogger{}
	assert.Same(t, only, Multi(nil, only).(*recordingLogger))

	// Nested multis flatten instead of stacking.
	inner := Multi(&recordingLogger{}, &recordingLogger{})
	outer := Multi(inner, &recordingLogger{})
	ml, ok := outer.(*multiLogger)
	require.True(t, ok)
	assert.Len(t, ml.loggers, 3)
}

func TestNewComponentLogger(t *testing.T) {
	logger := NewComponentLogger("router")
	require.NotNil(t, logger)
	logger.Debug("decision took %dms", 12)
}
