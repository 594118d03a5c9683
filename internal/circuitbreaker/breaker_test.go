package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, open).WithClock(clk.Now), clk
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	assert.True(t, b.Allow("feed"))
	b.RecordFailure("feed")
	b.RecordFailure("feed")
	assert.True(t, b.Allow("feed"), "still closed below threshold")

	b.RecordFailure("feed")
	assert.False(t, b.Allow("feed"))
	assert.Equal(t, StateOpen, b.State("feed"))
	assert.Equal(t, StateClosed, b.State("other"), "keys are independent")
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)
	b.RecordFailure("feed")
	b.RecordFailure("feed")

	clk.Advance(59 * time.Second)
	assert.False(t, b.Allow("feed"))

	clk.Advance(time.Second)
	assert.True(t, b.Allow("feed"), "one probe after cool-down")
	assert.Equal(t, StateHalfOpen, b.State("feed"))
	assert.False(t, b.Allow("feed"), "second probe rejected")

	b.RecordSuccess("feed")
	assert.Equal(t, StateClosed, b.State("feed"))
	assert.True(t, b.Allow("feed"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(1, time.Second)
	b.RecordFailure("feed")
	clk.Advance(time.Second)
	require.True(t, b.Allow("feed"))

	b.RecordFailure("feed")
	assert.Equal(t, StateOpen, b.State("feed"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	boom := errors.New("rpc down")

	assert.NoError(t, b.Do("feed", func() error { return nil }))
	assert.ErrorIs(t, b.Do("feed", func() error { return boom }), boom)
	assert.ErrorIs(t, b.Do("feed", func() error { return boom }), boom)

	called := false
	err := b.Do("feed", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_TransitionMetric(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("metric-key")

	c, err := stateTransitions.GetMetricWithLabelValues("metric-key", "closed", "open")
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	assert.Equal(t, 1.0, m.Counter.GetValue())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
