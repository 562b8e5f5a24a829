package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hook0/dispatch-engine/internal/model"
)

func TestDecide_DefaultConfig_FastTierExponential(t *testing.T) {
	cfg := model.DefaultRetryConfig()

	d0 := Decide(0, cfg)
	assert.True(t, d0.Retry)
	assert.Equal(t, 5*time.Second, d0.Delay)

	d1 := Decide(1, cfg)
	assert.Equal(t, 10*time.Second, d1.Delay)

	d2 := Decide(2, cfg)
	assert.Equal(t, 20*time.Second, d2.Delay)
}

func TestDecide_FastTierCapsAtMax(t *testing.T) {
	cfg := model.DefaultRetryConfig()
	// 5s * 2^retryCount passes 300s from retryCount=6 on, so 29 is capped.
	d := Decide(cfg.MaxFastRetries-1, cfg)
	assert.True(t, d.Retry)
	assert.Equal(t, cfg.MaxFastRetryDelay, d.Delay)
}

func TestDecide_SlowTierFlat(t *testing.T) {
	cfg := model.DefaultRetryConfig()
	d := Decide(cfg.MaxFastRetries, cfg)
	assert.True(t, d.Retry)
	assert.Equal(t, cfg.SlowRetryDelay, d.Delay)

	d2 := Decide(cfg.MaxFastRetries+cfg.MaxSlowRetries-1, cfg)
	assert.True(t, d2.Retry)
	assert.Equal(t, cfg.SlowRetryDelay, d2.Delay)
}

func TestDecide_GivesUpPastSlowTier(t *testing.T) {
	cfg := model.DefaultRetryConfig()
	d := Decide(cfg.MaxFastRetries+cfg.MaxSlowRetries, cfg)
	assert.False(t, d.Retry)
}

// TestDecide_ZeroBudgetExhaustsImmediately covers spec.md §8's boundary
// scenario: max_fast_retries=0, max_slow_retries=0 means the first failure
// immediately exhausts.
func TestDecide_ZeroBudgetExhaustsImmediately(t *testing.T) {
	cfg := model.RetryConfig{
		MaxFastRetries:    0,
		FastRetryDelay:    5 * time.Second,
		MaxFastRetryDelay: 300 * time.Second,
		MaxSlowRetries:    0,
		SlowRetryDelay:    time.Hour,
	}
	d := Decide(0, cfg)
	assert.False(t, d.Retry)
}

// TestDecide_WorkedExampleFromSpec reproduces spec.md §8 scenario 3's
// timeline: F=2, f=5s, f_max=300s, S=1, s=3600s.
func TestDecide_WorkedExampleFromSpec(t *testing.T) {
	cfg := model.RetryConfig{
		MaxFastRetries:    2,
		FastRetryDelay:    5 * time.Second,
		MaxFastRetryDelay: 300 * time.Second,
		MaxSlowRetries:    1,
		SlowRetryDelay:    time.Hour,
	}

	d0 := Decide(0, cfg) // attempt1 fails at t=0, schedules attempt2 at ~5s
	assert.Equal(t, 5*time.Second, d0.Delay)

	d1 := Decide(1, cfg) // attempt2 fails at ~5s, schedules attempt3 at ~5+10=15s (offset from creation)
	assert.Equal(t, 10*time.Second, d1.Delay)

	d2 := Decide(2, cfg) // attempt3 fails, now in slow tier: 1h flat
	assert.True(t, d2.Retry)
	assert.Equal(t, time.Hour, d2.Delay)

	d3 := Decide(3, cfg) // attempt4 fails, slow budget (S=1) exhausted
	assert.False(t, d3.Retry)
}

func TestJitteredDelay_StaysWithinTenPercent(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		d := JitteredDelay(base)
		assert.GreaterOrEqual(t, d, 9*time.Second)
		assert.LessOrEqual(t, d, 11*time.Second)
	}
}
