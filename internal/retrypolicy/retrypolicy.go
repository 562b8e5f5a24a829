// Package retrypolicy implements the pure retry decision function of
// spec.md §4.4: given how many prior attempts an (event, subscription) pair
// has burned through, decide whether to retry (and after how long) or give
// up. It carries no state of its own and touches neither the store nor the
// network, mirroring the teacher's worker.backoff() helper but generalized
// to the two-tier fast/slow policy and made subscription-configurable.
package retrypolicy

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hook0/dispatch-engine/internal/model"
)

// Decision is the outcome of Decide: either retry after Delay, or give up.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide implements spec.md §4.4's algorithm exactly:
//
//	retry_count < F:          delay = min(f * 2^retry_count, f_max)
//	F <= retry_count < F+S:   delay = s (flat)
//	otherwise:                give up
func Decide(retryCount int, cfg model.RetryConfig) Decision {
	f := cfg.MaxFastRetries
	s := cfg.MaxSlowRetries

	if retryCount < f {
		delay := cfg.FastRetryDelay * time.Duration(1<<uint(retryCount))
		if delay > cfg.MaxFastRetryDelay || delay <= 0 {
			delay = cfg.MaxFastRetryDelay
		}
		return Decision{Retry: true, Delay: delay}
	}
	if retryCount < f+s {
		return Decision{Retry: true, Delay: cfg.SlowRetryDelay}
	}
	return Decision{Retry: false}
}

// JitteredDelay applies the ±10% uniform jitter spec.md §4.4 permits
// without changing the contract, using cenkalti/backoff's exponential
// backoff jitter math as the source of randomness. Disabled by default;
// callers gate this behind worker.retry_jitter_enabled so the bit-exact
// worked example in spec.md §8 scenario 3 holds when jitter is off.
func JitteredDelay(base time.Duration) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.RandomizationFactor = 0.1
	eb.InitialInterval = base
	eb.Multiplier = 1 // single draw, no growth — we only want the jitter, not the curve
	eb.MaxInterval = base
	eb.MaxElapsedTime = 0 // never return Stop, so slow-tier delays are jittered too
	eb.Reset()            // the constructor already reset to the default interval; re-seed from base
	d := eb.NextBackOff()
	if d == backoff.Stop {
		return base
	}
	return d
}
