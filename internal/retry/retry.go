// Package retry implements the pure retry decision and backoff computation.
// It has no side effects: the caller supplies the attempt counter and, when
// jitter is enabled, the random source.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/benthamlabs/bentham/internal/errcode"
)

// Strategy selects how backoff grows per attempt.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Policy configures retry decisions and backoff for one study.
type Policy struct {
	MaxRetries        int
	BackoffStrategy   Strategy
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool

	// RetryConditions overrides the default per-code retryability.
	// Codes absent from the map fall back to errcode.IsRetryable.
	RetryConditions map[errcode.Code]bool
}

// DefaultPolicy mirrors the execution defaults applied when a manifest leaves
// the retry block unset.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BackoffStrategy:   StrategyExponential,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

// ShouldRetry reports whether another attempt is allowed after a failure with
// the given code on the given zero-based attempt.
func (p Policy) ShouldRetry(code errcode.Code, attempt int) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	if v, ok := p.RetryConditions[code]; ok {
		return v
	}
	return errcode.IsRetryable(code)
}

// Delay computes the backoff before attempt+1, capped at MaxDelay.
// With jitter enabled the base delay is scaled by uniform(0.8, 1.2) drawn
// from rng; rng may be nil when jitter is off.
func (p Policy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var d time.Duration
	switch p.BackoffStrategy {
	case StrategyFixed:
		d = p.InitialDelay
	case StrategyLinear:
		d = p.InitialDelay * time.Duration(attempt+1)
	case StrategyExponential:
		mult := p.BackoffMultiplier
		if mult <= 0 {
			mult = 2
		}
		f := float64(p.InitialDelay)
		for i := 0; i < attempt; i++ {
			f *= mult
			if p.MaxDelay > 0 && f >= float64(p.MaxDelay) {
				f = float64(p.MaxDelay)
				break
			}
		}
		d = time.Duration(f)
	default:
		d = p.InitialDelay
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter {
		// uniform(0.8, 1.2)
		factor := 0.8 + 0.4*rng.Float64()
		d = time.Duration(float64(d) * factor)
	}
	return d
}
