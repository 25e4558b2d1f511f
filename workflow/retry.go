package workflow

import (
	"math"
	"math/rand"
	"time"
)

// nextDelay computes the delay before attempt k, where k=2 is the
// first retry, across all four backoff strategies.
func nextDelay(p RetryPolicy, attempt int, rng *rand.Rand) time.Duration {
	var d time.Duration
	switch p.Strategy {
	case ExponentialBackoff:
		multiplier := p.BackoffMultiplier
		if multiplier <= 0 {
			multiplier = 2.0
		}
		d = time.Duration(float64(p.Delay) * math.Pow(multiplier, float64(attempt-2)))
	case LinearBackoff:
		d = p.Delay * time.Duration(attempt-1)
	case RandomJitter:
		if rng == nil {
			rng = rand.New(rand.NewSource(1))
		}
		if p.Delay > 0 {
			d = time.Duration(rng.Int63n(int64(p.Delay)))
		}
	case FixedDelay:
		fallthrough
	default:
		d = p.Delay
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}
