package workflow

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelayFixed(t *testing.T) {
	p := RetryPolicy{Delay: 100 * time.Millisecond, Strategy: FixedDelay}
	assert.Equal(t, 100*time.Millisecond, nextDelay(p, 2, nil))
	assert.Equal(t, 100*time.Millisecond, nextDelay(p, 5, nil))
}

func TestNextDelayExponential(t *testing.T) {
	p := RetryPolicy{Delay: 100 * time.Millisecond, Strategy: ExponentialBackoff, BackoffMultiplier: 2.0, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, nextDelay(p, 2, nil))
	assert.Equal(t, 200*time.Millisecond, nextDelay(p, 3, nil))
	assert.Equal(t, 400*time.Millisecond, nextDelay(p, 4, nil))
	assert.Equal(t, time.Second, nextDelay(p, 10, nil), "must cap at maxDelay")
}

func TestNextDelayLinear(t *testing.T) {
	p := RetryPolicy{Delay: 50 * time.Millisecond, Strategy: LinearBackoff}
	assert.Equal(t, 50*time.Millisecond, nextDelay(p, 2, nil))
	assert.Equal(t, 100*time.Millisecond, nextDelay(p, 3, nil))
	assert.Equal(t, 150*time.Millisecond, nextDelay(p, 4, nil))
}

func TestNextDelayRandomJitterIsBounded(t *testing.T) {
	p := RetryPolicy{Delay: 100 * time.Millisecond, Strategy: RandomJitter}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		d := nextDelay(p, 2, rng)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, p.Delay)
	}
}
