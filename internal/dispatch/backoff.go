package dispatch

import (
	"math"
	"math/rand"
	"time"
)

// MaxBackoff caps every computed retry delay.
const MaxBackoff = time.Hour

// jitterFraction spreads simultaneous retries over [0, 30%) extra delay.
// The jitter is multiplicative so the spread stays proportional as the
// base delay grows.
const jitterFraction = 0.3

// Delay computes the wait before the next try after attempt failed
// tries: base * multiplier^(attempt-1), jittered, capped at MaxBackoff.
func Delay(base time.Duration, multiplier float64, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if multiplier < 1 {
		multiplier = 1
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(multiplier, float64(attempt-1))
	d *= 1 + rand.Float64()*jitterFraction
	if d > float64(MaxBackoff) {
		return MaxBackoff
	}
	return time.Duration(d)
}
