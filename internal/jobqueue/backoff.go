package jobqueue

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the retry delay for a job that has made n attempts:
// backoff(n) = min(cap, base * 2^(n-1)) * (1 + jitter), jitter ∈ [0, 0.25).
func Backoff(n int, base, cap time.Duration) time.Duration {
	if n <= 0 {
		n = 1
	}
	exp := math.Pow(2, float64(n-1))
	delay := time.Duration(float64(base) * exp)
	if delay > cap || delay <= 0 {
		delay = cap
	}
	jitter := rand.Float64() * 0.25
	return time.Duration(float64(delay) * (1 + jitter))
}
