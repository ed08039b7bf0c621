package retry

import (
	"math"
	"math/rand"
	"time"
)

/*
Policy is the handler-local bounded retry concern described in §7: the
bus itself never retries a delivery (max_delivery_count=1), but a
TaskHandler is free to retry a transient BusinessError (a timed-out
downstream call, a momentarily unavailable blob store) internally before
giving up and returning TaskResult{Success: false}. Lifted from
internal/jobs/orchestrator/engine.go's RetryPolicy/computeBackoff, which
served the same purpose for the teacher's stage retry loop.
*/
type Policy struct {
	MaxAttempts int
	Retryable   func(err error) bool

	MinBackoff time.Duration // default 1s
	MaxBackoff time.Duration // default 30s
	JitterFrac float64       // default 0.20
}

// ShouldRetry reports whether a handler should attempt again given the
// number of attempts already made and the error the last attempt raised.
func ShouldRetry(p Policy, attempts int, err error) bool {
	if p.MaxAttempts <= 0 || attempts >= p.MaxAttempts {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// ComputeBackoff returns the delay to wait before the next attempt:
// exponential growth from MinBackoff, capped at MaxBackoff, jittered by
// +/-JitterFrac to avoid synchronized retry storms across tasks.
func ComputeBackoff(p Policy, attempts int) time.Duration {
	minB := p.MinBackoff
	maxB := p.MaxBackoff
	j := p.JitterFrac
	if minB <= 0 {
		minB = 1 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}
