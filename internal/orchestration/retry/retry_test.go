package retry

import (
	"errors"
	"testing"
	"time"
)

func TestShouldRetry(t *testing.T) {
	p := Policy{MaxAttempts: 3}

	if !ShouldRetry(p, 0, errors.New("boom")) {
		t.Fatalf("expected retry on first attempt")
	}
	if !ShouldRetry(p, 2, errors.New("boom")) {
		t.Fatalf("expected retry below MaxAttempts")
	}
	if ShouldRetry(p, 3, errors.New("boom")) {
		t.Fatalf("expected no retry once attempts == MaxAttempts")
	}
	if ShouldRetry(Policy{}, 0, errors.New("boom")) {
		t.Fatalf("expected no retry when MaxAttempts is unset")
	}
}

func TestShouldRetryHonorsRetryablePredicate(t *testing.T) {
	p := Policy{
		MaxAttempts: 5,
		Retryable: func(err error) bool {
			return err.Error() == "transient"
		},
	}

	if !ShouldRetry(p, 0, errors.New("transient")) {
		t.Fatalf("expected retry for an error the predicate accepts")
	}
	if ShouldRetry(p, 0, errors.New("permanent")) {
		t.Fatalf("expected no retry for an error the predicate rejects")
	}
}

func TestComputeBackoffGrowsAndCaps(t *testing.T) {
	p := Policy{MinBackoff: 1 * time.Second, MaxBackoff: 10 * time.Second, JitterFrac: 0.20}

	d1 := ComputeBackoff(p, 1)
	d2 := ComputeBackoff(p, 2)
	d5 := ComputeBackoff(p, 5)

	if d1 < 800*time.Millisecond || d1 > 1200*time.Millisecond {
		t.Fatalf("expected first attempt backoff == MinBackoff +/-20%%, got %s", d1)
	}
	if d2 < 1600*time.Millisecond || d2 > 2400*time.Millisecond {
		t.Fatalf("expected exponential growth to 2s +/-20%%, got %s", d2)
	}
	if d5 < 8*time.Second || d5 > 12*time.Second {
		t.Fatalf("expected backoff capped at MaxBackoff +/-20%%, got %s", d5)
	}
}

func TestComputeBackoffDefaultsWhenUnset(t *testing.T) {
	d := ComputeBackoff(Policy{}, 1)
	if d < 800*time.Millisecond || d > 1200*time.Millisecond {
		t.Fatalf("expected default MinBackoff (~1s +/- jitter), got %s", d)
	}
}

func TestComputeBackoffJitterStaysWithinBounds(t *testing.T) {
	p := Policy{MinBackoff: 1 * time.Second, MaxBackoff: 30 * time.Second, JitterFrac: 0.20}
	for i := 0; i < 50; i++ {
		d := ComputeBackoff(p, 1)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("backoff %s outside +/-20%% jitter band around 1s", d)
		}
	}
}
