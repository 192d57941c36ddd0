package dispatcher

import (
	"testing"
	"time"

	"github.com/jeremycline/fedora-notifications/internal/config"
)

func TestDelayDoublesUpToCap(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, Base: 30 * time.Second, Cap: 30 * time.Minute}

	want := []time.Duration{
		30 * time.Second,
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		16 * time.Minute,
		30 * time.Minute,
		30 * time.Minute,
	}
	for i, expected := range want {
		if got := policy.Delay(i + 1); got != expected {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, expected)
		}
	}
}

func TestDelayMonotone(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, Base: time.Second, Cap: time.Hour}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 64; attempt++ {
		delay := policy.Delay(attempt)
		if delay < prev {
			t.Fatalf("Delay(%d) = %v decreased below %v", attempt, delay, prev)
		}
		if delay > policy.Cap {
			t.Fatalf("Delay(%d) = %v exceeds cap", attempt, delay)
		}
		prev = delay
	}
}

func TestDelayClampsBogusAttempts(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, Base: time.Second, Cap: time.Hour}
	if got := policy.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %v, want base", got)
	}
	if got := policy.Delay(-3); got != time.Second {
		t.Errorf("Delay(-3) = %v, want base", got)
	}
}

func TestNextJitterStaysInBounds(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, Base: time.Minute, Cap: time.Hour, Jitter: 0.2}
	base := policy.Delay(3)
	lo := time.Duration(float64(base) * 0.8)
	hi := time.Duration(float64(base) * 1.2)

	for i := 0; i < 200; i++ {
		next := policy.Next(3)
		if next < lo || next > hi {
			t.Fatalf("Next(3) = %v outside [%v, %v]", next, lo, hi)
		}
	}
}

func TestNextWithoutJitterIsDeterministic(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, Base: time.Minute, Cap: time.Hour}
	for i := 0; i < 10; i++ {
		if got := policy.Next(2); got != 2*time.Minute {
			t.Fatalf("Next(2) = %v, want 2m", got)
		}
	}
}

func TestPolicyFromConfig(t *testing.T) {
	policy := PolicyFromConfig(config.DeliveryConfig{
		MaxAttempts:   7,
		BackoffBase:   15 * time.Second,
		BackoffCap:    10 * time.Minute,
		BackoffJitter: 0.1,
	})
	if policy.MaxAttempts != 7 || policy.Base != 15*time.Second || policy.Cap != 10*time.Minute || policy.Jitter != 0.1 {
		t.Errorf("unexpected policy %+v", policy)
	}
}
