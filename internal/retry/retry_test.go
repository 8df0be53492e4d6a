package retry

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestNextDelayGrowsAndCaps(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2.0, MaxDelay: 500 * time.Millisecond}
	if d := NextDelay(cfg, 1, nil); d != 100*time.Millisecond {
		t.Fatalf("attempt 1: %v", d)
	}
	if d := NextDelay(cfg, 2, nil); d != 200*time.Millisecond {
		t.Fatalf("attempt 2: %v", d)
	}
	if d := NextDelay(cfg, 10, nil); d != 500*time.Millisecond {
		t.Fatalf("attempt 10 must cap at max: %v", d)
	}
}

func TestNextDelayJitterStaysBounded(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2.0, MaxDelay: time.Second, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	for attempt := 2; attempt < 8; attempt++ {
		d := NextDelay(cfg, attempt, rng)
		if d < 0 || d > 1500*time.Millisecond {
			t.Fatalf("attempt %d jittered out of range: %v", attempt, d)
		}
	}
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), 3, BackoffConfig{InitialDelay: time.Millisecond}, nil, func(context.Context) error {
		calls++
		return boom
	})
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if !errors.Is(err, ErrAttemptsExhausted) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped exhaustion error, got %v", err)
	}
}

func TestDoReturnsOnFirstSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 5, BackoffConfig{InitialDelay: time.Millisecond}, nil, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDoHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, 3, BackoffConfig{InitialDelay: time.Hour}, nil, func(context.Context) error {
		return errors.New("never retried")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
