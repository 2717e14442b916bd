package ratelimit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewLimiter(t *testing.T) {
	tests := []struct {
		name     string
		rate     float64
		burst    int
		disabled bool
	}{
		{"normal rate", 10.0, 5, false},
		{"zero rate disables", 0, 5, true},
		{"negative rate disables", -1.0, 5, true},
		{"zero burst clamped to 1", 10.0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewLimiter(tt.rate, tt.burst)
			if limiter.disabled != tt.disabled {
				t.Errorf("expected disabled=%v, got %v", tt.disabled, limiter.disabled)
			}
			if !tt.disabled {
				wantBurst := tt.burst
				if wantBurst < 1 {
					wantBurst = 1
				}
				if limiter.burst != wantBurst {
					t.Errorf("expected burst=%d, got %d", wantBurst, limiter.burst)
				}
				if limiter.tokens != float64(wantBurst) {
					t.Errorf("expected full bucket, got %.2f tokens", limiter.tokens)
				}
			}
		})
	}
}

func TestLimiterDisabled(t *testing.T) {
	limiter := NewLimiter(0, 10)
	for i := 0; i < 100; i++ {
		if !limiter.Allow() {
			t.Fatal("disabled limiter should always allow requests")
		}
	}
	if err := limiter.Wait(context.Background()); err != nil {
		t.Errorf("wait on disabled limiter should not error: %v", err)
	}
}

func TestLimiterBurst(t *testing.T) {
	burst := 5
	limiter := NewLimiter(1.0, burst)

	for i := 0; i < burst; i++ {
		if !limiter.Allow() {
			t.Errorf("request %d should be allowed within burst", i+1)
		}
	}
	if limiter.Allow() {
		t.Error("request beyond burst should be denied")
	}
}

func TestLimiterRefill(t *testing.T) {
	limiter := NewLimiter(10.0, 1)

	if !limiter.Allow() {
		t.Fatal("first request should be allowed")
	}
	if limiter.Allow() {
		t.Error("second request should be denied")
	}

	time.Sleep(150 * time.Millisecond)

	if !limiter.Allow() {
		t.Error("request after refill should be allowed")
	}
}

func TestLimiterWaitContext(t *testing.T) {
	limiter := NewLimiter(1.0, 1)
	limiter.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestLimiterPause(t *testing.T) {
	limiter := NewLimiter(100.0, 1)
	limiter.Pause(120 * time.Millisecond)

	if limiter.Allow() {
		t.Error("expected Allow to be false during pause")
	}

	start := time.Now()
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("wait during pause should succeed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("expected wait to honor pause, waited %v", elapsed)
	}
}

func TestLimiterPauseNeverShrinks(t *testing.T) {
	limiter := NewLimiter(100.0, 1)
	limiter.Pause(200 * time.Millisecond)
	limiter.Pause(10 * time.Millisecond)

	if remaining := limiter.CooldownRemaining(); remaining < 100*time.Millisecond {
		t.Errorf("shorter pause should not shrink cooldown, remaining %v", remaining)
	}
}

func TestLimiterConcurrent(t *testing.T) {
	limiter := NewLimiter(100.0, 10)
	ctx := context.Background()

	const numGoroutines = 50
	var wg sync.WaitGroup
	errs := make(chan error, numGoroutines)

	start := time.Now()
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Wait(ctx); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	elapsed := time.Since(start)

	for err := range errs {
		t.Errorf("concurrent wait failed: %v", err)
	}
	if elapsed < 300*time.Millisecond {
		t.Errorf("completed too quickly: %v", elapsed)
	}
	if elapsed > 700*time.Millisecond {
		t.Errorf("took too long: %v", elapsed)
	}
}

func TestLimiterSetRate(t *testing.T) {
	limiter := NewLimiter(10.0, 5)

	limiter.SetRate(20.0)
	if stats := limiter.GetStats(); stats.Rate != 20.0 {
		t.Errorf("expected rate 20.0, got %.2f", stats.Rate)
	}

	limiter.SetRate(0)
	if stats := limiter.GetStats(); !stats.Disabled {
		t.Error("expected limiter to be disabled")
	}
}

func TestLimiterSetBurst(t *testing.T) {
	limiter := NewLimiter(10.0, 5)

	limiter.SetBurst(10)
	if stats := limiter.GetStats(); stats.Burst != 10 {
		t.Errorf("expected burst 10, got %d", stats.Burst)
	}

	limiter.SetBurst(0)
	if stats := limiter.GetStats(); stats.Burst != 1 {
		t.Errorf("expected burst clamped to 1, got %d", stats.Burst)
	}
}

func TestLimiterString(t *testing.T) {
	if s := NewLimiter(10.0, 5).String(); !strings.Contains(s, "10.00 req/s") {
		t.Errorf("unexpected string %q", s)
	}
	if s := NewLimiter(0, 5).String(); !strings.Contains(s, "disabled") {
		t.Errorf("unexpected string %q", s)
	}
}
