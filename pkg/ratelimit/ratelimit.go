// Package ratelimit provides a token bucket limiter for homeserver
// requests. It smooths request bursts to an average rate and honors
// server-imposed cooldowns (retry_after_ms) across all users of the
// same bucket.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter is a token bucket. Safe for concurrent use.
type Limiter struct {
	mu            sync.Mutex
	rate          float64 // tokens per second
	burst         int
	tokens        float64
	lastRefill    time.Time
	disabled      bool
	cooldownUntil time.Time
	pauses        int64
}

// NewLimiter creates a limiter allowing rate requests per second with
// the given burst. A rate of zero or less disables limiting entirely;
// burst is clamped to at least 1.
func NewLimiter(rate float64, burst int) *Limiter {
	if rate <= 0 {
		return &Limiter{disabled: true}
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done. Server
// cooldowns set via Pause are honored before token accounting.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.disabled {
		return nil
	}
	for {
		if cooldown := l.cooldownRemaining(); cooldown > 0 {
			select {
			case <-time.After(cooldown):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if l.take() {
			return nil
		}
		select {
		case <-time.After(l.nextTokenIn()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Allow reports whether a request may proceed right now, consuming a
// token if so.
func (l *Limiter) Allow() bool {
	if l.disabled {
		return true
	}
	if l.cooldownRemaining() > 0 {
		return false
	}
	return l.take()
}

func (l *Limiter) take() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked(time.Now())
	if l.tokens >= 1.0 {
		l.tokens -= 1.0
		return true
	}
	return false
}

func (l *Limiter) refillLocked(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	l.lastRefill = now
}

func (l *Limiter) nextTokenIn() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	needed := 1.0 - l.tokens
	if needed <= 0 {
		return time.Millisecond
	}
	return time.Duration(needed / l.rate * float64(time.Second))
}

// SetRate updates the rate. Zero or negative disables the limiter.
func (l *Limiter) SetRate(rate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rate <= 0 {
		l.disabled = true
		return
	}
	l.disabled = false
	l.rate = rate
	l.lastRefill = time.Now()
}

// SetBurst updates the burst size, clamped to at least 1.
func (l *Limiter) SetBurst(burst int) {
	if burst < 1 {
		burst = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.burst = burst
	if l.tokens > float64(burst) {
		l.tokens = float64(burst)
	}
}

// Pause blocks all requests through this limiter for at least d.
// Used when the homeserver answers 429 with retry_after_ms.
func (l *Limiter) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)
	l.mu.Lock()
	l.pauses++
	if until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}
	l.mu.Unlock()
}

// CooldownRemaining returns how long the limiter stays paused, zero
// when it is not.
func (l *Limiter) CooldownRemaining() time.Duration {
	return l.cooldownRemaining()
}

func (l *Limiter) cooldownRemaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cooldownLocked(time.Now())
}

func (l *Limiter) cooldownLocked(now time.Time) time.Duration {
	if l.cooldownUntil.IsZero() || !now.Before(l.cooldownUntil) {
		return 0
	}
	return l.cooldownUntil.Sub(now)
}

// Stats is a snapshot of the limiter, exposed on the metrics endpoint.
type Stats struct {
	Rate              float64
	Burst             int
	AvailableTokens   float64
	Disabled          bool
	CooldownRemaining time.Duration
	Pauses            int64
}

// GetStats returns the current limiter state.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	tokens := l.tokens + now.Sub(l.lastRefill).Seconds()*l.rate
	if tokens > float64(l.burst) {
		tokens = float64(l.burst)
	}
	return Stats{
		Rate:              l.rate,
		Burst:             l.burst,
		AvailableTokens:   tokens,
		Disabled:          l.disabled,
		CooldownRemaining: l.cooldownLocked(now),
		Pauses:            l.pauses,
	}
}

func (l *Limiter) String() string {
	if l.disabled {
		return "rate limiting disabled"
	}
	return fmt.Sprintf("%.2f req/s, burst=%d", l.rate, l.burst)
}
