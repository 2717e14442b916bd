package matrix

import (
	"sync"

	"github.com/retroim/buddyd/pkg/ratelimit"
)

// Limiters are shared per homeserver so that parallel clients (sync
// loop plus command calls) draw from one bucket.
const (
	defaultRate  = 10.0
	defaultBurst = 20
)

var limiterRegistry sync.Map

func limiterFor(baseURL string) *ratelimit.Limiter {
	key := cleanBaseURL(baseURL)
	if existing, ok := limiterRegistry.Load(key); ok {
		return existing.(*ratelimit.Limiter)
	}
	limiter := ratelimit.NewLimiter(defaultRate, defaultBurst)
	actual, _ := limiterRegistry.LoadOrStore(key, limiter)
	return actual.(*ratelimit.Limiter)
}

// ConfigureLimiter adjusts the shared bucket for the client's
// homeserver, typically from the loaded config.
func (c *Client) ConfigureLimiter(rate float64, burst int) {
	c.limiter.SetRate(rate)
	c.limiter.SetBurst(burst)
}

// LimiterStats exposes the shared bucket state for metrics.
func (c *Client) LimiterStats() ratelimit.Stats {
	return c.limiter.GetStats()
}
