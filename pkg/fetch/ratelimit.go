package fetch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RateLimiter spaces out requests that share a key, usually an origin
type RateLimiter struct {
	lastRequest   map[string]time.Time // origin -> last request attempt time
	lastRequestMu sync.Mutex
	log           *logrus.Entry
}

// NewRateLimiter creates a RateLimiter
func NewRateLimiter(log *logrus.Entry) *RateLimiter {
	return &RateLimiter{
		lastRequest: make(map[string]time.Time),
		log:         log,
	}
}

// ApplyDelay blocks until at least minDelay has passed since the last request to origin.
// Up to 10% jitter is added on top so the mandated delay is never undercut.
// The first request to an origin is never delayed. Returns ctx.Err() if ctx ends first.
func (rl *RateLimiter) ApplyDelay(ctx context.Context, origin string, minDelay time.Duration) error {
	if minDelay <= 0 {
		return ctx.Err()
	}

	rl.lastRequestMu.Lock()
	lastReqTime, exists := rl.lastRequest[origin]
	rl.lastRequestMu.Unlock()
	if !exists {
		return ctx.Err()
	}

	elapsed := time.Since(lastReqTime)
	if elapsed >= minDelay {
		return ctx.Err()
	}

	sleep := minDelay - elapsed
	if spread := int64(sleep) / 10; spread > 0 {
		sleep += time.Duration(rand.Int63n(spread))
	}

	rl.log.WithFields(logrus.Fields{
		"origin": origin, "sleep": sleep, "required_delay": minDelay, "elapsed": elapsed,
	}).Debug("Rate limit applying sleep")

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateLastRequestTime records now as the last request attempt time for origin
// Call this *after* an HTTP request attempt
func (rl *RateLimiter) UpdateLastRequestTime(origin string) {
	rl.lastRequestMu.Lock()
	rl.lastRequest[origin] = time.Now()
	rl.lastRequestMu.Unlock()
}
