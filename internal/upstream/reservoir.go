package upstream

import (
	"context"
	"sync"
	"time"
)

// reservoir is a windowed token bucket: at most maxTokens requests per
// window, with refill tokens restored each elapsed window.
type reservoir struct {
	tokens     int
	maxTokens  int
	refill     int
	window     time.Duration
	lastRefill time.Time
	mu         sync.Mutex
}

func newReservoir(maxTokens, refill int, window time.Duration) *reservoir {
	return &reservoir{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refill:     refill,
		window:     window,
		lastRefill: time.Now(),
	}
}

// take consumes a token if available; otherwise it reports how long until
// the next refill.
func (r *reservoir) take() (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastRefill)
	if windows := int(elapsed / r.window); windows > 0 {
		r.tokens = min(r.tokens+windows*r.refill, r.maxTokens)
		r.lastRefill = r.lastRefill.Add(time.Duration(windows) * r.window)
	}

	if r.tokens > 0 {
		r.tokens--
		return true, 0
	}

	return false, r.lastRefill.Add(r.window).Sub(now)
}

// wait blocks until a token is available or the context ends.
func (r *reservoir) wait(ctx context.Context) error {
	for {
		ok, until := r.take()
		if ok {
			return nil
		}

		timer := time.NewTimer(until)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
