package kernel

import (
	"context"
	"sync"
	"time"
)

// turnRateLimiter is pkg/agent/ratelimit.go's token bucket, adapted to
// throttle calls into the Turn Executor rather than calls into a
// self-contained agent loop: a shared LLM backend behind many concurrent
// runs needs the same per-hour ceiling the teacher applied per run.
type turnRateLimiter struct {
	mu sync.Mutex

	capacity   float64
	refillRate float64
	interval   time.Duration

	tokens   float64
	lastTime time.Time
}

// newTurnRateLimiter builds a limiter allowing perHour turn-executor calls
// per hour, with a small burst allowance.
func newTurnRateLimiter(perHour int) *turnRateLimiter {
	if perHour <= 0 {
		perHour = 600
	}
	capacity := float64(perHour) / 10
	if capacity < 1 {
		capacity = 1
	}
	return &turnRateLimiter{
		capacity:   capacity,
		refillRate: float64(perHour) / 3600.0,
		interval:   100 * time.Millisecond,
		tokens:     capacity,
		lastTime:   time.Now(),
	}
}

// Wait blocks until a turn-executor call may proceed or ctx is canceled.
// Time spent waiting counts against the run's wall clock, per spec.md
// §4.1's "retries do not consume turn budget but do consume wall-clock".
func (rl *turnRateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill()
		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		deficit := 1 - rl.tokens
		wait := time.Duration(deficit/rl.refillRate*1000) * time.Millisecond
		if wait < rl.interval {
			wait = rl.interval
		}
		rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (rl *turnRateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(rl.lastTime).Seconds()
	if elapsed > 0 {
		rl.tokens += elapsed * rl.refillRate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
		rl.lastTime = now
	}
}
