package services

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// InstanceLimiter implements token bucket rate limiting per instance
type InstanceLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*limiterEntry
	rate     rate.Limit
	burst    int

	idleTTL     time.Duration
	lastCleanup time.Time
	now         func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewInstanceLimiter creates a limiter allowing perSecond messages per
// instance with the given burst capacity
func NewInstanceLimiter(perSecond float64, burst int) *InstanceLimiter {
	if burst < 1 {
		burst = 1
	}
	return &InstanceLimiter{
		limiters: make(map[int64]*limiterEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// Acquire takes one token for instanceID. When the bucket refills within
// maxWait the call sleeps and returns zero; otherwise nothing is consumed and
// the returned duration says how long the caller should defer.
func (l *InstanceLimiter) Acquire(ctx context.Context, instanceID int64, maxWait time.Duration) (time.Duration, error) {
	lim := l.get(instanceID)
	now := l.now()

	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return maxWait, nil
	}
	delay := res.DelayFrom(now)
	if delay == 0 {
		return 0, nil
	}
	if delay > maxWait {
		res.CancelAt(now)
		return delay, nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		res.Cancel()
		return 0, ctx.Err()
	case <-timer.C:
		return 0, nil
	}
}

// Forget drops the bucket of an instance
func (l *InstanceLimiter) Forget(instanceID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, instanceID)
}

// Size returns the number of tracked instances
func (l *InstanceLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *InstanceLimiter) get(instanceID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) > l.idleTTL {
		for id, e := range l.limiters {
			if now.Sub(e.lastUsed) > l.idleTTL {
				delete(l.limiters, id)
			}
		}
		l.lastCleanup = now
	}

	e, ok := l.limiters[instanceID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[instanceID] = e
	}
	e.lastUsed = now
	return e.limiter
}
