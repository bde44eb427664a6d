package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type record struct {
	second     []time.Time
	minute     []time.Time
	blocked    bool
	blockUntil time.Time
}

// Limiter enforces independent 1-second and 60-second sliding windows
// per client key. Exceeding either window blocks the key for a fixed
// cooldown; once the cooldown elapses the window history starts fresh.
type Limiter struct {
	mu            sync.Mutex
	records       map[string]*record
	maxPerSecond  int
	maxPerMinute  int
	blockDuration time.Duration
	logger        *zap.Logger

	now func() time.Time
}

func NewLimiter(maxPerSecond, maxPerMinute int, blockDuration time.Duration, logger *zap.Logger) *Limiter {
	return &Limiter{
		records:       make(map[string]*record),
		maxPerSecond:  maxPerSecond,
		maxPerMinute:  maxPerMinute,
		blockDuration: blockDuration,
		logger:        logger,
		now:           time.Now,
	}
}

// Check records one request for key and decides whether it may proceed.
// Every call counts against the windows regardless of what downstream
// layers later decide.
func (l *Limiter) Check(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[key]
	if !ok {
		rec = &record{}
		l.records[key] = rec
	}

	if rec.blocked {
		if now.Before(rec.blockUntil) {
			return Decision{Allowed: false, RetryAfter: rec.blockUntil.Sub(now)}
		}
		// Cooldown elapsed, start over
		*rec = record{}
	}

	rec.second = prune(append(rec.second, now), now.Add(-time.Second))
	rec.minute = prune(append(rec.minute, now), now.Add(-time.Minute))

	if len(rec.second) > l.maxPerSecond || len(rec.minute) > l.maxPerMinute {
		rec.blocked = true
		rec.blockUntil = now.Add(l.blockDuration)
		l.logger.Warn("Client rate limited",
			zap.String("client_key", key),
			zap.Int("last_second", len(rec.second)),
			zap.Int("last_minute", len(rec.minute)),
			zap.Duration("block_duration", l.blockDuration),
		)
		return Decision{Allowed: false, RetryAfter: l.blockDuration}
	}

	return Decision{Allowed: true}
}

// Forget drops all state for a key. Called when the client disconnects
// so the table does not grow without bound.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, key)
}

// Sweep removes records whose windows are empty and whose block has
// expired. Run from the maintenance loop.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, rec := range l.records {
		if rec.blocked && now.Before(rec.blockUntil) {
			continue
		}
		if len(prune(rec.minute, now.Add(-time.Minute))) == 0 {
			delete(l.records, key)
			removed++
		}
	}
	return removed
}

// Tracked reports how many client keys currently hold state.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// prune drops timestamps at or before cutoff. The slice is ordered, so
// the first retained index is enough.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
