package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLimiter(maxPerSecond, maxPerMinute int, block time.Duration) (*Limiter, *time.Time) {
	l := NewLimiter(maxPerSecond, maxPerMinute, block, zap.NewNop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_AllowsUnderCeiling(t *testing.T) {
	req := require.New(t)
	l, now := newTestLimiter(10, 300, 30*time.Second)

	for i := 0; i < 10; i++ {
		d := l.Check("client-1")
		req.True(d.Allowed, "request %d should pass", i)
		*now = now.Add(50 * time.Millisecond)
	}
}

func TestLimiter_BlocksEleventhInHalfSecond(t *testing.T) {
	req := require.New(t)
	l, now := newTestLimiter(10, 300, 30*time.Second)

	for i := 0; i < 10; i++ {
		req.True(l.Check("client-1").Allowed)
		*now = now.Add(45 * time.Millisecond)
	}

	d := l.Check("client-1")
	req.False(d.Allowed)
	req.Equal(30*time.Second, d.RetryAfter)
}

func TestLimiter_BlockShortCircuitsWithRemainingCooldown(t *testing.T) {
	req := require.New(t)
	l, now := newTestLimiter(1, 300, 30*time.Second)

	req.True(l.Check("k").Allowed)
	req.False(l.Check("k").Allowed)

	*now = now.Add(10 * time.Second)
	d := l.Check("k")
	req.False(d.Allowed)
	req.Equal(20*time.Second, d.RetryAfter)
}

func TestLimiter_WindowResetsAfterCooldown(t *testing.T) {
	req := require.New(t)
	l, now := newTestLimiter(2, 300, 5*time.Second)

	req.True(l.Check("k").Allowed)
	req.True(l.Check("k").Allowed)
	req.False(l.Check("k").Allowed)

	*now = now.Add(6 * time.Second)
	req.True(l.Check("k").Allowed, "history must reset once the cooldown elapses")
}

func TestLimiter_MinuteWindowIndependentOfSecondWindow(t *testing.T) {
	req := require.New(t)
	l, now := newTestLimiter(100, 5, 30*time.Second)

	// Slow drip stays under the per-second ceiling but trips the
	// per-minute one.
	for i := 0; i < 5; i++ {
		req.True(l.Check("k").Allowed)
		*now = now.Add(2 * time.Second)
	}
	req.False(l.Check("k").Allowed)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	req := require.New(t)
	l, _ := newTestLimiter(1, 300, 30*time.Second)

	req.True(l.Check("a").Allowed)
	req.False(l.Check("a").Allowed)
	req.True(l.Check("b").Allowed)
}

func TestLimiter_SweepDropsIdleRecords(t *testing.T) {
	req := require.New(t)
	l, now := newTestLimiter(10, 300, 30*time.Second)

	l.Check("a")
	l.Check("b")
	req.Equal(2, l.Tracked())

	*now = now.Add(2 * time.Minute)
	removed := l.Sweep()
	req.Equal(2, removed)
	req.Equal(0, l.Tracked())
}

func TestLimiter_SweepKeepsBlockedRecords(t *testing.T) {
	req := require.New(t)
	l, now := newTestLimiter(1, 300, 10*time.Minute)

	l.Check("a")
	l.Check("a") // blocked for 10m
	*now = now.Add(2 * time.Minute)

	l.Sweep()
	req.Equal(1, l.Tracked(), "a blocked record must survive the sweep")
	req.False(l.Check("a").Allowed)
}
