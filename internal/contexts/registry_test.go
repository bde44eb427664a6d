package contexts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistry_EnsureIsIdempotent(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(func(string) bool { return true }, time.Minute, zap.NewNop())

	first := r.Ensure("t1")
	second := r.Ensure("t1")
	req.Same(first, second)
	req.Equal(1, r.Len())
}

func TestRegistry_MarkEmptyTearsDownAndReleases(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(func(string) bool { return false }, time.Minute, zap.NewNop())

	r.Ensure("t1")
	released := 0
	r.OnRelease("t1", func() { released++ })
	r.OnRelease("t1", func() { released++ })

	r.MarkEmpty("t1")
	req.False(r.Has("t1"))
	req.Equal(2, released)

	// Marking again is a no-op
	r.MarkEmpty("t1")
	req.Equal(2, released)
}

func TestRegistry_SweepSkipsLiveContexts(t *testing.T) {
	req := require.New(t)
	live := map[string]bool{"t1": true, "t2": false}
	r := NewRegistry(func(id string) bool { return live[id] }, time.Minute, zap.NewNop())

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Ensure("t1")
	r.Ensure("t2")

	// First sweep only stamps t2 as empty
	req.Zero(r.Sweep())
	req.Equal(2, r.Len())

	// Past the interval, t2 is collected and t1 survives
	now = now.Add(2 * time.Minute)
	req.Equal(1, r.Sweep())
	req.True(r.Has("t1"))
	req.False(r.Has("t2"))
}

func TestRegistry_SweepResetsWhenConnectionsReturn(t *testing.T) {
	req := require.New(t)
	liveNow := false
	r := NewRegistry(func(string) bool { return liveNow }, time.Minute, zap.NewNop())

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Ensure("t1")
	r.Sweep() // stamped empty

	// A connection shows up again before the next sweep
	liveNow = true
	now = now.Add(2 * time.Minute)
	req.Zero(r.Sweep())
	req.True(r.Has("t1"))

	// And goes away again: the empty clock starts over
	liveNow = false
	req.Zero(r.Sweep())
	now = now.Add(30 * time.Second)
	req.Zero(r.Sweep())
	now = now.Add(45 * time.Second)
	req.Equal(1, r.Sweep())
}
