package batcher

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/helpdesk-gateway/internal/core"
)

type capture struct {
	mu        sync.Mutex
	emissions map[string][][]core.Event
}

func newCapture() *capture {
	return &capture{emissions: make(map[string][][]core.Event)}
}

func (c *capture) emit(target string, events []core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emissions[target] = append(c.emissions[target], events)
}

func (c *capture) of(target string) [][]core.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emissions[target]
}

func event(name string) core.Event {
	return core.NewEvent("room", name, json.RawMessage(`{}`))
}

func TestBatcher_CombinesEventsInOrder(t *testing.T) {
	req := require.New(t)
	cap := newCapture()
	b := NewBatcher(time.Hour, cap.emit, zap.NewNop())
	defer b.Stop()

	b.Schedule("room-1", event("A"))
	b.Schedule("room-1", event("B"))
	b.Flush()

	emissions := cap.of("room-1")
	req.Len(emissions, 1, "one window yields exactly one combined emission")
	req.Len(emissions[0], 2)
	req.Equal("A", emissions[0][0].Name)
	req.Equal("B", emissions[0][1].Name)
}

func TestBatcher_TargetsAreIsolated(t *testing.T) {
	req := require.New(t)
	cap := newCapture()

	// First target's handler panics; the second must still flush.
	panicky := func(target string, events []core.Event) {
		if target == "bad" {
			panic("handler blew up")
		}
		cap.emit(target, events)
	}

	b := NewBatcher(time.Hour, panicky, zap.NewNop())
	defer b.Stop()

	b.Schedule("bad", event("A"))
	b.Schedule("good", event("B"))
	req.NotPanics(b.Flush)

	req.Len(cap.of("good"), 1)
}

func TestBatcher_StopFlushesPending(t *testing.T) {
	req := require.New(t)
	cap := newCapture()
	b := NewBatcher(time.Hour, cap.emit, zap.NewNop())

	b.Schedule("room-1", event("A"))
	b.Schedule("room-2", event("B"))
	b.Stop()

	req.Len(cap.of("room-1"), 1)
	req.Len(cap.of("room-2"), 1)
	req.Zero(b.Pending())
}

func TestBatcher_TimerFlushes(t *testing.T) {
	req := require.New(t)
	cap := newCapture()
	b := NewBatcher(10*time.Millisecond, cap.emit, zap.NewNop())
	defer b.Stop()

	b.Schedule("room-1", event("A"))

	req.Eventually(func() bool {
		return len(cap.of("room-1")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPack_SmallBatchPassesThrough(t *testing.T) {
	req := require.New(t)

	events := []core.Event{event("A")}
	env, err := Pack("room-1", events)
	req.NoError(err)
	req.False(env.Compressed)
	req.Equal(1, env.Count)

	restored, err := Unpack(env)
	req.NoError(err)
	req.Len(restored, 1)
	req.Equal("A", restored[0].Name)
}

func TestPack_LargeBatchRoundTripsCompressed(t *testing.T) {
	req := require.New(t)

	big := make([]byte, 8192)
	for i := range big {
		big[i] = 'x'
	}
	payload, err := json.Marshal(string(big))
	req.NoError(err)

	events := []core.Event{core.NewEvent("room", "message", payload)}
	env, err := Pack("room-1", events)
	req.NoError(err)
	req.True(env.Compressed)

	restored, err := Unpack(env)
	req.NoError(err)
	req.Len(restored, 1)
	req.JSONEq(string(payload), string(restored[0].Payload))
}
