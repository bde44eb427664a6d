package batcher

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/helpdesk-gateway/internal/core"
)

// EmitFunc delivers one combined emission for a target. All events
// queued for the target within the flush window arrive in a single
// call, in enqueue order.
type EmitFunc func(target string, events []core.Event)

// Batcher coalesces outbound events per target into timed batches.
// Flushing one target never blocks or reorders another target's queue.
type Batcher struct {
	mu      sync.Mutex
	queues  map[string][]core.Event
	emit    EmitFunc
	logger  *zap.Logger
	stop    chan struct{}
	done    chan struct{}
	stopped bool
}

func NewBatcher(interval time.Duration, emit EmitFunc, logger *zap.Logger) *Batcher {
	b := &Batcher{
		queues: make(map[string][]core.Event),
		emit:   emit,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(b.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stop:
				return
			case <-ticker.C:
				b.Flush()
			}
		}
	}()

	return b
}

// Schedule enqueues an event for its target's next flush.
func (b *Batcher) Schedule(target string, event core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		// Stop already drained the queues; deliver straight away
		// rather than drop the event.
		go b.emitSafe(target, []core.Event{event})
		return
	}
	b.queues[target] = append(b.queues[target], event)
}

// Flush drains every pending queue, one emission per target.
func (b *Batcher) Flush() {
	b.mu.Lock()
	pending := b.queues
	b.queues = make(map[string][]core.Event)
	b.mu.Unlock()

	for target, events := range pending {
		b.emitSafe(target, events)
	}
}

// Pending reports the number of targets with queued events.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}

// Stop halts the timer and synchronously flushes everything still
// queued. No event is silently dropped.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stop)
	<-b.done
	b.Flush()
}

// emitSafe isolates one target's emission so a panic in a handler
// cannot take down the flush of the remaining targets.
func (b *Batcher) emitSafe(target string, events []core.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Batch emission panicked",
				zap.String("target", target),
				zap.Int("events", len(events)),
				zap.Any("panic", r),
			)
		}
	}()
	b.emit(target, events)
}
