package contexts

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Context is per-tenant or per-user state created lazily on first
// connection and torn down once the pool reports zero connections for
// the id.
type Context struct {
	ID        string
	CreatedAt time.Time
	EmptyAt   time.Time // zero while at least one connection is live

	// Teardown hooks, typically timer/subscription releases scoped
	// to this context.
	releases []func()
}

// LiveFunc answers whether an id still has live connections. Injected
// from the pool so the sweep can double check before collecting.
type LiveFunc func(id string) bool

// Registry tracks lazily created contexts and garbage-collects the
// ones that sit empty past the maintenance interval.
type Registry struct {
	mu       sync.Mutex
	contexts map[string]*Context
	live     LiveFunc
	maxEmpty time.Duration
	logger   *zap.Logger

	now func() time.Time
}

func NewRegistry(live LiveFunc, maxEmpty time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		contexts: make(map[string]*Context),
		live:     live,
		maxEmpty: maxEmpty,
		logger:   logger,
		now:      time.Now,
	}
}

// Ensure returns the context for id, creating it on first use.
func (r *Registry) Ensure(id string) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ctx, ok := r.contexts[id]; ok {
		ctx.EmptyAt = time.Time{}
		return ctx
	}

	ctx := &Context{ID: id, CreatedAt: r.now()}
	r.contexts[id] = ctx
	return ctx
}

// OnRelease registers a teardown hook on the context for id.
func (r *Registry) OnRelease(id string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx, ok := r.contexts[id]; ok {
		ctx.releases = append(ctx.releases, fn)
	}
}

// MarkEmpty records that the pool saw the last connection for id go
// away. The context is torn down immediately.
func (r *Registry) MarkEmpty(id string) {
	r.mu.Lock()
	ctx, ok := r.contexts[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.contexts, id)
	r.mu.Unlock()

	r.release(ctx)
}

// Sweep collects contexts that have been empty longer than the
// maintenance interval. This is the safety net for missed MarkEmpty
// calls; ones with live connections are skipped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	now := r.now()
	var stale []*Context
	for id, ctx := range r.contexts {
		if r.live(id) {
			ctx.EmptyAt = time.Time{}
			continue
		}
		if ctx.EmptyAt.IsZero() {
			ctx.EmptyAt = now
			continue
		}
		if now.Sub(ctx.EmptyAt) > r.maxEmpty {
			delete(r.contexts, id)
			stale = append(stale, ctx)
		}
	}
	r.mu.Unlock()

	for _, ctx := range stale {
		r.logger.Warn("Collected orphaned context", zap.String("context_id", ctx.ID))
		r.release(ctx)
	}
	return len(stale)
}

// Len reports how many contexts are registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// Has reports whether a context exists for id.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.contexts[id]
	return ok
}

func (r *Registry) release(ctx *Context) {
	for _, fn := range ctx.releases {
		fn()
	}
}
