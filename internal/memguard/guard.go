package memguard

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/process"
	"go.uber.org/zap"
)

// Verdict is the single memory decision point: one call classifies the
// current usage instead of spreading threshold checks across call sites.
type Verdict int

const (
	Ok Verdict = iota
	CleanupTriggered
	AdmissionBlocked
)

func (v Verdict) String() string {
	switch v {
	case CleanupTriggered:
		return "cleanup_triggered"
	case AdmissionBlocked:
		return "admission_blocked"
	default:
		return "ok"
	}
}

// Sampler reports the process resident set size in bytes.
type Sampler func() (uint64, error)

// ProcessSampler reads the gateway's own RSS via gopsutil.
func ProcessSampler() (Sampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return func() (uint64, error) {
		mi, err := p.MemoryInfo()
		if err != nil {
			return 0, err
		}
		return mi.RSS, nil
	}, nil
}

type connSnapshot struct {
	rssAtTrack uint64
	trackedAt  time.Time
	rooms      map[string]bool
}

// Guard samples process memory. Crossing the soft threshold fires the
// cleanup callbacks and pauses new admissions until usage drops back
// under it; existing connections are never touched here. It also keeps
// per-connection bookkeeping so a disconnect releases every room entry
// it created.
type Guard struct {
	mu        sync.Mutex
	sampler   Sampler
	maxBytes  uint64
	softBytes uint64
	logger    *zap.Logger

	lastUsed uint64
	blocked  bool
	cleanups []func()

	conns map[string]*connSnapshot
}

func NewGuard(sampler Sampler, maxBytes uint64, softRatio float64, logger *zap.Logger) *Guard {
	return &Guard{
		sampler:   sampler,
		maxBytes:  maxBytes,
		softBytes: uint64(float64(maxBytes) * softRatio),
		logger:    logger,
		conns:     make(map[string]*connSnapshot),
	}
}

// OnCleanup registers a callback invoked when usage crosses the soft
// threshold. Callbacks must be cheap and must not call back into the
// guard.
func (g *Guard) OnCleanup(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanups = append(g.cleanups, fn)
}

// Sample reads current usage and classifies it. At or above the soft
// threshold the registered cleanups run and new admissions are paused;
// the hard ceiling reports outright exhaustion. Both lift as soon as a
// sample comes back under the soft threshold.
func (g *Guard) Sample() Verdict {
	g.mu.Lock()

	used, err := g.sampler()
	if err != nil {
		g.mu.Unlock()
		g.logger.Error("Memory sample failed", zap.Error(err))
		return Ok
	}
	g.lastUsed = used

	var verdict Verdict
	switch {
	case used >= g.maxBytes:
		g.blocked = true
		verdict = AdmissionBlocked
	case used >= g.softBytes:
		g.blocked = true
		verdict = CleanupTriggered
	default:
		g.blocked = false
		verdict = Ok
	}

	var cleanups []func()
	if verdict != Ok {
		cleanups = append(cleanups, g.cleanups...)
	}
	g.mu.Unlock()

	if verdict != Ok {
		g.logger.Warn("Memory pressure",
			zap.Uint64("used_bytes", used),
			zap.Uint64("max_bytes", g.maxBytes),
			zap.String("verdict", verdict.String()),
		)
		for _, fn := range cleanups {
			fn()
		}
	}

	return verdict
}

// AdmissionAllowed reports whether new connections may be accepted
// based on the last sample.
func (g *Guard) AdmissionAllowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.blocked
}

// Usage returns the last sampled RSS and the configured ceiling.
func (g *Guard) Usage() (used, max uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastUsed, g.maxBytes
}

// TrackConnection records a memory snapshot for a new connection.
func (g *Guard) TrackConnection(connID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[connID] = &connSnapshot{
		rssAtTrack: g.lastUsed,
		trackedAt:  time.Now(),
		rooms:      make(map[string]bool),
	}
	return g.lastUsed
}

// TrackRoom records that a connection joined a room so the entry can be
// released on disconnect.
func (g *Guard) TrackRoom(connID, room string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if snap, ok := g.conns[connID]; ok {
		snap.rooms[room] = true
	}
}

// UntrackConnection releases all bookkeeping for a connection and
// returns the rooms it was tracked in.
func (g *Guard) UntrackConnection(connID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap, ok := g.conns[connID]
	if !ok {
		return nil
	}
	delete(g.conns, connID)

	rooms := make([]string, 0, len(snap.rooms))
	for room := range snap.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Tracked reports how many connections have snapshots.
func (g *Guard) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}
