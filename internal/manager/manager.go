package manager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/helpdesk-gateway/internal/auth"
	"github.com/leozw/helpdesk-gateway/internal/batcher"
	"github.com/leozw/helpdesk-gateway/internal/config"
	"github.com/leozw/helpdesk-gateway/internal/contexts"
	"github.com/leozw/helpdesk-gateway/internal/core"
	"github.com/leozw/helpdesk-gateway/internal/memguard"
	"github.com/leozw/helpdesk-gateway/internal/metrics"
	"github.com/leozw/helpdesk-gateway/internal/pool"
	"github.com/leozw/helpdesk-gateway/internal/ratelimit"
)

// Session is the transport side of one client connection. The
// websocket handler implements it.
type Session interface {
	Deliver(env batcher.Envelope) error
	Terminate(code, reason string, retryAfter time.Duration)
}

// Backbone is the cross-process leg of event distribution.
type Backbone interface {
	Publish(ctx context.Context, room, name string, payload json.RawMessage) error
}

// ErrShuttingDown rejects connections that arrive after shutdown
// started.
var ErrShuttingDown = errors.New("gateway shutting down")

// Manager drives the connection lifecycle state machine and the
// periodic maintenance loops, composing the gate, limiter, guard,
// pool, batcher and context registries.
type Manager struct {
	gate     *auth.Gate
	limiter  *ratelimit.Limiter
	guard    *memguard.Guard
	pool     *pool.Pool
	tenants  *contexts.Registry
	users    *contexts.Registry
	backbone Backbone
	store    auth.IdentityStore
	metrics  *metrics.Collector
	cfg      config.LimitsConfig
	memCfg   config.MemoryConfig
	logger   *zap.Logger

	batcher *batcher.Batcher

	mu       sync.Mutex
	sessions map[string]Session
	rooms    map[string]map[string]bool // room -> connection ids
	closed   bool
}

type Deps struct {
	Gate     *auth.Gate
	Limiter  *ratelimit.Limiter
	Guard    *memguard.Guard
	Pool     *pool.Pool
	Backbone Backbone
	Store    auth.IdentityStore
	Metrics  *metrics.Collector
	Limits   config.LimitsConfig
	Memory   config.MemoryConfig
	Batch    config.BatchConfig
	Logger   *zap.Logger
}

func NewManager(deps Deps) *Manager {
	m := &Manager{
		gate:     deps.Gate,
		limiter:  deps.Limiter,
		guard:    deps.Guard,
		pool:     deps.Pool,
		backbone: deps.Backbone,
		store:    deps.Store,
		metrics:  deps.Metrics,
		cfg:      deps.Limits,
		memCfg:   deps.Memory,
		logger:   deps.Logger,
		sessions: make(map[string]Session),
		rooms:    make(map[string]map[string]bool),
	}

	m.tenants = contexts.NewRegistry(
		func(id string) bool { return deps.Pool.TenantCount(id) > 0 },
		deps.Limits.SweepInterval,
		deps.Logger,
	)
	m.users = contexts.NewRegistry(
		func(id string) bool {
			tenantID, userID, ok := splitUserContextID(id)
			return ok && deps.Pool.UserCount(tenantID, userID) > 0
		},
		deps.Limits.SweepInterval,
		deps.Logger,
	)

	deps.Pool.OnTenantEmpty = func(tenantID string) {
		m.tenants.MarkEmpty(tenantID)
	}
	deps.Pool.OnUserEmpty = func(tenantID, userID string) {
		m.users.MarkEmpty(userContextID(tenantID, userID))
		// No live connections left for this user; their rate window
		// is dead weight now.
		m.limiter.Forget(userContextID(tenantID, userID))
		m.markOfflineAsync(tenantID, userID)
	}

	// Memory pressure evicts stale auth cache entries first
	deps.Guard.OnCleanup(func() {
		if evicted := deps.Gate.EvictExpired(); evicted > 0 {
			deps.Logger.Info("Evicted stale identity cache entries", zap.Int("count", evicted))
		}
	})

	m.batcher = batcher.NewBatcher(deps.Batch.FlushInterval, m.emit, deps.Logger)

	return m
}

// Connect walks a new connection through the admission state machine:
// authenticate, rate limit, capacity checks, room joins. On success
// the connection is Active and an admission confirmation has been
// delivered.
func (m *Manager) Connect(ctx context.Context, token, address string, sess Session) (core.Connection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return core.Connection{}, ErrShuttingDown
	}
	m.mu.Unlock()

	// Authenticating
	identity, err := m.gate.Validate(ctx, token, address)
	if err != nil {
		m.metrics.RecordAuth("rejected")
		m.metrics.RecordAdmission("rejected", core.RejectionCode(err))
		return core.Connection{}, err
	}
	m.metrics.RecordAuth("accepted")

	// RateLimiting
	if decision := m.limiter.Check(userContextID(identity.TenantID, identity.UserID)); !decision.Allowed {
		m.metrics.RecordRateLimitBlock()
		m.metrics.RecordAdmission("rejected", "rate_limited")
		return core.Connection{}, &core.RateLimitError{RetryAfter: decision.RetryAfter}
	}

	// AdmissionCheck: memory first, then ceilings
	if !m.guard.AdmissionAllowed() {
		// Re-sample so cleanup callbacks run and the pause lifts
		// as soon as usage drops.
		m.guard.Sample()
		if !m.guard.AdmissionAllowed() {
			used, max := m.guard.Usage()
			m.metrics.RecordAdmission("rejected", "resource_exhausted")
			return core.Connection{}, &core.ResourceExhaustionError{UsedBytes: used, MaxBytes: max}
		}
	}

	ok, admErr := m.pool.CanAdmit(identity.TenantID, identity.UserID)
	if !ok {
		m.metrics.RecordAdmission("rejected", "admission_denied")
		return core.Connection{}, admErr
	}

	// Admitted
	now := time.Now()
	conn := core.Connection{
		ID:             uuid.New().String(),
		TenantID:       identity.TenantID,
		UserID:         identity.UserID,
		IsAdmin:        identity.IsAdmin,
		Address:        address,
		EstablishedAt:  now,
		LastActivityAt: now,
	}
	conn.MemoryAtAdmit = m.guard.TrackConnection(conn.ID)
	if admitErr := m.pool.Admit(&conn); admitErr != nil {
		// A concurrent handshake won the last slot between the
		// pre-flight check and registration.
		m.guard.UntrackConnection(conn.ID)
		m.metrics.RecordAdmission("rejected", "admission_denied")
		return core.Connection{}, admitErr
	}

	m.tenants.Ensure(identity.TenantID)
	m.users.Ensure(userContextID(identity.TenantID, identity.UserID))

	roomNames := []string{
		core.TenantRoom(identity.TenantID),
		core.UserRoom(identity.TenantID, identity.UserID),
	}
	if identity.IsAdmin {
		roomNames = append(roomNames, core.AdminRoom(identity.TenantID))
	}

	m.mu.Lock()
	m.sessions[conn.ID] = sess
	for _, room := range roomNames {
		if m.rooms[room] == nil {
			m.rooms[room] = make(map[string]bool)
		}
		m.rooms[room][conn.ID] = true
		m.guard.TrackRoom(conn.ID, room)
	}
	m.mu.Unlock()

	// Active: confirm admission with basic server metrics
	m.metrics.RecordAdmission("admitted", "")
	m.deliverConfirmation(conn, sess)

	m.logger.Info("Connection active",
		zap.String("connection_id", conn.ID),
		zap.String("tenant_id", conn.TenantID),
		zap.String("user_id", conn.UserID),
	)

	return conn, nil
}

func (m *Manager) deliverConfirmation(conn core.Connection, sess Session) {
	payload, err := json.Marshal(map[string]interface{}{
		"connection_id":      conn.ID,
		"server_time":        time.Now().UTC(),
		"active_connections": m.pool.Count(),
		"peak_connections":   m.pool.Peak(),
	})
	if err != nil {
		return
	}

	event := core.NewEvent(core.UserRoom(conn.TenantID, conn.UserID), string(core.EventConnected), payload)
	env, err := batcher.Pack(event.Room, []core.Event{event})
	if err != nil {
		return
	}
	if err := sess.Deliver(env); err != nil {
		m.metrics.RecordTransportError()
		m.logger.Warn("Failed to deliver admission confirmation",
			zap.String("connection_id", conn.ID), zap.Error(err))
	}
}

// Disconnect tears a connection down: room membership, pool entry,
// guard bookkeeping and, for the user's last connection, the offline
// mark. Safe to call twice.
func (m *Manager) Disconnect(connID string, reason core.DisconnectReason) {
	conn, ok := m.pool.Get(connID)
	if !ok {
		return
	}

	m.mu.Lock()
	sess := m.sessions[connID]
	delete(m.sessions, connID)

	for _, room := range m.guard.UntrackConnection(connID) {
		if members := m.rooms[room]; members != nil {
			delete(members, connID)
			if len(members) == 0 {
				delete(m.rooms, room)
			}
		}
	}
	m.mu.Unlock()

	// Pool removal fires the zero-connection callbacks which tear
	// down contexts and flip presence.
	m.pool.Remove(connID)

	if sess != nil {
		sess.Terminate(string(reason), "connection closed", 0)
	}

	m.logger.Info("Connection closed",
		zap.String("connection_id", connID),
		zap.String("tenant_id", conn.TenantID),
		zap.String("reason", string(reason)),
	)
}

// Touch records client activity for idle detection.
func (m *Manager) Touch(connID string) {
	m.pool.Touch(connID)
}

// Publish is the collaborator entry point: resolve the logical channel
// to a room, fan out locally through the batcher and hand the event to
// the backbone for the other processes.
func (m *Manager) Publish(ctx context.Context, channel, name string, payload json.RawMessage) error {
	room, err := ResolveChannel(channel)
	if err != nil {
		return err
	}

	m.schedule(room, name, payload)

	if err := m.backbone.Publish(ctx, room, name, payload); err != nil {
		// Local delivery already queued; cross-process loss is
		// logged and surfaced to the publisher.
		m.logger.Error("Backbone publish failed", zap.String("room", room), zap.Error(err))
		return err
	}
	return nil
}

// HandleRemote delivers an event that another process published.
func (m *Manager) HandleRemote(room, name string, payload json.RawMessage) {
	m.schedule(room, name, payload)
}

func (m *Manager) schedule(room, name string, payload json.RawMessage) {
	event := core.NewEvent(room, name, payload)
	m.batcher.Schedule(room, event)
	m.metrics.RecordFanout(string(event.Kind), 1)
}

// emit is the batcher flush hook: one combined envelope per room per
// window, delivered to every member.
func (m *Manager) emit(target string, events []core.Event) {
	env, err := batcher.Pack(target, events)
	if err != nil {
		m.logger.Error("Failed to pack batch", zap.String("target", target), zap.Error(err))
		return
	}

	m.mu.Lock()
	members := make([]Session, 0, len(m.rooms[target]))
	for connID := range m.rooms[target] {
		if sess, ok := m.sessions[connID]; ok {
			members = append(members, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range members {
		if err := sess.Deliver(env); err != nil {
			m.metrics.RecordTransportError()
			m.logger.Warn("Batch delivery failed", zap.String("target", target), zap.Error(err))
		}
	}

	if len(events) > 0 {
		m.metrics.RecordFlush(len(events), time.Since(events[0].At))
	}
}

// Run drives the periodic maintenance: idle sweep, empty-context GC
// and metrics collection. Each tick is isolated so one failure never
// halts the others.
func (m *Manager) Run(ctx context.Context) {
	sweepTicker := time.NewTicker(m.cfg.SweepInterval)
	memTicker := time.NewTicker(m.memCfg.SampleEvery)
	metricsTicker := time.NewTicker(15 * time.Second)
	defer sweepTicker.Stop()
	defer memTicker.Stop()
	defer metricsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			m.runTick("idle_sweep", m.sweepIdle)
			m.runTick("context_gc", func() {
				m.tenants.Sweep()
				m.users.Sweep()
			})
			m.runTick("ratelimit_sweep", func() { m.limiter.Sweep() })
		case <-memTicker.C:
			m.runTick("memory_sample", func() {
				m.guard.Sample()
				m.metrics.RecordMemory(m.guard.Usage())
			})
		case <-metricsTicker.C:
			m.runTick("metrics_collect", func() {
				m.metrics.RecordConnections(m.pool.Count(), m.pool.Peak(), m.pool.PerTenant())
			})
		}
	}
}

func (m *Manager) runTick(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Maintenance tick panicked",
				zap.String("tick", name),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleThreshold)
	for _, connID := range m.pool.ListIdle(cutoff) {
		m.logger.Info("Evicting idle connection", zap.String("connection_id", connID))
		m.Disconnect(connID, core.ReasonIdleEviction)
	}
}

// Shutdown stops accepting connections, flushes every pending batch
// and closes all live connections with the shutdown reason.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.logger.Info("Gateway shutting down", zap.Int("connections", m.pool.Count()))

	// Pending batches first so no queued event is dropped
	m.batcher.Stop()

	for _, connID := range m.pool.ListAll() {
		m.Disconnect(connID, core.ReasonShutdown)
	}
}

// Stats is the operational snapshot served by the status endpoint.
type Stats struct {
	ActiveConnections int            `json:"active_connections"`
	PeakConnections   int            `json:"peak_connections"`
	PerTenant         map[string]int `json:"per_tenant"`
	TrackedClients    int            `json:"tracked_clients"`
	CachedIdentities  int            `json:"cached_identities"`
	MemoryUsedBytes   uint64         `json:"memory_used_bytes"`
	MemoryMaxBytes    uint64         `json:"memory_max_bytes"`
}

func (m *Manager) Stats() Stats {
	used, max := m.guard.Usage()
	return Stats{
		ActiveConnections: m.pool.Count(),
		PeakConnections:   m.pool.Peak(),
		PerTenant:         m.pool.PerTenant(),
		TrackedClients:    m.limiter.Tracked(),
		CachedIdentities:  m.gate.CacheSize(),
		MemoryUsedBytes:   used,
		MemoryMaxBytes:    max,
	}
}

func (m *Manager) markOfflineAsync(tenantID, userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.MarkOffline(ctx, tenantID, userID); err != nil {
			m.logger.Warn("Failed to mark identity offline",
				zap.String("tenant_id", tenantID),
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}()
}

func userContextID(tenantID, userID string) string {
	return tenantID + "/" + userID
}

func splitUserContextID(id string) (tenantID, userID string, ok bool) {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return id[:i], id[i+1:], true
		}
	}
	return "", "", false
}
