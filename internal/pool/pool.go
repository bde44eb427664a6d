package pool

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/helpdesk-gateway/internal/core"
)

// Pool is the authoritative registry of live connections. Admission
// ceilings are exact within this process; across processes they are
// best-effort.
type Pool struct {
	mu           sync.RWMutex
	conns        map[string]*core.Connection
	byTenant     map[string]map[string]bool
	byUser       map[string]map[string]bool // key: tenantID + "/" + userID
	maxPerTenant int
	maxPerUser   int
	peak         int
	logger       *zap.Logger

	// Invoked after a removal leaves a tenant/user with zero live
	// connections. Set once during wiring, before traffic.
	OnTenantEmpty func(tenantID string)
	OnUserEmpty   func(tenantID, userID string)
}

func NewPool(maxPerTenant, maxPerUser int, logger *zap.Logger) *Pool {
	return &Pool{
		conns:        make(map[string]*core.Connection),
		byTenant:     make(map[string]map[string]bool),
		byUser:       make(map[string]map[string]bool),
		maxPerTenant: maxPerTenant,
		maxPerUser:   maxPerUser,
		logger:       logger,
	}
}

func userKey(tenantID, userID string) string {
	return tenantID + "/" + userID
}

// CanAdmit checks the per-tenant and per-user ceilings. It is a cheap
// pre-flight only: the authoritative check happens inside Admit under
// the write lock, so two in-flight handshakes cannot both slip past.
func (p *Pool) CanAdmit(tenantID, userID string) (bool, *core.AdmissionError) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkCeilings(tenantID, userID); err != nil {
		return false, err
	}
	return true, nil
}

// checkCeilings requires p.mu held.
func (p *Pool) checkCeilings(tenantID, userID string) *core.AdmissionError {
	if len(p.byTenant[tenantID]) >= p.maxPerTenant {
		return &core.AdmissionError{Scope: "tenant", Limit: p.maxPerTenant}
	}
	if len(p.byUser[userKey(tenantID, userID)]) >= p.maxPerUser {
		return &core.AdmissionError{Scope: "user", Limit: p.maxPerUser}
	}
	return nil
}

// Admit registers a connection, re-checking both ceilings under the
// write lock. Re-admitting an already registered id is a no-op, never
// a double count.
func (p *Pool) Admit(conn *core.Connection) *core.AdmissionError {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.conns[conn.ID]; exists {
		return nil
	}
	if err := p.checkCeilings(conn.TenantID, conn.UserID); err != nil {
		return err
	}

	p.conns[conn.ID] = conn

	if p.byTenant[conn.TenantID] == nil {
		p.byTenant[conn.TenantID] = make(map[string]bool)
	}
	p.byTenant[conn.TenantID][conn.ID] = true

	uk := userKey(conn.TenantID, conn.UserID)
	if p.byUser[uk] == nil {
		p.byUser[uk] = make(map[string]bool)
	}
	p.byUser[uk][conn.ID] = true

	if len(p.conns) > p.peak {
		p.peak = len(p.conns)
	}
	return nil
}

// Remove deregisters a connection and fires the zero-connection
// callbacks for its tenant/user when applicable.
func (p *Pool) Remove(connID string) {
	p.mu.Lock()

	conn, ok := p.conns[connID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.conns, connID)

	var tenantEmpty, userEmpty bool

	if set := p.byTenant[conn.TenantID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(p.byTenant, conn.TenantID)
			tenantEmpty = true
		}
	}

	uk := userKey(conn.TenantID, conn.UserID)
	if set := p.byUser[uk]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(p.byUser, uk)
			userEmpty = true
		}
	}

	onTenantEmpty := p.OnTenantEmpty
	onUserEmpty := p.OnUserEmpty
	p.mu.Unlock()

	if userEmpty && onUserEmpty != nil {
		onUserEmpty(conn.TenantID, conn.UserID)
	}
	if tenantEmpty && onTenantEmpty != nil {
		onTenantEmpty(conn.TenantID)
	}
}

// Touch updates the activity timestamp on heartbeat or inbound traffic.
func (p *Pool) Touch(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[connID]; ok {
		conn.LastActivityAt = time.Now()
	}
}

// Get returns a copy of the connection record, if present.
func (p *Pool) Get(connID string) (core.Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if conn, ok := p.conns[connID]; ok {
		return *conn, true
	}
	return core.Connection{}, false
}

// ListIdle returns ids of connections with no activity since cutoff.
func (p *Pool) ListIdle(cutoff time.Time) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var idle []string
	for id, conn := range p.conns {
		if conn.LastActivityAt.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	return idle
}

// ListAll returns every live connection id. Used on shutdown.
func (p *Pool) ListAll() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live connections.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Peak returns the monotonic high-water mark. It survives removals.
func (p *Pool) Peak() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.peak
}

// TenantCount returns live connections for one tenant.
func (p *Pool) TenantCount(tenantID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byTenant[tenantID])
}

// UserCount returns live connections for one user.
func (p *Pool) UserCount(tenantID, userID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byUser[userKey(tenantID, userID)])
}

// PerTenant returns a snapshot of live connection counts by tenant.
func (p *Pool) PerTenant() map[string]int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	counts := make(map[string]int, len(p.byTenant))
	for tenantID, set := range p.byTenant {
		counts[tenantID] = len(set)
	}
	return counts
}
