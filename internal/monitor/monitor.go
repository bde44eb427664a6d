package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/helpdesk-gateway/internal/config"
)

// Status aggregates the boolean health checks.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check names, also used as metric names in alert records.
const (
	CheckCapacity = "connection_capacity"
	CheckMemory   = "memory_threshold"
	CheckLatency  = "latency_p95"
	CheckErrors   = "error_rate"
)

// Sources are the live readings the monitor evaluates. All injected so
// the monitor stays decoupled from the pool and collector.
type Sources struct {
	ConnectionCount func() int
	ConnectionCap   int
	MemoryUsage     func() (used, max uint64)
	LatencyP95      func() float64
	ErrorRate       func() float64
}

// HealthSnapshot is one periodic health evaluation. History is kept in
// a bounded ring, oldest entries overwritten first.
type HealthSnapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	Checks    map[string]bool `json:"checks"`
	Status    Status          `json:"status"`
}

// Thresholds for alert evaluation. Capacity and memory are usage
// ratios, latency is seconds, errors a failure fraction.
type Thresholds struct {
	CapacityWarning  float64
	CapacityCritical float64
	MemoryWarning    float64
	MemoryCritical   float64
	LatencyWarning   float64
	LatencyCritical  float64
	ErrorWarning     float64
	ErrorCritical    float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CapacityWarning:  0.8,
		CapacityCritical: 0.95,
		MemoryWarning:    0.8,
		MemoryCritical:   0.9,
		LatencyWarning:   0.25,
		LatencyCritical:  1.0,
		ErrorWarning:     0.05,
		ErrorCritical:    0.20,
	}
}

type Monitor struct {
	sources    Sources
	thresholds Thresholds
	cfg        config.MonitorConfig
	logger     *zap.Logger

	mu      sync.Mutex
	history []HealthSnapshot
	histIdx int
	active  map[string]*Alert // key: metric|level
	alerts  []*Alert          // all alerts, bounded

	now func() time.Time
}

func NewMonitor(sources Sources, thresholds Thresholds, cfg config.MonitorConfig, logger *zap.Logger) *Monitor {
	return &Monitor{
		sources:    sources,
		thresholds: thresholds,
		cfg:        cfg,
		logger:     logger,
		history:    make([]HealthSnapshot, 0, cfg.HistorySize),
		active:     make(map[string]*Alert),
		now:        time.Now,
	}
}

// Run drives the two evaluation cadences until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	healthTicker := time.NewTicker(m.cfg.HealthInterval)
	alertTicker := time.NewTicker(m.cfg.AlertInterval)
	defer healthTicker.Stop()
	defer alertTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-healthTicker.C:
			m.CheckHealth()
		case <-alertTicker.C:
			m.EvaluateAlerts()
		}
	}
}

// CheckHealth evaluates the four boolean checks and appends the
// snapshot to the ring.
func (m *Monitor) CheckHealth() HealthSnapshot {
	used, max := m.sources.MemoryUsage()
	memRatio := ratio(used, max)
	capRatio := float64(m.sources.ConnectionCount()) / float64(m.sources.ConnectionCap)

	checks := map[string]bool{
		CheckCapacity: capRatio < m.thresholds.CapacityCritical,
		CheckMemory:   memRatio < m.thresholds.MemoryCritical,
		CheckLatency:  m.sources.LatencyP95() < m.thresholds.LatencyCritical,
		CheckErrors:   m.sources.ErrorRate() < m.thresholds.ErrorCritical,
	}

	passed := 0
	for _, ok := range checks {
		if ok {
			passed++
		}
	}

	var status Status
	switch {
	case passed == len(checks):
		status = StatusHealthy
	case float64(passed) >= 0.75*float64(len(checks)):
		status = StatusDegraded
	default:
		status = StatusUnhealthy
	}

	snapshot := HealthSnapshot{
		Timestamp: m.now(),
		Checks:    checks,
		Status:    status,
	}

	m.mu.Lock()
	if len(m.history) < m.cfg.HistorySize {
		m.history = append(m.history, snapshot)
	} else {
		m.history[m.histIdx] = snapshot
		m.histIdx = (m.histIdx + 1) % m.cfg.HistorySize
	}
	m.mu.Unlock()

	if status != StatusHealthy {
		m.logger.Warn("Health degraded",
			zap.String("status", string(status)),
			zap.Any("checks", checks),
		)
	}

	return snapshot
}

// LastSnapshot returns the most recent health evaluation, if any.
func (m *Monitor) LastSnapshot() (HealthSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) == 0 {
		return HealthSnapshot{}, false
	}
	if len(m.history) < m.cfg.HistorySize {
		return m.history[len(m.history)-1], true
	}
	idx := (m.histIdx - 1 + m.cfg.HistorySize) % m.cfg.HistorySize
	return m.history[idx], true
}

// Snapshot is the sanitized structure served on the health endpoint.
type Snapshot struct {
	Status      Status          `json:"status"`
	Checks      map[string]bool `json:"checks"`
	EvaluatedAt time.Time       `json:"evaluated_at"`

	Connections int     `json:"connections"`
	MemoryRatio float64 `json:"memory_ratio"`
	LatencyP95  float64 `json:"latency_p95_seconds"`

	ActiveAlerts []Alert `json:"active_alerts"`
}

func (m *Monitor) Export() Snapshot {
	last, ok := m.LastSnapshot()
	if !ok {
		last = m.CheckHealth()
	}

	used, max := m.sources.MemoryUsage()

	return Snapshot{
		Status:       last.Status,
		Checks:       last.Checks,
		EvaluatedAt:  last.Timestamp,
		Connections:  m.sources.ConnectionCount(),
		MemoryRatio:  ratio(used, max),
		LatencyP95:   m.sources.LatencyP95(),
		ActiveAlerts: m.ActiveAlerts(),
	}
}

// ExportText renders the snapshot in a plaintext key-value scrape
// format.
func (m *Monitor) ExportText() string {
	snap := m.Export()

	var b strings.Builder
	fmt.Fprintf(&b, "gateway_status{value=%q} 1\n", snap.Status)
	fmt.Fprintf(&b, "gateway_connections %d\n", snap.Connections)
	fmt.Fprintf(&b, "gateway_memory_ratio %.4f\n", snap.MemoryRatio)
	fmt.Fprintf(&b, "gateway_latency_p95_seconds %.4f\n", snap.LatencyP95)
	fmt.Fprintf(&b, "gateway_active_alerts %d\n", len(snap.ActiveAlerts))

	names := make([]string, 0, len(snap.Checks))
	for name := range snap.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := 0
		if snap.Checks[name] {
			v = 1
		}
		fmt.Fprintf(&b, "gateway_check{name=%q} %d\n", name, v)
	}

	return b.String()
}

func ratio(used, max uint64) float64 {
	if max == 0 {
		return 0
	}
	return float64(used) / float64(max)
}
