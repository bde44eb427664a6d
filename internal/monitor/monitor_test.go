package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/helpdesk-gateway/internal/config"
)

type fakeSources struct {
	connections int
	capacity    int
	memUsed     uint64
	memMax      uint64
	latency     float64
	errRate     float64
}

func (f *fakeSources) sources() Sources {
	return Sources{
		ConnectionCount: func() int { return f.connections },
		ConnectionCap:   f.capacity,
		MemoryUsage:     func() (uint64, uint64) { return f.memUsed, f.memMax },
		LatencyP95:      func() float64 { return f.latency },
		ErrorRate:       func() float64 { return f.errRate },
	}
}

func healthyFakes() *fakeSources {
	return &fakeSources{
		connections: 10,
		capacity:    1000,
		memUsed:     100,
		memMax:      1000,
		latency:     0.01,
		errRate:     0.0,
	}
}

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		HealthInterval: 30 * time.Second,
		AlertInterval:  time.Minute,
		DedupWindow:    5 * time.Minute,
		AlertWindow:    10 * time.Minute,
		HistorySize:    3,
	}
}

func newTestMonitor(f *fakeSources) (*Monitor, *time.Time) {
	m := NewMonitor(f.sources(), DefaultThresholds(), testMonitorConfig(), zap.NewNop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestMonitor_AllChecksPassIsHealthy(t *testing.T) {
	req := require.New(t)
	m, _ := newTestMonitor(healthyFakes())

	snap := m.CheckHealth()
	req.Equal(StatusHealthy, snap.Status)
	for name, ok := range snap.Checks {
		req.True(ok, "check %s should pass", name)
	}
}

func TestMonitor_ThreeOfFourIsDegraded(t *testing.T) {
	req := require.New(t)
	f := healthyFakes()
	f.memUsed = 950 // memory check fails
	m, _ := newTestMonitor(f)

	snap := m.CheckHealth()
	req.Equal(StatusDegraded, snap.Status)
	req.False(snap.Checks[CheckMemory])
}

func TestMonitor_TwoFailuresIsUnhealthy(t *testing.T) {
	req := require.New(t)
	f := healthyFakes()
	f.memUsed = 950
	f.latency = 2.0
	m, _ := newTestMonitor(f)

	snap := m.CheckHealth()
	req.Equal(StatusUnhealthy, snap.Status)
}

func TestMonitor_HistoryRingIsBounded(t *testing.T) {
	req := require.New(t)
	f := healthyFakes()
	m, now := newTestMonitor(f)

	for i := 0; i < 5; i++ {
		*now = now.Add(30 * time.Second)
		m.CheckHealth()
	}

	last, ok := m.LastSnapshot()
	req.True(ok)
	req.Equal(*now, last.Timestamp)

	m.mu.Lock()
	req.Len(m.history, 3)
	m.mu.Unlock()
}

func TestMonitor_AlertDedupWithinWindow(t *testing.T) {
	req := require.New(t)
	f := healthyFakes()
	f.errRate = 0.10 // warning level
	m, now := newTestMonitor(f)

	m.EvaluateAlerts()
	*now = now.Add(time.Minute)
	m.EvaluateAlerts()
	*now = now.Add(time.Minute)
	m.EvaluateAlerts()

	active := m.ActiveAlerts()
	req.Len(active, 1, "identical (metric, level) alerts must deduplicate")
	req.Equal(CheckErrors, active[0].Metric)
	req.Equal(LevelWarning, active[0].Level)
}

func TestMonitor_CriticalSwallowsWarning(t *testing.T) {
	req := require.New(t)
	f := healthyFakes()
	f.errRate = 0.5 // above critical
	m, _ := newTestMonitor(f)

	m.EvaluateAlerts()
	active := m.ActiveAlerts()
	req.Len(active, 1)
	req.Equal(LevelCritical, active[0].Level)
}

func TestMonitor_AlertResolvesOnceConditionClears(t *testing.T) {
	req := require.New(t)
	f := healthyFakes()
	f.errRate = 0.10
	m, now := newTestMonitor(f)

	m.EvaluateAlerts()
	req.Len(m.ActiveAlerts(), 1)

	// Condition clears; alert stays active within the window
	f.errRate = 0.0
	*now = now.Add(5 * time.Minute)
	m.EvaluateAlerts()
	req.Len(m.ActiveAlerts(), 1)

	// Past the alert window it resolves
	*now = now.Add(6 * time.Minute)
	m.EvaluateAlerts()
	req.Empty(m.ActiveAlerts())

	history := m.AlertHistory()
	req.Len(history, 1)
	req.True(history[0].Resolved)

	// A further evaluation does not resolve it again
	*now = now.Add(time.Minute)
	m.EvaluateAlerts()
	req.Len(m.AlertHistory(), 1)
}

func TestMonitor_ExportText(t *testing.T) {
	req := require.New(t)
	m, _ := newTestMonitor(healthyFakes())
	m.CheckHealth()

	text := m.ExportText()
	req.Contains(text, `gateway_status{value="healthy"} 1`)
	req.Contains(text, "gateway_connections 10")
	req.Contains(text, `gateway_check{name="connection_capacity"} 1`)
	req.Contains(text, "gateway_active_alerts 0")
}

func TestMonitor_ExportSnapshot(t *testing.T) {
	req := require.New(t)
	f := healthyFakes()
	f.memUsed = 250
	m, _ := newTestMonitor(f)

	snap := m.Export()
	req.Equal(StatusHealthy, snap.Status)
	req.Equal(10, snap.Connections)
	req.InDelta(0.25, snap.MemoryRatio, 0.001)
}
