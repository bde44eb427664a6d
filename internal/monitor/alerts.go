package monitor

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type AlertLevel string

const (
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
)

// Alert records one threshold crossing. Identical (metric, level)
// pairs are deduplicated within the dedup window; an alert whose
// condition stays absent past the alert window resolves exactly once.
type Alert struct {
	ID        string     `json:"id"`
	Level     AlertLevel `json:"level"`
	Message   string     `json:"message"`
	Metric    string     `json:"metric"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Timestamp time.Time  `json:"timestamp"`
	Resolved  bool       `json:"resolved"`

	lastSeenAt time.Time
}

type condition struct {
	metric    string
	level     AlertLevel
	value     float64
	threshold float64
}

// EvaluateAlerts computes the current metric values against the
// warning/critical thresholds and reconciles the active alert set.
func (m *Monitor) EvaluateAlerts() {
	used, max := m.sources.MemoryUsage()
	capRatio := float64(m.sources.ConnectionCount()) / float64(m.sources.ConnectionCap)

	var conditions []condition
	conditions = appendCondition(conditions, CheckCapacity, capRatio,
		m.thresholds.CapacityWarning, m.thresholds.CapacityCritical)
	conditions = appendCondition(conditions, CheckMemory, ratio(used, max),
		m.thresholds.MemoryWarning, m.thresholds.MemoryCritical)
	conditions = appendCondition(conditions, CheckLatency, m.sources.LatencyP95(),
		m.thresholds.LatencyWarning, m.thresholds.LatencyCritical)
	conditions = appendCondition(conditions, CheckErrors, m.sources.ErrorRate(),
		m.thresholds.ErrorWarning, m.thresholds.ErrorCritical)

	now := m.now()

	m.mu.Lock()
	var created []*Alert
	for _, cond := range conditions {
		key := cond.metric + "|" + string(cond.level)

		if existing, ok := m.active[key]; ok {
			existing.lastSeenAt = now
			if now.Sub(existing.Timestamp) <= m.cfg.DedupWindow {
				continue
			}
			// Past the dedup window the recurring condition is
			// re-raised as a fresh record.
			existing.Resolved = true
		}

		alert := &Alert{
			ID:         uuid.New().String(),
			Level:      cond.level,
			Message:    fmt.Sprintf("%s at %.3f exceeds %s threshold %.3f", cond.metric, cond.value, cond.level, cond.threshold),
			Metric:     cond.metric,
			Value:      cond.value,
			Threshold:  cond.threshold,
			Timestamp:  now,
			lastSeenAt: now,
		}
		m.active[key] = alert
		m.alerts = append(m.alerts, alert)
		created = append(created, alert)
	}

	// Resolve alerts whose condition stopped recurring
	var resolved []*Alert
	for key, alert := range m.active {
		if now.Sub(alert.lastSeenAt) > m.cfg.AlertWindow {
			alert.Resolved = true
			delete(m.active, key)
			resolved = append(resolved, alert)
		}
	}

	// Bound the historical record
	if len(m.alerts) > 10*m.cfg.HistorySize {
		m.alerts = m.alerts[len(m.alerts)-10*m.cfg.HistorySize:]
	}
	m.mu.Unlock()

	for _, alert := range created {
		m.logger.Warn("Alert raised",
			zap.String("alert_id", alert.ID),
			zap.String("metric", alert.Metric),
			zap.String("level", string(alert.Level)),
			zap.Float64("value", alert.Value),
			zap.Float64("threshold", alert.Threshold),
		)
	}
	for _, alert := range resolved {
		m.logger.Info("Alert resolved",
			zap.String("alert_id", alert.ID),
			zap.String("metric", alert.Metric),
		)
	}
}

// appendCondition classifies a value: critical swallows warning.
func appendCondition(conds []condition, metric string, value, warn, crit float64) []condition {
	switch {
	case value >= crit:
		return append(conds, condition{metric: metric, level: LevelCritical, value: value, threshold: crit})
	case value >= warn:
		return append(conds, condition{metric: metric, level: LevelWarning, value: value, threshold: warn})
	default:
		return conds
	}
}

// ActiveAlerts returns unresolved alerts, newest first.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.active))
	for _, alert := range m.active {
		out = append(out, *alert)
	}
	return out
}

// AlertHistory returns a copy of the bounded alert record.
func (m *Monitor) AlertHistory() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		out = append(out, *alert)
	}
	return out
}
