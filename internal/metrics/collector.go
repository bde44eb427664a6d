package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/leozw/helpdesk-gateway/internal/config"
)

// latencySampleSize bounds the in-process ring used for the p95 the
// health checks read. Prometheus keeps the full histogram.
const latencySampleSize = 1024

type Collector struct {
	config *config.MimirConfig

	// Connection metrics
	connectionsActive    prometheus.Gauge
	connectionsPeak      prometheus.Gauge
	connectionsPerTenant *prometheus.GaugeVec

	// Admission pipeline
	admissionsTotal *prometheus.CounterVec
	authTotal       *prometheus.CounterVec
	rateLimitBlocks prometheus.Counter

	// Fan-out
	eventsFanned   *prometheus.CounterVec
	batchFlushSize prometheus.Histogram
	batchLatency   prometheus.Histogram

	// Resources
	memoryUsageRatio prometheus.Gauge
	transportErrors  prometheus.Counter

	// Local sources for health/alert evaluation
	mu        sync.Mutex
	latencies []float64
	latIdx    int
	latFull   bool
	ops       uint64
	failures  uint64
	windowAt  time.Time
}

func NewCollector(cfg config.MimirConfig, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		config:   &cfg,
		windowAt: time.Now(),

		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Number of live client connections",
		}),

		connectionsPeak: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_peak",
			Help: "High-water mark of concurrent connections since start",
		}),

		connectionsPerTenant: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_connections_per_tenant",
				Help: "Live connections by tenant",
			},
			[]string{"tenant_id"},
		),

		admissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_admissions_total",
				Help: "Admission decisions by result and reason",
			},
			[]string{"result", "reason"},
		),

		authTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_total",
				Help: "Authentication outcomes",
			},
			[]string{"result"},
		),

		rateLimitBlocks: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limit_blocks_total",
			Help: "Connections blocked by the rate limiter",
		}),

		eventsFanned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_events_fanned_out_total",
				Help: "Events delivered to rooms by kind",
			},
			[]string{"kind"},
		),

		batchFlushSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_batch_flush_size",
			Help:    "Events per combined batch emission",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		batchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_broadcast_latency_seconds",
			Help:    "Latency from schedule to emission",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		memoryUsageRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_memory_usage_ratio",
			Help: "Process RSS as a fraction of the configured ceiling",
		}),

		transportErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_transport_errors_total",
			Help: "Mid-session transport failures",
		}),
	}
}

func (c *Collector) RecordConnections(active, peak int, perTenant map[string]int) {
	c.connectionsActive.Set(float64(active))
	c.connectionsPeak.Set(float64(peak))
	c.connectionsPerTenant.Reset()
	for tenantID, count := range perTenant {
		c.connectionsPerTenant.WithLabelValues(tenantID).Set(float64(count))
	}
}

func (c *Collector) RecordAdmission(result, reason string) {
	c.admissionsTotal.WithLabelValues(result, reason).Inc()
	c.countOp(result != "admitted")
}

func (c *Collector) RecordAuth(result string) {
	c.authTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordRateLimitBlock() {
	c.rateLimitBlocks.Inc()
}

func (c *Collector) RecordFanout(kind string, events int) {
	c.eventsFanned.WithLabelValues(kind).Add(float64(events))
	c.countOp(false)
}

func (c *Collector) RecordFlush(size int, latency time.Duration) {
	c.batchFlushSize.Observe(float64(size))
	c.batchLatency.Observe(latency.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.latencies) < latencySampleSize {
		c.latencies = append(c.latencies, latency.Seconds())
	} else {
		c.latencies[c.latIdx] = latency.Seconds()
		c.latIdx = (c.latIdx + 1) % latencySampleSize
		c.latFull = true
	}
}

func (c *Collector) RecordMemory(used, max uint64) {
	if max == 0 {
		return
	}
	c.memoryUsageRatio.Set(float64(used) / float64(max))
}

func (c *Collector) RecordTransportError() {
	c.transportErrors.Inc()
	c.countOp(true)
}

func (c *Collector) countOp(failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops++
	if failed {
		c.failures++
	}
}

// LatencyP95 returns the 95th percentile broadcast latency in seconds
// over the recent sample window.
func (c *Collector) LatencyP95() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.latencies) == 0 {
		return 0
	}

	sorted := make([]float64, len(c.latencies))
	copy(sorted, c.latencies)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted))*0.95) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// ErrorRate returns the failure fraction since the last call and
// resets the window.
func (c *Collector) ErrorRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ops == 0 {
		return 0
	}
	rate := float64(c.failures) / float64(c.ops)
	c.ops = 0
	c.failures = 0
	c.windowAt = time.Now()
	return rate
}
