package harness

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for spawner and pool activity.
type Metrics struct {
	spawns          *prometheus.CounterVec
	exits           *prometheus.CounterVec
	instanceSeconds *prometheus.HistogramVec
	instancesLive   prometheus.Gauge
	poolRunning     prometheus.Gauge
	poolQueued      prometheus.Gauge
	poolMax         prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns collectors registered once with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the harness collectors with reg. Collectors that
// are already registered are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		spawns: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fetch",
			Subsystem: "harness",
			Name:      "spawns_total",
			Help:      "Process spawn attempts by result.",
		}, []string{"result"})),
		exits: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fetch",
			Subsystem: "harness",
			Name:      "exits_total",
			Help:      "Instances that reached a terminal status.",
		}, []string{"status"})),
		instanceSeconds: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fetch",
			Subsystem: "harness",
			Name:      "instance_duration_seconds",
			Help:      "Wall-clock lifetime of agent processes.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"status"})),
		instancesLive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fetch",
			Subsystem: "harness",
			Name:      "instances_live",
			Help:      "Processes currently alive.",
		})),
		poolRunning: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fetch",
			Subsystem: "pool",
			Name:      "running",
			Help:      "Pool slots in use.",
		})),
		poolQueued: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fetch",
			Subsystem: "pool",
			Name:      "queued",
			Help:      "Requests waiting for a pool slot.",
		})),
		poolMax: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fetch",
			Subsystem: "pool",
			Name:      "max_concurrent",
			Help:      "Configured pool bound.",
		})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) incSpawn(result string) {
	if m == nil {
		return
	}
	m.spawns.WithLabelValues(result).Inc()
}

func (m *Metrics) instanceStarted() {
	if m == nil {
		return
	}
	m.instancesLive.Inc()
}

func (m *Metrics) instanceExited(status Status, d time.Duration) {
	if m == nil {
		return
	}
	m.instancesLive.Dec()
	m.exits.WithLabelValues(string(status)).Inc()
	m.instanceSeconds.WithLabelValues(string(status)).Observe(d.Seconds())
}

func (m *Metrics) setPool(running, queued, max int) {
	if m == nil {
		return
	}
	m.poolRunning.Set(float64(running))
	m.poolQueued.Set(float64(queued))
	m.poolMax.Set(float64(max))
}
