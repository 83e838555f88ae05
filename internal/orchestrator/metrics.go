package orchestrator

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sevir/fetch/pkg/models"
)

// Metrics exposes Prometheus collectors for task outcomes.
type Metrics struct {
	submitted    *prometheus.CounterVec
	finished     *prometheus.CounterVec
	retries      prometheus.Counter
	taskDuration *prometheus.HistogramVec
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

// MustNewMetrics registers the task collectors with reg.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		submitted: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fetch",
			Subsystem: "tasks",
			Name:      "submitted_total",
			Help:      "Tasks admitted by agent variant.",
		}, []string{"agent"})),
		finished: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fetch",
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"status"})),
		retries: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fetch",
			Subsystem: "tasks",
			Name:      "retries_total",
			Help:      "Execution attempts repeated after a runtime failure or timeout.",
		})),
		taskDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fetch",
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Time from task start to its terminal status.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		}, []string{"status"})),
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

func (m *Metrics) taskSubmitted(agent models.AgentVariant) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(string(agent)).Inc()
}

func (m *Metrics) taskRetried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) taskFinished(t *models.Task) {
	if m == nil || t == nil {
		return
	}
	m.finished.WithLabelValues(string(t.Status)).Inc()
	if t.StartedAt != nil && t.CompletedAt != nil {
		m.taskDuration.WithLabelValues(string(t.Status)).Observe(t.CompletedAt.Sub(*t.StartedAt).Seconds())
	}
}

