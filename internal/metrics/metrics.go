// Package metrics exposes migration measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dusk-indust/kgschema/internal/migrate"
)

// Namespace prefixes every metric name.
const Namespace = "kgschema"

var _ migrate.Recorder = (*Collector)(nil)

// Collector holds the Prometheus metrics for schema migrations. Each
// Collector owns its registry, so tests can create as many as they like.
type Collector struct {
	registry *prometheus.Registry

	Batches        *prometheus.CounterVec
	Elements       *prometheus.CounterVec
	BatchDuration  *prometheus.HistogramVec
	Operations     *prometheus.CounterVec
	LockContention prometheus.Counter
}

// NewCollector creates and registers the migration metrics.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	batches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "migration_batches_total",
			Help:      "Total number of committed migration batches",
		},
		[]string{"kind"},
	)

	elements := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "migration_elements_total",
			Help:      "Total number of nodes and relationships rewritten",
		},
		[]string{"kind"},
	)

	batchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "migration_batch_duration_seconds",
			Help:      "Migration batch duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	operations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "migration_operations_total",
			Help:      "Total number of migration operations by outcome",
		},
		[]string{"kind", "status"},
	)

	lockContention := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "migration_lock_contention_total",
			Help:      "Total number of migrations refused because the lock was held",
		},
	)


	registry.MustRegister(
		batches,
		elements,
		batchDuration,
		operations,
		lockContention,
	)

	return &Collector{
		registry:       registry,
		Batches:        batches,
		Elements:       elements,
		BatchDuration:  batchDuration,
		Operations:     operations,
		LockContention: lockContention,
	}
}

// BatchCommitted records one committed batch.
func (c *Collector) BatchCommitted(kind string, elements int, elapsed time.Duration) {
	c.Batches.WithLabelValues(kind).Inc()
	c.Elements.WithLabelValues(kind).Add(float64(elements))
	c.BatchDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// OperationFinished records the outcome of one plan operation.
func (c *Collector) OperationFinished(kind, status string) {
	c.Operations.WithLabelValues(kind, status).Inc()
}

// LockContended records a refused migration.
func (c *Collector) LockContended() {
	c.LockContention.Inc()
}

// Registry returns the Prometheus registry for this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
