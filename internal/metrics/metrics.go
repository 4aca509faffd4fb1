// Package metrics exposes per-worker Prometheus instruments. Every gauge
// and counter here is updated only from its owning worker's own goroutine,
// so no locking is needed beyond what the prometheus client already does
// internally for export.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pool aggregates the per-worker collectors for an entire worker pool
// behind registerable Prometheus instruments.
type Pool struct {
	HandoffQueueDepth    *prometheus.GaugeVec
	DeathQueueLength     *prometheus.GaugeVec
	ConnectionsResumed   *prometheus.CounterVec
	ConnectionsDestroyed *prometheus.CounterVec
}

// NewPool builds an unregistered set of instruments labeled by worker
// index.
func NewPool() *Pool {
	return &Pool{
		HandoffQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lwan",
			Subsystem: "worker",
			Name:      "handoff_queue_depth",
			Help:      "Number of file descriptors currently waiting in a worker's handoff ring.",
		}, []string{"worker"}),
		DeathQueueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lwan",
			Subsystem: "worker",
			Name:      "death_queue_length",
			Help:      "Number of connections currently tracked by a worker's death queue.",
		}, []string{"worker"}),
		ConnectionsResumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lwan",
			Subsystem: "worker",
			Name:      "connections_resumed_total",
			Help:      "Total number of times a worker resumed a connection's coroutine.",
		}, []string{"worker"}),
		ConnectionsDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lwan",
			Subsystem: "worker",
			Name:      "connections_destroyed_total",
			Help:      "Total number of connections a worker has torn down.",
		}, []string{"worker"}),
	}
}

// MustRegister registers every instrument in p against reg.
func (p *Pool) MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(p.HandoffQueueDepth, p.DeathQueueLength, p.ConnectionsResumed, p.ConnectionsDestroyed)
}

// WorkerCollectors is the narrow view of Pool a single worker needs,
// pre-bound to its own label value so the worker never has to format it
// on every update.
type WorkerCollectors struct {
	HandoffQueueDepth    prometheus.Gauge
	DeathQueueLength     prometheus.Gauge
	ConnectionsResumed   prometheus.Counter
	ConnectionsDestroyed prometheus.Counter
}

// For returns instruments bound to the given worker label.
func (p *Pool) For(worker string) *WorkerCollectors {
	return &WorkerCollectors{
		HandoffQueueDepth:    p.HandoffQueueDepth.WithLabelValues(worker),
		DeathQueueLength:     p.DeathQueueLength.WithLabelValues(worker),
		ConnectionsResumed:   p.ConnectionsResumed.WithLabelValues(worker),
		ConnectionsDestroyed: p.ConnectionsDestroyed.WithLabelValues(worker),
	}
}
