// Package metrics provides the Prometheus Collector for the Neighborhood
// Synchronization Core, exposing the counters and gauges an operator needs
// to alert on reconnect churn, capacity pressure, and protocol violations.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "profilesrv"
	subsystem = "neighborhood"
)

// Collector holds all neighborhood-core Prometheus metrics.
type Collector struct {
	// NeighborhoodSize tracks the current committed Neighbor row count.
	NeighborhoodSize prometheus.Gauge

	// Reconnects counts LBN session reconnect attempts.
	Reconnects prometheus.Counter

	// ActionsEnqueued counts NeighborhoodAction rows committed, labeled by
	// action type (AddNeighbor/RemoveNeighbor).
	ActionsEnqueued *prometheus.CounterVec

	// CapacityRejections counts Add events dropped because the
	// neighborhood was at max_neighborhood_size.
	CapacityRejections prometheus.Counter

	// ProtocolViolations counts frames that terminated a session as a
	// protocol violation.
	ProtocolViolations prometheus.Counter

	// ValidationRejections counts per-item validation failures within a
	// batch (bad server_id length, bad port, invalid location).
	ValidationRejections prometheus.Counter
}

// NewCollector creates a Collector and registers it against reg. If reg is
// nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		NeighborhoodSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "size",
			Help:      "Current number of committed Neighbor rows.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnects_total",
			Help:      "Total LBN session reconnect attempts.",
		}),
		ActionsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "actions_enqueued_total",
			Help:      "Total NeighborhoodAction rows committed, by action type.",
		}, []string{"action_type"}),
		CapacityRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "capacity_rejections_total",
			Help:      "Total Add events dropped because the neighborhood was at capacity.",
		}),
		ProtocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "protocol_violations_total",
			Help:      "Total frames that terminated an LBN session as a protocol violation.",
		}),
		ValidationRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "validation_rejections_total",
			Help:      "Total per-item validation failures within a change batch.",
		}),
	}

	reg.MustRegister(
		c.NeighborhoodSize,
		c.Reconnects,
		c.ActionsEnqueued,
		c.CapacityRejections,
		c.ProtocolViolations,
		c.ValidationRejections,
	)
	return c
}
