// Package metrics exposes prometheus instrumentation for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's prometheus collectors. A single instance is
// created at startup and shared by the router, queue, and multiplexer.
type Metrics struct {
	Connections    *prometheus.GaugeVec
	EventsRouted   *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
	Queued         prometheus.Counter
	Delivered      prometheus.Counter
	Dropped        prometheus.Counter
	Decisions      *prometheus.CounterVec
	InvalidReplies prometheus.Counter
}

// New registers the relay collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chorus_connections",
			Help: "Currently registered connections by role.",
		}, []string{"role"}),
		EventsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chorus_events_routed_total",
			Help: "Events accepted and routed, by event name.",
		}, []string{"event"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chorus_queue_depth",
			Help: "Pending durable queue entries.",
		}),
		Queued: factory.NewCounter(prometheus.CounterOpts{
			Name: "chorus_queue_enqueued_total",
			Help: "Messages appended to the durable queue.",
		}),
		Delivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "chorus_queue_delivered_total",
			Help: "Queued messages successfully delivered.",
		}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "chorus_queue_dropped_total",
			Help: "Queued messages dropped by the retention policy.",
		}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chorus_decisions_total",
			Help: "Decision requests by outcome (resolved, timeout).",
		}, []string{"outcome"}),
		InvalidReplies: factory.NewCounter(prometheus.CounterOpts{
			Name: "chorus_invalid_replies_total",
			Help: "Decision replies discarded as late, unknown, or malformed.",
		}),
	}
}

// NewNop returns metrics backed by a private registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
