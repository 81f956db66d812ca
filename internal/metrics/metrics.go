// Package metrics holds the Prometheus collectors exported by pacepair.
// Collectors are created per process and registered on an injected
// registry; there is no package-level state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pacepair"

// Metrics groups every collector. Construct with New; a nil registry
// yields working but unregistered collectors, which tests use.
type Metrics struct {
	MessagesSent    *prometheus.CounterVec
	MessagesQueued  *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec
	SendRetries     prometheus.Counter
	QueueDepth      prometheus.Gauge
	OutboxDepth     prometheus.Gauge

	IngestRecords  *prometheus.CounterVec
	AnchorAdvances *prometheus.CounterVec
	RouteFetches   *prometheus.CounterVec
}

// New creates the collectors and registers them on reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_sent_total",
			Help:      "Messages delivered to the peer link, by kind and delivery path.",
		}, []string{"kind", "path"}),
		MessagesQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_queued_total",
			Help:      "Best-effort messages parked in the queue while the peer was unreachable.",
		}, []string{"kind"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped, by kind and reason (evicted, decode, duplicate).",
		}, []string{"kind", "reason"}),
		SendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "send_retries_total",
			Help:      "Retried best-effort send attempts.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "queue_depth",
			Help:      "Messages currently waiting in the best-effort queue.",
		}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "outbox_depth",
			Help:      "Guaranteed-delivery messages not yet acknowledged.",
		}),
		IngestRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Health records processed, by stream and result.",
		}, []string{"stream", "result"}),
		AnchorAdvances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "anchor_advances_total",
			Help:      "Committed anchor advances, by stream.",
		}, []string{"stream"}),
		RouteFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "route_fetches_total",
			Help:      "Route fetch attempts, by outcome (completed, retry, failed).",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesSent, m.MessagesQueued, m.MessagesDropped, m.SendRetries,
			m.QueueDepth, m.OutboxDepth,
			m.IngestRecords, m.AnchorAdvances, m.RouteFetches,
		)
	}

	return m
}
