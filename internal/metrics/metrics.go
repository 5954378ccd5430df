// Package metrics exposes Prometheus counters for the engine.
// All methods are safe on a nil *Metrics so services can run without them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine's collectors
type Metrics struct {
	deliveries     *prometheus.CounterVec
	webhookEvents  *prometheus.CounterVec
	autoReplies    *prometheus.CounterVec
	reconciles     *prometheus.CounterVec
	claimedBatches prometheus.Histogram
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_engine",
			Name:      "deliveries_total",
			Help:      "Outbound delivery attempts by outcome.",
		}, []string{"outcome"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_engine",
			Name:      "webhook_events_total",
			Help:      "Inbound webhook events by result.",
		}, []string{"result"}),
		autoReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_engine",
			Name:      "auto_replies_total",
			Help:      "Auto-reply evaluations by result.",
		}, []string{"result"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_engine",
			Name:      "reconciles_total",
			Help:      "Instance state reconciliations by result.",
		}, []string{"result"}),
		claimedBatches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chat_engine",
			Name:      "claimed_batch_size",
			Help:      "Number of messages claimed per dequeue.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
	}
	reg.MustRegister(m.deliveries, m.webhookEvents, m.autoReplies, m.reconciles, m.claimedBatches)
	return m
}

func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WebhookEvent(result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) AutoReply(result string) {
	if m == nil {
		return
	}
	m.autoReplies.WithLabelValues(result).Inc()
}

func (m *Metrics) Reconcile(result string) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(result).Inc()
}

func (m *Metrics) ClaimedBatch(n int) {
	if m == nil {
		return
	}
	m.claimedBatches.Observe(float64(n))
}
