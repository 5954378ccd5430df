package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Delivery("sent")
	m.Delivery("sent")
	m.Delivery("rate_limited")
	m.WebhookEvent("duplicate")
	m.AutoReply("capped")
	m.Reconcile("changed")
	m.ClaimedBatch(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookEvents.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.autoReplies.WithLabelValues("capped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciles.WithLabelValues("changed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.claimedBatches))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Delivery("sent")
		m.WebhookEvent("stored")
		m.AutoReply("fired")
		m.Reconcile("error")
		m.ClaimedBatch(1)
	})
}

func TestNew_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
