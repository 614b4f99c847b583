package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics описывает публикацию transactional outbox в Kafka.
type OutboxMetrics struct {
	publishAttempts *prometheus.CounterVec
	deadLettered    *prometheus.CounterVec
	pending         prometheus.Gauge
	oldestAge       prometheus.Gauge
	batchDuration   prometheus.Histogram
}

// NewOutboxMetrics создаёт метрики outbox в глобальном реестре Prometheus.
func NewOutboxMetrics() *OutboxMetrics {
	return NewOutboxMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOutboxMetricsWithRegisterer создаёт метрики outbox в указанном реестре.
func NewOutboxMetricsWithRegisterer(registerer prometheus.Registerer) *OutboxMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OutboxMetrics{
		publishAttempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by aggregate and result",
		}, []string{"aggregate", "result"}),
		deadLettered: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_outbox_dead_lettered_total",
			Help: "Total number of outbox messages moved to the dead letter queue grouped by event type",
		}, []string{"event_type"}),
		pending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox",
		}),
		oldestAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record",
		}),
		batchDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "storefront_outbox_batch_duration_seconds",
			Help:    "Duration of one outbox polling cycle",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RecordPublish фиксирует одну попытку публикации.
func (m *OutboxMetrics) RecordPublish(aggregate, result string) {
	if m == nil {
		return
	}
	m.publishAttempts.WithLabelValues(aggregate, result).Inc()
}

// RecordDeadLetter увеличивает счётчик сообщений, ушедших в DLQ.
func (m *OutboxMetrics) RecordDeadLetter(eventType string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(eventType).Inc()
}

// SetBacklog обновляет размер backlog и возраст самого старого сообщения.
func (m *OutboxMetrics) SetBacklog(pending int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.pending.Set(float64(pending))
	m.oldestAge.Set(oldestAge.Seconds())
}

// RecordBatch записывает длительность polling-цикла.
func (m *OutboxMetrics) RecordBatch(duration time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(duration.Seconds())
}
