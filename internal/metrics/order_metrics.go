package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OrderMetrics содержит метрики оформления заказов и работы со складом.
// Все методы безопасны для nil-получателя: сервисы без метрик просто их не пишут.
type OrderMetrics struct {
	// Счётчики оформления
	ordersCreated *prometheus.CounterVec
	ordersFailed  *prometheus.CounterVec
	statusUpdates *prometheus.CounterVec

	// Склад
	stockAdjustments  *prometheus.CounterVec
	stockSyncFailures prometheus.Counter
	reconciliations   *prometheus.CounterVec

	// Гистограммы времени выполнения
	createDuration prometheus.Histogram
	stepDuration   *prometheus.HistogramVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	ordersInFlight prometheus.Gauge
}

// NewOrderMetrics создаёт метрики в глобальном реестре Prometheus.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer создаёт метрики в указанном реестре (удобно для тестов).
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		ordersCreated: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_orders_created_total",
			Help: "Total number of orders created grouped by initial status",
		}, []string{"status"}),
		ordersFailed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_orders_failed_total",
			Help: "Total number of rejected order creations grouped by error kind",
		}, []string{"kind"}),
		statusUpdates: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_order_status_updates_total",
			Help: "Total number of manual order status updates grouped by target status",
		}, []string{"status"}),
		stockAdjustments: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_stock_adjustments_total",
			Help: "Total number of stock adjustments grouped by direction and result",
		}, []string{"direction", "result"}),
		stockSyncFailures: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_stock_sync_failures_total",
			Help: "Total number of post-commit stock subtractions that failed",
		}),
		reconciliations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_stock_reconciliations_total",
			Help: "Total number of processed stock reconciliation events grouped by result",
		}, []string{"result"}),
		createDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "storefront_order_create_duration_seconds",
			Help:    "Duration of order creation in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "storefront_order_step_duration_seconds",
			Help:    "Duration of individual order creation steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		ordersInFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_orders_in_flight",
			Help: "Number of order creations currently in progress",
		}),
	}
}

// RecordOrderStarted отмечает начало оформления заказа.
func (m *OrderMetrics) RecordOrderStarted() {
	if m == nil {
		return
	}
	m.ordersInFlight.Inc()
}

// RecordOrderFinished отмечает окончание оформления и его длительность.
func (m *OrderMetrics) RecordOrderFinished(duration time.Duration) {
	if m == nil {
		return
	}
	m.ordersInFlight.Dec()
	m.createDuration.Observe(duration.Seconds())
}

// RecordOrderCreated увеличивает счётчик созданных заказов по начальному статусу.
func (m *OrderMetrics) RecordOrderCreated(status string) {
	if m == nil {
		return
	}
	m.ordersCreated.WithLabelValues(status).Inc()
}

// RecordOrderFailed увеличивает счётчик отклонённых заказов.
func (m *OrderMetrics) RecordOrderFailed(kind string) {
	if m == nil {
		return
	}
	m.ordersFailed.WithLabelValues(kind).Inc()
}

// RecordStatusUpdate увеличивает счётчик ручных смен статуса.
func (m *OrderMetrics) RecordStatusUpdate(status string) {
	if m == nil {
		return
	}
	m.statusUpdates.WithLabelValues(status).Inc()
}

// RecordStockAdjustment фиксирует результат изменения остатка.
func (m *OrderMetrics) RecordStockAdjustment(direction, result string) {
	if m == nil {
		return
	}
	m.stockAdjustments.WithLabelValues(direction, result).Inc()
}

// RecordStockSyncFailure увеличивает счётчик несписанных после сохранения остатков.
func (m *OrderMetrics) RecordStockSyncFailure() {
	if m == nil {
		return
	}
	m.stockSyncFailures.Inc()
}

// RecordReconciliation фиксирует результат обработки события сверки.
func (m *OrderMetrics) RecordReconciliation(result string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(result).Inc()
}

// RecordStepDuration записывает время выполнения шага оформления.
func (m *OrderMetrics) RecordStepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *OrderMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *OrderMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}
