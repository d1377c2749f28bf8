package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько времени занял вызов внешнего исполнителя
	DispatchDuration *prometheus.HistogramVec

	// Traffic: элементы, обработанные оркестратором за тики
	ItemsProcessed *prometheus.CounterVec

	// Переходы жизненного цикла
	Transitions *prometheus.CounterVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Элементы, дошедшие до терминального dead
	DeadItems prometheus.Counter

	// Audit: заполненность буфера зеркала (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		DispatchDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opsgate_dispatch_duration_seconds",
			Help:    "Histogram of external executor call latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"kind", "status"}),

		ItemsProcessed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "opsgate_items_processed_total",
			Help: "Total number of items handled by orchestrator phases.",
		}, []string{"phase"}), // фазы: triage, dispatch, retry

		Transitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "opsgate_transitions_total",
			Help: "Total number of lifecycle transitions by target status.",
		}, []string{"to"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "opsgate_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: triage, gate, dispatch, store, panic

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "opsgate_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"executor"}),

		DeadItems: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "opsgate_dead_items_total",
			Help: "Total number of items that exhausted their retry budget.",
		}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "opsgate_audit_buffer_utilization",
			Help: "Current number of events in the audit mirror buffer.",
		}),
	}
}
