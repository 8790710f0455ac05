// Package metrics holds the Prometheus collectors for the delivery pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	Deliveries       *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	Retries          *prometheus.CounterVec
	JobErrors        prometheus.Counter
	QueueRedrives    prometheus.Counter
	QueueDeadLetters prometheus.Counter
	EventsIngested   prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_deliveries_total",
				Help: "Delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		DeliveryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hookrelay_delivery_duration_seconds",
				Help:    "Duration of outbound delivery attempts",
				Buckets: prometheus.DefBuckets,
			},
		),
		Retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_retries_total",
				Help: "Retry decisions after failed attempts",
			},
			[]string{"result"},
		),
		JobErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hookrelay_job_errors_total",
				Help: "Delivery jobs that returned an error to the queue",
			},
		),
		QueueRedrives: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hookrelay_queue_redrives_total",
				Help: "Jobs rescheduled by the queue after a handler error",
			},
		),
		QueueDeadLetters: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hookrelay_queue_dead_letters_total",
				Help: "Jobs moved to the dead stream",
			},
		),
		EventsIngested: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hookrelay_events_ingested_total",
				Help: "Events accepted by the ingest endpoint",
			},
		),
	}

	reg.MustRegister(
		m.Deliveries,
		m.DeliveryDuration,
		m.Retries,
		m.JobErrors,
		m.QueueRedrives,
		m.QueueDeadLetters,
		m.EventsIngested,
	)
	return m
}

func (m *Metrics) ObserveDelivery(delivered bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "failed"
	if delivered {
		outcome = "delivered"
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
	m.DeliveryDuration.Observe(d.Seconds())
}

// ObserveRetry counts a retry decision: scheduled, exhausted or ceiling.
func (m *Metrics) ObserveRetry(result string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(result).Inc()
}

func (m *Metrics) JobError() {
	if m == nil {
		return
	}
	m.JobErrors.Inc()
}

func (m *Metrics) Redrive() {
	if m == nil {
		return
	}
	m.QueueRedrives.Inc()
}

func (m *Metrics) DeadLetter() {
	if m == nil {
		return
	}
	m.QueueDeadLetters.Inc()
}

func (m *Metrics) Ingested() {
	if m == nil {
		return
	}
	m.EventsIngested.Inc()
}
