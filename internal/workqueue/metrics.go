package workqueue

import (
	"github.com/prometheus/client_golang/prometheus"
)

const queueLabel = "queue"

// Metrics counts work transitions per queue. A nil *Metrics records
// nothing.
type Metrics struct {
	scheduledTotal *prometheus.CounterVec
	completedTotal *prometheus.CounterVec
	failedTotal    *prometheus.CounterVec
	retriedTotal   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scheduledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docstore_work_scheduled_total",
			Help: "Count of work instances scheduled",
		}, []string{queueLabel}),
		completedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docstore_work_completed_total",
			Help: "Count of work instances completed, failed ones included",
		}, []string{queueLabel}),
		failedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docstore_work_failed_total",
			Help: "Count of work instances whose runner failed",
		}, []string{queueLabel}),
		retriedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docstore_work_retried_total",
			Help: "Count of runner attempts retried after a retryable failure",
		}, []string{queueLabel}),
	}
	if reg != nil {
		reg.MustRegister(m.scheduledTotal, m.completedTotal, m.failedTotal, m.retriedTotal)
	}
	return m
}

func (m *Metrics) scheduled(queue string) {
	if m != nil {
		m.scheduledTotal.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) completed(queue string) {
	if m != nil {
		m.completedTotal.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) failed(queue string) {
	if m != nil {
		m.failedTotal.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) retried(queue string) {
	if m != nil {
		m.retriedTotal.WithLabelValues(queue).Inc()
	}
}
