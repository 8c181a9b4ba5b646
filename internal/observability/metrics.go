// Package observability exposes the Prometheus metrics recorded by the task
// engine, the session controller and the event log.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "storyboard"

// Metrics holds the application's collectors. All methods are safe on a nil
// receiver so components can run without metrics in tests.
type Metrics struct {
	tasksSubmitted     *prometheus.CounterVec
	taskTransitions    *prometheus.CounterVec
	claims             *prometheus.CounterVec
	leaseLost          prometheus.Counter
	providerErrors     *prometheus.CounterVec
	externalPolls      *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	interrupts         *prometheus.CounterVec
	sessionTransitions *prometheus.CounterVec
	eventsAppended     *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tasksSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by submit, by task type.",
		}, []string{"task_type"}),
		taskTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "task_transitions_total",
			Help:      "Task state transitions, by resulting state.",
		}, []string{"transition"}),
		claims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "task_claims_total",
			Help:      "Claim attempts, by outcome.",
		}, []string{"outcome"}),
		leaseLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "task_leases_lost_total",
			Help:      "Heartbeats that found the lease taken by another worker.",
		}),
		providerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "provider_errors_total",
			Help:      "Provider failures, by provider and retryability.",
		}, []string{"provider", "retryable"}),
		externalPolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "external_polls_total",
			Help:      "Polls of asynchronous provider jobs, by reported state.",
		}, []string{"state"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "task_execution_seconds",
			Help:      "Time a worker spends executing a claimed task.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"task_type"}),
		interrupts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "session_interrupts_total",
			Help:      "Interrupt requests, by outcome.",
		}, []string{"outcome"}),
		sessionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "session_transitions_total",
			Help:      "Session status transitions, by resulting status.",
		}, []string{"status"}),
		eventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_appended_total",
			Help:      "Events appended to session logs, by event type.",
		}, []string{"event_type"}),
	}
}

// Handler serves the metrics gathered by g in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) TaskSubmitted(taskType string) {
	if m == nil {
		return
	}
	m.tasksSubmitted.WithLabelValues(taskType).Inc()
}

// TaskTransition counts a task moving to completed, failed, requeued,
// reclaimed or external.
func (m *Metrics) TaskTransition(transition string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.taskTransitions.WithLabelValues(transition).Add(float64(n))
}

func (m *Metrics) Claim(claimed bool) {
	if m == nil {
		return
	}
	outcome := "empty"
	if claimed {
		outcome = "claimed"
	}
	m.claims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LeaseLost() {
	if m == nil {
		return
	}
	m.leaseLost.Inc()
}

func (m *Metrics) ProviderError(provider string, retryable bool) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, strconv.FormatBool(retryable)).Inc()
}

func (m *Metrics) ExternalPoll(state string) {
	if m == nil {
		return
	}
	m.externalPolls.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveTask(taskType string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

func (m *Metrics) Interrupt(outcome string) {
	if m == nil {
		return
	}
	m.interrupts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SessionTransition(status string) {
	if m == nil {
		return
	}
	m.sessionTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) EventAppended(eventType string) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(eventType).Inc()
}
