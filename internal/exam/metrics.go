package exam

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics (registered once).
var (
	rawEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_raw_events_total",
			Help: "Total raw integrity events emitted by sensors",
		},
		[]string{"kind"},
	)
	alertsRaised = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_alerts_total",
			Help: "Total classified integrity alerts",
		},
		[]string{"signal", "severity"},
	)
	alertsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_alerts_suppressed_total",
			Help: "Raw events counted but not alerted because of the debounce window",
		},
		[]string{"signal"},
	)
	sessionsFlagged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proctor_sessions_flagged_total",
			Help: "Sessions flagged for review",
		},
	)
	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_submissions_total",
			Help: "Exam submissions by reason",
		},
		[]string{"reason"},
	)
	deliveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proctor_delivery_failures_total",
			Help: "Submissions that could not be handed to the grading collaborator",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proctor_active_sessions",
			Help: "Number of exam sessions currently running",
		},
	)
)

func init() {
	prometheus.MustRegister(rawEvents)
	prometheus.MustRegister(alertsRaised)
	prometheus.MustRegister(alertsSuppressed)
	prometheus.MustRegister(sessionsFlagged)
	prometheus.MustRegister(submissions)
	prometheus.MustRegister(deliveryFailures)
	prometheus.MustRegister(activeSessions)
}
