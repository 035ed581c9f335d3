// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckIns counts check-in outcomes by result kind ("ok" on success).
	CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_checkins_total",
		Help: "Check-in attempts by outcome.",
	}, []string{"outcome"})

	// GuardFailures counts failures fed to the abuse guard.
	GuardFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_guard_failures_total",
		Help: "Failed check-ins recorded against their source.",
	})

	// SessionsOpened counts opened sessions.
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_sessions_opened_total",
		Help: "Attendance sessions opened.",
	})

	// ActiveSession is 1 while a session is open.
	ActiveSession = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attendance_session_active",
		Help: "Whether an attendance session is currently open.",
	})

	// CheckInDuration observes end-to-end check-in latency.
	CheckInDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attendance_checkin_duration_seconds",
		Help:    "Check-in processing time.",
		Buckets: prometheus.DefBuckets,
	})

	// PublishErrors counts events that could not be delivered.
	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_publish_errors_total",
		Help: "Event publish failures by event type.",
	}, []string{"event"})
)
