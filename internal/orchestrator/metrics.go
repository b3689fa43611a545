package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// metrics are registered on a per-orchestrator registry so several
// orchestrators (tests, foreground runs) never collide.
type metrics struct {
	starts          *prometheus.CounterVec
	startDuration   *prometheus.HistogramVec
	stops           *prometheus.CounterVec
	healthAttempts  *prometheus.CounterVec
	crashes         *prometheus.CounterVec
	runningServices *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devspin",
			Subsystem: "orchestrator",
			Name:      "project_starts_total",
			Help:      "Number of project start attempts by outcome",
		}, []string{"outcome"}),

		startDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devspin",
			Subsystem: "orchestrator",
			Name:      "project_start_duration_seconds",
			Help:      "Time from start request until every stage is healthy or rolled back",
			Buckets:   durationBuckets,
		}, []string{"outcome"}),

		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devspin",
			Subsystem: "orchestrator",
			Name:      "service_stops_total",
			Help:      "Number of service terminations by mode",
		}, []string{"mode"}),

		healthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devspin",
			Subsystem: "health",
			Name:      "check_attempts_total",
			Help:      "Number of health probe attempts by result",
		}, []string{"project", "result"}),

		crashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devspin",
			Subsystem: "supervisor",
			Name:      "service_crashes_total",
			Help:      "Number of services that exited without being asked to",
		}, []string{"project"}),

		runningServices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devspin",
			Subsystem: "supervisor",
			Name:      "running_services",
			Help:      "Number of services currently running per project",
		}, []string{"project"}),
	}

	reg.MustRegister(m.starts, m.startDuration, m.stops, m.healthAttempts, m.crashes, m.runningServices)
	return m
}

func (m *metrics) recordStart(outcome string, d time.Duration) {
	m.starts.WithLabelValues(outcome).Inc()
	m.startDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *metrics) recordHealthAttempt(projectName, service, check string, err error) {
	result := "pass"
	if err != nil {
		result = "fail"
	}
	m.healthAttempts.WithLabelValues(projectName, result).Inc()
}
