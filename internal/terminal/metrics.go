package terminal

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the session manager.
type Metrics struct {
	SessionsLive       prometheus.Gauge
	SessionsCreated    prometheus.Counter
	SessionsDestroyed  *prometheus.CounterVec // label: reason
	CapacityRejections prometheus.Counter
	CommandsSubmitted  prometheus.Counter
	CommandsFinished   *prometheus.CounterVec // label: status
	CommandDuration    prometheus.Histogram
	Subscribers        prometheus.Gauge
	EventsDropped      *prometheus.CounterVec // label: type
}

// NewMetrics creates and registers session manager metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandbooks",
			Subsystem: "terminal",
			Name:      "sessions_live",
			Help:      "Sessions currently registered.",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandbooks",
			Subsystem: "terminal",
			Name:      "sessions_created_total",
			Help:      "Total sessions created.",
		}),
		SessionsDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandbooks",
			Subsystem: "terminal",
			Name:      "sessions_destroyed_total",
			Help:      "Total sessions destroyed by reason.",
		}, []string{"reason"}),
		CapacityRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandbooks",
			Subsystem: "terminal",
			Name:      "capacity_rejections_total",
			Help:      "Session creations refused because the ceiling was reached.",
		}),
		CommandsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandbooks",
			Subsystem: "terminal",
			Name:      "commands_submitted_total",
			Help:      "Total commands submitted.",
		}),
		CommandsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandbooks",
			Subsystem: "terminal",
			Name:      "commands_finished_total",
			Help:      "Total commands finished by status.",
		}, []string{"status"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sandbooks",
			Subsystem: "terminal",
			Name:      "command_duration_seconds",
			Help:      "Wall-clock duration of command executions.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandbooks",
			Subsystem: "terminal",
			Name:      "subscribers",
			Help:      "Connected subscribers across all sessions.",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandbooks",
			Subsystem: "terminal",
			Name:      "events_dropped_total",
			Help:      "Events that could not be queued for a subscriber.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.SessionsLive,
		m.SessionsCreated,
		m.SessionsDestroyed,
		m.CapacityRejections,
		m.CommandsSubmitted,
		m.CommandsFinished,
		m.CommandDuration,
		m.Subscribers,
		m.EventsDropped,
	)

	return m
}
