package reconcile

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the reconciliation subsystem.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	TransitionsTotal *prometheus.CounterVec
	NotifyFailures   prometheus.Counter
	FeedIncidents    prometheus.Gauge
	IncidentsTracked prometheus.Gauge
	LastRunTime      prometheus.Gauge
}

// NewMetrics registers and returns reconciliation metrics on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewatch_runs_total",
			Help: "Total reconciliation runs by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "firewatch_run_duration_seconds",
			Help:    "Duration of reconciliation runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewatch_transitions_total",
			Help: "Total applied lifecycle transitions by kind.",
		}, []string{"kind"}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firewatch_notify_failures_total",
			Help: "Total failed outbound notification calls.",
		}),
		FeedIncidents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "firewatch_feed_incidents",
			Help: "Incidents in the most recent feed snapshot.",
		}),
		IncidentsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "firewatch_incidents_tracked",
			Help: "Tracking records in the most recent snapshot.",
		}),
		LastRunTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "firewatch_last_run_timestamp_seconds",
			Help: "Unix time of the most recent completed run.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.TransitionsTotal,
		m.NotifyFailures,
		m.FeedIncidents,
		m.IncidentsTracked,
		m.LastRunTime,
	)

	return m
}
