package harvester

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Counters
	apiCalls        *prometheus.CounterVec
	quotaDenied     *prometheus.CounterVec
	tasksExecuted   *prometheus.CounterVec
	taskRetries     prometheus.Counter
	pagesFetched    prometheus.Counter
	resultsUpserted prometheus.Counter

	// Gauges
	tasksPending    prometheus.Gauge
	tasksProcessing prometheus.Gauge

	// Histograms
	taskDuration  prometheus.Histogram
	claimDuration prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		apiCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_api_calls_total",
				Help: "Total search API calls issued",
			},
			[]string{"identity", "outcome"},
		),
		quotaDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quota_denied_total",
				Help: "Calls denied by the quota governor, by ceiling",
			},
			[]string{"scope"},
		),
		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_executed_total",
				Help: "Tasks executed, by outcome",
			},
			[]string{"outcome"},
		),
		taskRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "task_retries_total",
				Help: "Tasks requeued for retry",
			},
		),
		pagesFetched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pages_fetched_total",
				Help: "Search result pages fetched",
			},
		),
		resultsUpserted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "results_upserted_total",
				Help: "Result rows written via upsert",
			},
		),
		tasksPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tasks_pending",
				Help: "Current number of pending tasks",
			},
		),
		tasksProcessing: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tasks_processing",
				Help: "Current number of processing tasks",
			},
		),
		taskDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "task_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 300, 600, 1800},
			},
		),
		claimDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "task_claim_duration_seconds",
				Help:    "Time to claim a task from the database",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		m.apiCalls,
		m.quotaDenied,
		m.tasksExecuted,
		m.taskRetries,
		m.pagesFetched,
		m.resultsUpserted,
		m.tasksPending,
		m.tasksProcessing,
		m.taskDuration,
		m.claimDuration,
	)

	return m
}

// SetQueueDepth updates the pending/processing gauges from a store poll.
func (m *Metrics) SetQueueDepth(pending, processing int) {
	m.tasksPending.Set(float64(pending))
	m.tasksProcessing.Set(float64(processing))
}
