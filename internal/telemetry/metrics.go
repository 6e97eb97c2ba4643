package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobqueue_jobs_submitted_total", Help: "Jobs accepted by submit"}, []string{"type"})
	JobsFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobqueue_jobs_finished_total", Help: "Attempts that reached a terminal status"}, []string{"type", "status"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobqueue_jobs_retried_total", Help: "Explicit retries"}, []string{"type"})
	JobsPruned       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobqueue_jobs_pruned_total", Help: "Terminal jobs removed by housekeeping"})
	HandlerPanics    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobqueue_handler_panics_total", Help: "Handler panics recovered by a worker"}, []string{"type"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobqueue_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobqueue_queue_depth", Help: "Ready queue depth across priorities"})
	RunningGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobqueue_running_jobs", Help: "Jobs currently held by a worker"})
	HandlerDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobqueue_handler_duration_seconds",
		Help:    "Wall time spent inside handlers",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 9),
	}, []string{"type"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsFinished,
			JobsRetried,
			JobsPruned,
			HandlerPanics,
			RateLimitRejects,
			QueueDepthGauge,
			RunningGauge,
			HandlerDuration,
		)
	})
	return promhttp.Handler()
}
