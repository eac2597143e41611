package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_enqueued_total", Help: "Tasks enqueued"}, []string{"type"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_rate_limit_rejects_total", Help: "Webhook requests rejected by the rate limiter"})
	WorkerSuccess    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_completed_total", Help: "Tasks completed successfully"}, []string{"type"})
	WorkerRetries    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_retried_total", Help: "Task failures re-queued for retry"}, []string{"type"})
	WorkerDeadLetter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_dead_letter_total", Help: "Tasks dead-lettered"}, []string{"type"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_queue_depth", Help: "Pending tasks across all types"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_inflight", Help: "Tasks currently claimed"})
	TaskDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "task_duration_seconds",
		Help:    "Handler execution time per task type",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"type"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerRetries,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			TaskDuration,
		)
	})
	return promhttp.Handler()
}
