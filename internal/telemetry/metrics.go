package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RemindersCreated  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reminders_created_total", Help: "Reminders created, by type"}, []string{"type"})
	RemindersEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reminders_enqueued_total", Help: "Queue insertions, by queue"}, []string{"queue"})
	EnqueueFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reminders_enqueue_failures_total", Help: "Enqueue attempts that failed and were left to the reconciliation sweep"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reminders_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})

	DispatchSuccess   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reminders_sent_total", Help: "Reminders handed to the provider, by method"}, []string{"method"})
	DispatchRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reminders_retry_total", Help: "Dispatch failures scheduled for retry"})
	DispatchFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reminders_failed_total", Help: "Reminders moved to FAILED"})
	DispatchDuration  = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "reminders_dispatch_seconds", Help: "Time spent dispatching a single reminder", Buckets: prometheus.DefBuckets})
	DeliveryCallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reminders_callbacks_total", Help: "Provider status callbacks, by mapped status"}, []string{"status"})

	CyclesTotal       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_cycles_total", Help: "Scheduler cycles, by outcome"}, []string{"outcome"})
	CycleDuration     = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "scheduler_cycle_seconds", Help: "Scheduler cycle duration", Buckets: prometheus.DefBuckets})
	QueueDecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reminders_queue_decode_errors_total", Help: "Queue payloads that could not be decoded, by queue"}, []string{"queue"})
	QueueDepthGauge   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "reminders_queue_depth", Help: "Entries per queue"}, []string{"queue"})
	DegradedGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_degraded", Help: "1 when the queue backend is unreachable and the store is polled directly"})
	CleanupProcessed  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_cleanup_total", Help: "Records touched by the cleanup loop, by action"}, []string{"action"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			RemindersCreated,
			RemindersEnqueued,
			EnqueueFailures,
			RateLimitRejects,
			DispatchSuccess,
			DispatchRetries,
			DispatchFailures,
			DispatchDuration,
			DeliveryCallbacks,
			CyclesTotal,
			CycleDuration,
			QueueDepthGauge,
			QueueDecodeErrors,
			DegradedGauge,
			CleanupProcessed,
		)
	})
}
