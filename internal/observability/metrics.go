package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus vectors the dispatch core and admission
// layer record against. Every vector is registered in NewMetrics so
// /metrics reflects them as soon as the process starts, even before the
// first event.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	DispatchAttempts *prometheus.CounterVec
	DispatchOutcomes *prometheus.CounterVec
	DispatchLatency  *prometheus.HistogramVec

	SchedulerClaimLatency prometheus.Histogram
	SchedulerClaimedTotal prometheus.Counter
	QueueDepth            *prometheus.GaugeVec

	RateLimitRejections *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total HTTP requests handled by the admission layer.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dispatch_attempts_total",
			Help: "Total send attempts made by the dispatcher, by priority.",
		}, []string{"priority"}),
		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dispatch_outcomes_total",
			Help: "Send attempt outcomes, by priority and outcome (sent, retry, failed).",
		}, []string{"priority", "outcome"}),
		DispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_dispatch_latency_seconds",
			Help:    "Time spent in the Transmitter.Send call, by priority.",
			Buckets: prometheus.DefBuckets,
		}, []string{"priority"}),

		SchedulerClaimLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_scheduler_claim_latency_seconds",
			Help:    "Time spent claiming a batch of due messages.",
			Buckets: prometheus.DefBuckets,
		}),
		SchedulerClaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_scheduler_claimed_total",
			Help: "Total messages claimed for dispatch by the scheduler.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_queue_depth",
			Help: "Current number of messages pending dispatch, by status.",
		}, []string{"status"}),

		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejections_total",
			Help: "Total requests rejected by the rate limiter, by scope.",
		}, []string{"scope"}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal, m.HTTPRequestDuration,
		m.DispatchAttempts, m.DispatchOutcomes, m.DispatchLatency,
		m.SchedulerClaimLatency, m.SchedulerClaimedTotal, m.QueueDepth,
		m.RateLimitRejections,
	)

	return m
}
