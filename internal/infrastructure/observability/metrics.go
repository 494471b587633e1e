package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Publish metrics
	IssuesPublished   prometheus.Counter
	PublishReplays    prometheus.Counter
	PublishFailures   *prometheus.CounterVec
	TasksEnqueued     prometheus.Counter
	RecipientsSkipped prometheus.Counter

	// Delivery metrics
	DeliveriesTotal  *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	DeadLettersTotal *prometheus.CounterVec
	WorkerCycles     *prometheus.CounterVec
	WorkerCycleTasks prometheus.Histogram

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState    *prometheus.GaugeVec
	CircuitBreakerRequests *prometheus.CounterVec

	// Maintenance metrics
	IdempotencyKeysPurged prometheus.Counter
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		IssuesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issues_published_total",
			Help:      "Total number of newsletter issues accepted for delivery",
		}),
		PublishReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_replays_total",
			Help:      "Total number of publish requests answered from a saved idempotent response",
		}),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_failures_total",
				Help:      "Total number of failed publish attempts by reason",
			},
			[]string{"reason"},
		),
		TasksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_tasks_enqueued_total",
			Help:      "Total number of delivery tasks written to the outbox",
		}),
		RecipientsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recipients_skipped_total",
			Help:      "Total number of confirmed recipients skipped because the stored address is invalid",
		}),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Total number of delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of a single delivery channel call in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		DeadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_letters_total",
				Help:      "Total number of tasks moved to the dead-letter trail",
			},
			[]string{"reason"},
		),
		WorkerCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_cycles_total",
				Help:      "Total number of delivery worker cycles by result",
			},
			[]string{"result"},
		),
		WorkerCycleTasks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_cycle_tasks",
			Help:      "Number of tasks claimed per non-empty worker cycle",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		CircuitBreakerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_requests_total",
				Help:      "Total number of circuit breaker requests",
			},
			[]string{"name", "result"},
		),
		IdempotencyKeysPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_keys_purged_total",
			Help:      "Total number of idempotency records removed by retention",
		}),
	}

	// Register all collectors
	reg.MustRegister(
		m.IssuesPublished,
		m.PublishReplays,
		m.PublishFailures,
		m.TasksEnqueued,
		m.RecipientsSkipped,
		m.DeliveriesTotal,
		m.DeliveryDuration,
		m.DeadLettersTotal,
		m.WorkerCycles,
		m.WorkerCycleTasks,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
		m.CircuitBreakerRequests,
		m.IdempotencyKeysPurged,
	)

	return m
}
