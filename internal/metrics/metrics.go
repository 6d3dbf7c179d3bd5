package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// DeliveryAttempts counts physical outbound attempts by event and outcome (success, http_error, transport_error)
	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_delivery_attempts_total", Help: "Outbound webhook attempts by event and outcome."},
		[]string{"event", "outcome"},
	)
	// DeliveriesFinal counts deliveries reaching a terminal status
	DeliveriesFinal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Outbound webhook deliveries by event and terminal status."},
		[]string{"event", "status"},
	)
	// DeliveryLatency tracks attempt latencies in milliseconds
	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Outbound webhook attempt latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event", "outcome"},
	)

	// InboundReceived counts provider calls by kind and result (accepted, deduped, rejected)
	InboundReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "inbound_webhooks_received_total", Help: "Inbound provider webhooks by kind and result."},
		[]string{"kind", "result"},
	)
	// InboundProcessed counts processor runs by kind and result (ok, error, skipped)
	InboundProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "inbound_webhooks_processed_total", Help: "Inbound webhook processing by kind and result."},
		[]string{"kind", "result"},
	)

	// QueueJobs counts jobs handled by the worker pool by kind and outcome (ack, retry, dropped)
	QueueJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "queue_jobs_total", Help: "Queue jobs handled by kind and outcome."},
		[]string{"kind", "outcome"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests, HTTPDuration)
		Registry.MustRegister(DeliveryAttempts, DeliveriesFinal, DeliveryLatency)
		Registry.MustRegister(InboundReceived, InboundProcessed)
		Registry.MustRegister(QueueJobs)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
