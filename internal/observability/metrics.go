package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soa_messages_sent_total",
			Help: "Total messages enqueued, by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)
	MessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soa_messages_received_total",
			Help: "Total messages dequeued, by queue",
		},
		[]string{"queue"},
	)
	MessagesExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soa_messages_expired_total",
			Help: "Messages discarded on receive because their expiry had passed",
		},
		[]string{"queue"},
	)
	SendRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soa_send_retries_total",
			Help: "Send attempts retried because the target queue was full",
		},
		[]string{"queue"},
	)
	OversizedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soa_oversized_messages_total",
			Help: "Messages whose serialized size crossed the warning threshold",
		},
		[]string{"queue"},
	)
	ResponseChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "soa_response_chunks_total",
			Help: "Individual chunks sent for chunked responses",
		},
	)
	ProtocolVersionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soa_protocol_version_total",
			Help: "Frames decoded, by protocol version",
		},
		[]string{"version"},
	)

	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soa_server_jobs_total",
			Help: "Jobs processed by the server, by outcome",
		},
		[]string{"service", "outcome"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soa_server_job_duration_seconds",
			Help:    "Wall time spent processing one job",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"service"},
	)
	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soa_server_action_duration_seconds",
			Help:    "Wall time spent executing one action, including middleware",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"service", "action"},
	)
	ActionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soa_server_action_errors_total",
			Help: "Action responses carrying errors, by error code",
		},
		[]string{"service", "action", "code"},
	)
	HarakiriTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "soa_server_harakiri_total",
			Help: "Requests terminated by the harakiri watchdog",
		},
	)

	OutstandingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "soa_client_outstanding_requests",
			Help: "Requests sent and awaiting a response, by service",
		},
		[]string{"service"},
	)
	ClientRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soa_client_request_duration_seconds",
			Help:    "Round-trip time of client requests, by service",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"service"},
	)
)

var initMetricsOnce sync.Once

// InitMetrics registers all collectors with the default registry. Safe to
// call more than once.
func InitMetrics() {
	initMetricsOnce.Do(func() {
		prometheus.MustRegister(
			MessagesSentTotal,
			MessagesReceivedTotal,
			MessagesExpiredTotal,
			SendRetriesTotal,
			OversizedMessagesTotal,
			ResponseChunksTotal,
			ProtocolVersionTotal,
			JobsProcessedTotal,
			JobDuration,
			ActionDuration,
			ActionErrorsTotal,
			HarakiriTotal,
			OutstandingRequests,
			ClientRequestDuration,
		)
	})
}

// MetricsHandler returns the promhttp handler binaries mount on their
// metrics port.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
