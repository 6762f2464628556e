package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts inbound POSTs by outcome
	// (accepted, rejected_parse, rejected_schema, rejected_timestamp, rate_limited, audit_failed).
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total number of inbound requests by outcome",
		},
		[]string{"outcome"},
	)

	RequestBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_request_bytes_total",
			Help: "Total bytes of request bodies received",
		},
	)

	AuditWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_audit_write_duration_seconds",
			Help:    "Duration of audit store writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	AuditWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_audit_write_errors_total",
			Help: "Total number of failed audit store writes",
		},
		[]string{"table"},
	)

	// DeliveryAttemptsTotal counts attempts by result (delivered, failed, abandoned, not_attempted).
	DeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_attempts_total",
			Help: "Total number of delivery attempts by result",
		},
		[]string{"result"},
	)

	DeliveryChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_delivery_channels",
			Help: "Number of live delivery channels",
		},
	)

	EmitterSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_emitter_send_duration_seconds",
			Help:    "Duration of collector batch sends in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeadLettersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_dead_letters_total",
			Help: "Total number of abandoned events written to the dead letter queue",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)
)
