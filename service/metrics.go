package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion gateway metrics
	ingestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpipe_ingest_requests_total",
			Help: "Total number of ingestion requests by outcome",
		},
		[]string{"status"},
	)

	publishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logpipe_publish_duration_seconds",
			Help:    "Duration of transport publish calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Consumer metrics
	deliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logpipe_deliveries_total",
			Help: "Total number of messages delivered by the transport",
		},
	)

	malformedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logpipe_malformed_messages_total",
			Help: "Total number of transport payloads dropped because they are not valid log records",
		},
	)

	bufferedRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "logpipe_buffered_records",
			Help: "Number of records waiting in the batch buffer",
		},
	)

	// Flush metrics
	flushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpipe_flushes_total",
			Help: "Total number of batch flushes by trigger and outcome",
		},
		[]string{"trigger", "status"},
	)

	flushedRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logpipe_flushed_records_total",
			Help: "Total number of records persisted to the sink",
		},
	)

	flushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logpipe_flush_duration_seconds",
			Help:    "Duration of bulk inserts in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	flushBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logpipe_flush_batch_size",
			Help:    "Number of records per bulk insert",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	sinkProbeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logpipe_sink_probe_failures_total",
			Help: "Total number of failed sink liveness probes",
		},
	)
)
