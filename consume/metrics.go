package consume

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var chunksConsumedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bulkstream_consume_chunks_total",
	Help: "counter of consumed chunks by outcome",
}, []string{"outcome"})

var recordsProcessedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bulkstream_consume_records_total",
	Help: "counter of processed records by classification",
}, []string{"result"})

var chunkRetriesCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "bulkstream_consume_chunk_retries_total",
	Help: "counter of chunk redelivery attempts scheduled by the retry controller",
})

var dltPublishedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bulkstream_consume_dlt_published_total",
	Help: "counter of messages routed to the dead-letter topic by status",
}, []string{"status"})

var dltArrivalsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "bulkstream_consume_dlt_arrivals_total",
	Help: "counter of messages observed by the dead-letter reader",
})

var chunkDurationSecs = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "bulkstream_consume_chunk_duration_seconds",
	Help:    "histogram of per-chunk processing latency including retries",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
})
