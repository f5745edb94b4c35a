package produce

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var batchesSubmittedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "bulkstream_produce_batches_submitted_total",
	Help: "counter of batches handed to the producer for chunked publishing",
})

var chunksPublishedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bulkstream_produce_chunks_published_total",
	Help: "counter of chunk publish attempts by outcome",
}, []string{"status"})

var publishDurationSecs = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "bulkstream_produce_publish_duration_seconds",
	Help:    "histogram of end-to-end batch publish latency, submission to last chunk acknowledgment",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
})
