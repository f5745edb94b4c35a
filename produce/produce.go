// Package produce splits an accepted record sequence into chunks and
// publishes each as a BulkEvent to the durable log. The batch identifier is
// minted here and returned once every chunk publish has been queued and
// acknowledged or failed.
package produce

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tickethq/bulkstream/bulkerr"
	"github.com/tickethq/bulkstream/model"
)

const (
	// DefaultChunkSize is the maximum records per chunk.
	DefaultChunkSize = 100
	// DefaultSendTimeout bounds how long Publish waits for broker
	// acknowledgments before reporting what it has.
	DefaultSendTimeout = 30 * time.Second
)

// Client is the slice of kgo.Client the producer uses.
type Client interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

// KeyBy selects the partition key of published chunks.
type KeyBy string

const (
	// KeyByChunk keys each chunk by "<batch>-CHUNK-<n>", spreading a batch
	// uniformly across partitions.
	KeyByChunk KeyBy = "chunk"
	// KeyByCustomer keys each chunk by the customer of its first record,
	// trading uniform distribution for customer locality.
	KeyByCustomer KeyBy = "customer"
)

// Receipt is what the caller gets back for an accepted submission.
type Receipt struct {
	BatchID      string
	TotalRecords int
	TotalChunks  int
	AcceptedAt   time.Time
}

// Producer publishes chunked bulk events. The underlying client must be
// configured idempotent with acks from all replicas; see ClientOpts.
type Producer struct {
	client      Client
	topic       string
	chunkSize   int
	sendTimeout time.Duration
	keyBy       KeyBy
}

// NewProducer builds a Producer for topic. Zero values for chunkSize,
// sendTimeout, and keyBy select the defaults.
func NewProducer(client Client, topic string, chunkSize int, sendTimeout time.Duration, keyBy KeyBy) *Producer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	if keyBy == "" {
		keyBy = KeyByChunk
	}
	return &Producer{client: client, topic: topic, chunkSize: chunkSize, sendTimeout: sendTimeout, keyBy: keyBy}
}

// ClientOpts returns the kgo options a bulk producer requires: idempotent
// publishing so transport retries cannot duplicate a (producer, sequence)
// pair, acknowledgment from all in-sync replicas, and LZ4 batch compression.
func ClientOpts(brokers []string) []kgo.Opt {
	return []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
		kgo.ProducerLinger(5 * time.Millisecond),
	}
}

// splitChunks partitions records into ordered chunks of at most chunkSize.
func splitChunks(records []model.Record, chunkSize int) [][]model.Record {
	var chunks [][]model.Record
	for start := 0; start < len(records); start += chunkSize {
		var end = start + chunkSize
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[start:end])
	}
	return chunks
}

// Publish mints a batch id, splits records into chunks, and publishes one
// BulkEvent per chunk keyed by its chunk key. It waits up to the send
// timeout for acknowledgments. Partial failures are logged and the receipt
// still returns, because tracking will reflect the surviving chunks; only
// when every chunk fails does Publish report KAFKA_PRODUCER_ERROR.
func (p *Producer) Publish(ctx context.Context, records []model.Record, uploadedBy, filename string) (*Receipt, error) {
	var started = time.Now()
	var batchID = model.NewBatchID()
	var chunks = splitChunks(records, p.chunkSize)
	batchesSubmittedCounter.Inc()

	log.WithFields(log.Fields{
		"batch":   batchID,
		"records": len(records),
		"chunks":  len(chunks),
		"file":    filename,
	}).Info("publishing bulk batch")

	ctx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed int

	for index, chunk := range chunks {
		var event = model.NewBulkEvent(batchID, index, len(chunks), chunk, uploadedBy, filename)
		value, err := json.Marshal(event)
		if err != nil {
			return nil, bulkerr.Wrap(bulkerr.KafkaSerializationError, err, "encoding bulk event")
		}

		var key = event.ChunkKey()
		if p.keyBy == KeyByCustomer && len(chunk) > 0 {
			key = strconv.FormatInt(chunk[0].CustomerID, 10)
		}

		wg.Add(1)
		var record = &kgo.Record{
			Topic: p.topic,
			Key:   []byte(key),
			Value: value,
		}
		p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
			defer wg.Done()
			if err != nil {
				chunksPublishedCounter.WithLabelValues("error").Inc()
				mu.Lock()
				failed++
				mu.Unlock()
				log.WithFields(log.Fields{
					"batch": batchID,
					"chunk": string(r.Key),
					"err":   err,
				}).Error("chunk publish failed")
				return
			}
			chunksPublishedCounter.WithLabelValues("ok").Inc()
		})
	}
	wg.Wait()
	publishDurationSecs.Observe(time.Since(started).Seconds())

	if len(chunks) > 0 && failed == len(chunks) {
		return nil, bulkerr.Newf(bulkerr.KafkaProducerError,
			"all %d chunks of batch %s failed to publish", len(chunks), batchID)
	}
	if failed > 0 {
		log.WithFields(log.Fields{
			"batch":  batchID,
			"failed": failed,
			"total":  len(chunks),
		}).Warn("batch published with missing chunks")
	}

	return &Receipt{
		BatchID:      batchID,
		TotalRecords: len(records),
		TotalChunks:  len(chunks),
		AcceptedAt:   started.UTC(),
	}, nil
}
