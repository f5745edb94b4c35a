package consume

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tickethq/bulkstream/bulkerr"
)

// DLTSuffix is appended to the origin topic to form its dead-letter topic.
const DLTSuffix = ".DLT"

// DLTGroupSuffix distinguishes the dead-letter reader's consumer group from
// the main pool's.
const DLTGroupSuffix = "-dlt"

// syncProducer is the slice of kgo.Client the DLT publisher uses.
type syncProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// DLTPublisher routes exhausted messages to the origin topic's dead-letter
// topic, preserving the original key and payload and annotating headers
// with the failure.
type DLTPublisher struct {
	client syncProducer
}

func NewDLTPublisher(client syncProducer) *DLTPublisher {
	return &DLTPublisher{client: client}
}

// Publish sends one message to originTopic + DLTSuffix synchronously.
func (p *DLTPublisher) Publish(ctx context.Context, originTopic string, key, value []byte, cause error) error {
	var record = &kgo.Record{
		Topic: originTopic + DLTSuffix,
		Key:   key,
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "dlt-origin-topic", Value: []byte(originTopic)},
			{Key: "dlt-error-class", Value: []byte(bulkerr.CodeOf(cause))},
			{Key: "dlt-error-message", Value: []byte(cause.Error())},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publishing to %s: %w", record.Topic, err)
	}
	return nil
}

// DLTReader consumes the dead-letter topic under the -dlt group and records
// arrivals. It never reprocesses; inspection and replay are operator
// actions.
type DLTReader struct {
	client fetchPoller
}

func NewDLTReader(client fetchPoller) *DLTReader {
	return &DLTReader{client: client}
}

// Run polls until the context ends or the client closes.
func (r *DLTReader) Run(ctx context.Context) error {
	for {
		var fetches = r.client.PollRecords(ctx, 100)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			log.WithFields(log.Fields{
				"topic":     topic,
				"partition": partition,
				"err":       err,
			}).Error("dead-letter fetch error")
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			dltArrivalsCounter.Inc()
			var headers = make(map[string]string, len(rec.Headers))
			for _, h := range rec.Headers {
				headers[h.Key] = string(h.Value)
			}
			log.WithFields(log.Fields{
				"topic":       rec.Topic,
				"key":         string(rec.Key),
				"errorClass":  headers["dlt-error-class"],
				"originTopic": headers["dlt-origin-topic"],
			}).Warn("dead-letter message received")
		})
		if err := r.client.CommitUncommittedOffsets(ctx); err != nil {
			log.WithField("err", err).Warn("dead-letter offset commit failed")
		}
	}
}
