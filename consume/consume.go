// Package consume runs the worker pool that pulls chunks from the durable
// log, drives per-record ticket creation, advances tracking, and
// acknowledges. Delivery is at-least-once with per-partition ordering:
// every partition maps to exactly one worker, and offsets are committed
// per record after the chunk's fate is settled.
package consume

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"github.com/tickethq/bulkstream/ticket"
	"github.com/tickethq/bulkstream/tracking"
)

const (
	// DefaultGroup is the fixed consumer group of the main worker pool.
	DefaultGroup = "bulk-consumers"
	// DefaultConcurrency is the number of chunk workers per process.
	DefaultConcurrency = 3
	// DefaultMaxPollRecords bounds one fetch, providing backpressure.
	DefaultMaxPollRecords = 100
)

// fetchPoller is the slice of kgo.Client the poll loops use.
type fetchPoller interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	CommitUncommittedOffsets(ctx context.Context) error
}

// Config tunes one consumer pool.
type Config struct {
	Topic          string
	Concurrency    int
	MaxPollRecords int

	// Retry controller: MaxAttempts retries after the first delivery, with
	// intervals min(MaxInterval, InitialInterval * Multiplier^n).
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

func (c *Config) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = DefaultMaxPollRecords
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = defaultInitialInterval
	}
	if c.Multiplier <= 0 {
		c.Multiplier = defaultMultiplier
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = defaultMaxInterval
	}
}

// ClientOpts returns the kgo options of the main worker pool: fixed group,
// explicit commits only.
func ClientOpts(brokers []string, topic, group string) []kgo.Opt {
	return []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(group),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(time.Second),
	}
}

// Consumer owns the poll loop and its workers.
type Consumer struct {
	client  fetchPoller
	handler *chunkHandler
	cfg     Config
}

// New builds a Consumer. The dlt publisher and notifier may share the poll
// client's underlying connection or use a dedicated one; the notifier may
// be nil to disable completion notifications.
func New(client fetchPoller, store tracking.Store, processor ticket.Processor, dlt *DLTPublisher, notifier *Notifier, cfg Config) *Consumer {
	cfg.defaults()
	return &Consumer{
		client: client,
		handler: newChunkHandler(store, processor, dlt, notifier, cfg.MaxAttempts, backoffPolicy{
			initial:    cfg.InitialInterval,
			multiplier: cfg.Multiplier,
			max:        cfg.MaxInterval,
		}),
		cfg: cfg,
	}
}

// Run polls and dispatches until the context ends or the client closes.
// Records are routed to workers by partition so per-partition order is
// preserved regardless of pool size.
func (c *Consumer) Run(ctx context.Context) error {
	var grp, gctx = errgroup.WithContext(ctx)

	var lanes = make([]chan *kgo.Record, c.cfg.Concurrency)
	for i := range lanes {
		var lane = make(chan *kgo.Record)
		lanes[i] = lane
		grp.Go(func() error { return c.workerLoop(gctx, lane) })
	}

	grp.Go(func() error {
		defer func() {
			for _, lane := range lanes {
				close(lane)
			}
		}()
		for {
			var fetches = c.client.PollRecords(gctx, c.cfg.MaxPollRecords)
			if fetches.IsClientClosed() {
				return nil
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				log.WithFields(log.Fields{
					"topic":     topic,
					"partition": partition,
					"err":       err,
				}).Error("fetch error")
			})

			var stop bool
			fetches.EachRecord(func(rec *kgo.Record) {
				if stop {
					return
				}
				select {
				case lanes[int(rec.Partition)%len(lanes)] <- rec:
				case <-gctx.Done():
					stop = true
				}
			})
			if stop {
				return gctx.Err()
			}
		}
	})

	log.WithFields(log.Fields{
		"topic":       c.cfg.Topic,
		"concurrency": c.cfg.Concurrency,
	}).Info("consumer pool started")
	return grp.Wait()
}

// workerLoop settles each record, then commits its offset. A commit failure
// is logged and tolerated: the chunk will be redelivered and idempotent
// record creation absorbs the replay.
func (c *Consumer) workerLoop(ctx context.Context, lane <-chan *kgo.Record) error {
	for rec := range lane {
		if err := c.handler.handle(ctx, rec.Topic, rec.Key, rec.Value); err != nil {
			// Context ended mid-chunk; leave the offset uncommitted.
			return err
		}
		if err := c.client.CommitRecords(ctx, rec); err != nil {
			log.WithFields(log.Fields{
				"topic":     rec.Topic,
				"partition": rec.Partition,
				"offset":    rec.Offset,
				"err":       err,
			}).Warn("offset commit failed, chunk will be redelivered")
		}
	}
	return nil
}
