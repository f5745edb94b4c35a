package consume

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tickethq/bulkstream/bulkerr"
	"github.com/tickethq/bulkstream/model"
	"github.com/tickethq/bulkstream/ticket"
	"github.com/tickethq/bulkstream/tracking"
)

// chunkHandler drives one delivered chunk through validation, tracking,
// per-record processing and completion, retrying the whole chunk on
// retryable failures and routing exhausted or terminal failures to the
// dead-letter topic. Record creation is idempotent, so a redelivered chunk
// re-runs safely: already-created tickets classify as duplicates and count
// as skipped.
type chunkHandler struct {
	store       tracking.Store
	processor   ticket.Processor
	dlt         *DLTPublisher
	notifier    *Notifier
	backoff     backoffPolicy
	maxAttempts int

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration)
}

func newChunkHandler(store tracking.Store, processor ticket.Processor, dlt *DLTPublisher, notifier *Notifier, maxAttempts int, backoff backoffPolicy) *chunkHandler {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if backoff.initial <= 0 {
		backoff = defaultBackoff()
	}
	return &chunkHandler{
		store:       store,
		processor:   processor,
		dlt:         dlt,
		notifier:    notifier,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		sleep: func(ctx context.Context, d time.Duration) {
			var timer = time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		},
	}
}

// handle consumes one delivered message. It always returns nil once the
// message's fate is settled (processed, skipped, or dead-lettered); the
// caller may then acknowledge. A non-nil return means the context ended
// mid-flight and the message must be redelivered.
func (h *chunkHandler) handle(ctx context.Context, originTopic string, key, value []byte) error {
	var started = time.Now()

	var event model.BulkEvent
	if err := json.Unmarshal(value, &event); err != nil {
		var derr = bulkerr.Wrap(bulkerr.KafkaDeserializationError, err, "decoding bulk event")
		log.WithFields(log.Fields{"key": string(key), "err": err}).Error("undecodable chunk, dead-lettering")
		h.sendToDLT(ctx, originTopic, key, value, derr)
		chunksConsumedCounter.WithLabelValues("deserialization_error").Inc()
		return nil
	}
	if err := validateEvent(&event); err != nil {
		log.WithFields(log.Fields{"key": string(key), "err": err}).Error("invalid chunk envelope, dead-lettering")
		h.sendToDLT(ctx, originTopic, key, value, err)
		chunksConsumedCounter.WithLabelValues("invalid_envelope").Inc()
		return nil
	}

	for attempt := 0; ; attempt++ {
		var err = h.processChunk(ctx, &event)
		if err == nil {
			chunkDurationSecs.Observe(time.Since(started).Seconds())
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var fields = log.Fields{
			"batch":   event.BatchID,
			"chunk":   event.ChunkIndex,
			"attempt": attempt + 1,
			"err":     err,
		}
		if !bulkerr.Retryable(err) || attempt >= h.maxAttempts {
			log.WithFields(fields).Error("chunk processing exhausted, dead-lettering")
			h.sendToDLT(ctx, originTopic, key, value, err)
			chunksConsumedCounter.WithLabelValues("dead_lettered").Inc()
			chunkDurationSecs.Observe(time.Since(started).Seconds())
			return nil
		}

		var wait = h.backoff.interval(attempt)
		log.WithFields(fields).WithField("backoff", wait).Warn("chunk processing failed, scheduling retry")
		chunkRetriesCounter.Inc()
		h.sleep(ctx, wait)
	}
}

// validateEvent enforces the envelope contract: a batch id and a records
// list, which may be empty.
func validateEvent(event *model.BulkEvent) error {
	if event.BatchID == "" {
		return bulkerr.Newf(bulkerr.InvalidRowData, "chunk %d carries no batch id", event.ChunkIndex)
	}
	if event.Records == nil {
		return bulkerr.New(bulkerr.NullRequest)
	}
	return nil
}

// processChunk is one delivery attempt: track, check cancellation, process
// each record in order, complete. A returned error aborts the attempt and
// is classified by the caller; tracking failures never abort.
func (h *chunkHandler) processChunk(ctx context.Context, event *model.BulkEvent) error {
	// Estimated from this chunk; only the batch that minted the id knows
	// the exact count, and the last chunk is usually short.
	var estimatedRecords = event.TotalChunks * len(event.Records)
	if err := h.store.Initialize(ctx, tracking.BatchInit{
		BatchID:          event.BatchID,
		TotalChunks:      event.TotalChunks,
		TotalRecords:     estimatedRecords,
		UploadedBy:       event.UploadedBy,
		OriginalFilename: event.OriginalFilename,
	}); err != nil {
		// Processing must not depend on tracking availability.
		log.WithFields(log.Fields{"batch": event.BatchID, "err": err}).Warn("tracking initialize failed")
	}

	if state, err := h.store.Get(ctx, event.BatchID); err == nil && state.Status == tracking.StatusCancelled {
		log.WithFields(log.Fields{
			"batch": event.BatchID,
			"chunk": event.ChunkIndex,
		}).Info("batch cancelled, skipping chunk")
		chunksConsumedCounter.WithLabelValues("cancelled_skip").Inc()
		return nil
	}

	for _, rec := range event.Records {
		if err := h.processRecord(ctx, event, rec); err != nil {
			return err
		}
	}

	finished, err := h.store.CompleteChunk(ctx, event.BatchID, event.ChunkIndex)
	if err != nil {
		log.WithFields(log.Fields{"batch": event.BatchID, "chunk": event.ChunkIndex, "err": err}).
			Warn("chunk completion tracking failed")
	}
	if finished && h.notifier != nil {
		h.notifier.BatchTerminal(ctx, event.BatchID)
	}
	chunksConsumedCounter.WithLabelValues("completed").Inc()
	return nil
}

// processRecord runs one record through the processor and classifies the
// outcome. Records are isolated: only errors that are retryable for the
// whole chunk propagate.
func (h *chunkHandler) processRecord(ctx context.Context, event *model.BulkEvent, rec model.Record) error {
	var _, err = h.processor.ProcessRecord(ctx, rec)
	if err == nil {
		h.track(h.store.RecordSuccess(ctx, event.BatchID, rec.TicketNumber))
		recordsProcessedCounter.WithLabelValues("success").Inc()
		return nil
	}

	var code = bulkerr.CodeOf(err)
	switch {
	case code == bulkerr.DuplicateTicket && !isConstraintViolation(err):
		// The record already exists, most likely from an earlier delivery
		// of this same chunk.
		h.track(h.store.RecordSkipped(ctx, event.BatchID, rec.TicketNumber, "duplicate ticket number"))
		recordsProcessedCounter.WithLabelValues("skipped").Inc()
		return nil

	case code == bulkerr.DuplicateTicket:
		h.recordFailure(ctx, event, rec, bulkerr.DuplicateTicket, err)
		return nil

	case code == bulkerr.NullRequest, code == bulkerr.InvalidRowData,
		code == bulkerr.InvalidStatusTransition, code == bulkerr.DatabaseError:
		h.recordFailure(ctx, event, rec, code, err)
		return nil

	case bulkerr.Retryable(err):
		// Aborts the chunk; the retry controller decides redelivery.
		return err

	default:
		h.recordFailure(ctx, event, rec, bulkerr.ChunkProcessingFailed, err)
		return nil
	}
}

func (h *chunkHandler) recordFailure(ctx context.Context, event *model.BulkEvent, rec model.Record, code bulkerr.Code, cause error) {
	h.track(h.store.RecordFailure(ctx, event.BatchID, rec.TicketNumber, code, cause.Error()))
	recordsProcessedCounter.WithLabelValues("failure").Inc()
	log.WithFields(log.Fields{
		"batch":  event.BatchID,
		"ticket": rec.TicketNumber,
		"code":   code,
		"err":    cause,
	}).Warn("record failed")
}

func (h *chunkHandler) track(err error) {
	if err != nil {
		log.WithField("err", err).Warn("tracking update failed")
	}
}

// isConstraintViolation distinguishes an idempotent-conflict duplicate from
// a database unique violation that escaped the conflict path.
func isConstraintViolation(err error) bool {
	var berr *bulkerr.Error
	return errors.As(err, &berr) && berr.Cause != nil
}

// sendToDLT publishes the raw message to the dead-letter topic and appends
// an inspection record to the tracking store. Both are best effort; the
// message is acknowledged either way to avoid a poison-pill livelock.
func (h *chunkHandler) sendToDLT(ctx context.Context, originTopic string, key, value []byte, cause error) {
	if h.dlt == nil {
		return
	}
	if err := h.dlt.Publish(ctx, originTopic, key, value, cause); err != nil {
		dltPublishedCounter.WithLabelValues("error").Inc()
		log.WithFields(log.Fields{"key": string(key), "err": err}).Error("dead-letter publish failed")
		return
	}
	dltPublishedCounter.WithLabelValues("ok").Inc()

	if err := h.store.AppendDLT(ctx, tracking.DLTRecord{
		OriginTopic:  originTopic,
		MessageKey:   string(key),
		Payload:      string(value),
		ErrorMessage: cause.Error(),
		ErrorClass:   string(bulkerr.CodeOf(cause)),
	}); err != nil {
		log.WithFields(log.Fields{"key": string(key), "err": err}).Warn("DLT tracking append failed")
	}
}
