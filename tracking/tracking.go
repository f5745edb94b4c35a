// Package tracking aggregates per-chunk outcomes into a queryable per-batch
// view. The canonical store is Redis, shared by every worker process; a
// per-process in-memory store stands in when Redis is unreachable.
package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/tickethq/bulkstream/bulkerr"
)

// ErrNotFound is returned by reads of a batch the store has never seen.
var ErrNotFound = errors.New("tracking: batch not found")

// BatchStatus is the lifecycle status of a batch.
type BatchStatus string

const (
	StatusAccepted           BatchStatus = "ACCEPTED"
	StatusInProgress         BatchStatus = "IN_PROGRESS"
	StatusCompleted          BatchStatus = "COMPLETED"
	StatusPartiallyCompleted BatchStatus = "PARTIALLY_COMPLETED"
	StatusFailed             BatchStatus = "FAILED"
	StatusCancelled          BatchStatus = "CANCELLED"
)

// Terminal reports whether the status is absorbing.
func (s BatchStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// BatchState is a point-in-time snapshot of one batch.
type BatchState struct {
	BatchID          string      `json:"batchId"`
	Status           BatchStatus `json:"status"`
	TotalChunks      int         `json:"totalChunks"`
	CompletedChunks  int         `json:"completedChunks"`
	TotalRecords     int         `json:"totalRecords"`
	SuccessCount     int         `json:"successCount"`
	FailureCount     int         `json:"failureCount"`
	SkippedCount     int         `json:"skippedCount"`
	StartedAt        time.Time   `json:"startedAt"`
	EndedAt          *time.Time  `json:"endedAt,omitempty"`
	UploadedBy       string      `json:"uploadedBy,omitempty"`
	OriginalFilename string      `json:"originalFilename,omitempty"`
	CancelReason     string      `json:"cancelReason,omitempty"`
	CompletedIndices []int       `json:"completedChunkIndices,omitempty"`
}

// BatchInit carries the fields known at first chunk delivery.
type BatchInit struct {
	BatchID          string
	TotalChunks      int
	TotalRecords     int
	UploadedBy       string
	OriginalFilename string
}

// FailureRecord is one failed record of a batch, in insertion order.
type FailureRecord struct {
	TicketNumber string       `json:"ticketNumber"`
	ErrorCode    bulkerr.Code `json:"errorCode"`
	Message      string       `json:"errorMessage"`
	Timestamp    time.Time    `json:"timestamp"`
}

// DLTRecord is one message routed to a dead-letter topic.
type DLTRecord struct {
	OriginTopic   string     `json:"topic"`
	MessageKey    string     `json:"messageKey"`
	Payload       string     `json:"payload"`
	Timestamp     time.Time  `json:"timestamp"`
	ErrorMessage  string     `json:"errorMessage"`
	ErrorClass    string     `json:"errorClass"`
	Reprocessed   bool       `json:"reprocessed"`
	ReprocessedAt *time.Time `json:"reprocessedAt,omitempty"`
	Notes         string     `json:"notes,omitempty"`
}

// Store is the tracking contract shared by the consumer workers and the
// query facade. Counter updates are atomic; Initialize and Cancel are
// idempotent. Implementations must be safe for concurrent use.
type Store interface {
	// Initialize creates the batch on first chunk delivery. A later call for
	// the same batch is a no-op.
	Initialize(ctx context.Context, init BatchInit) error

	// RecordSuccess, RecordFailure and RecordSkipped record one outcome per
	// submitted record.
	RecordSuccess(ctx context.Context, batchID, ticketNumber string) error
	RecordFailure(ctx context.Context, batchID, ticketNumber string, code bulkerr.Code, message string) error
	RecordSkipped(ctx context.Context, batchID, ticketNumber, reason string) error

	// CompleteChunk marks a chunk done and, when it is the last one, derives
	// the terminal status from the counters in the same transaction. It
	// reports whether this call moved the batch to a terminal status, which
	// happens for exactly one completion per batch.
	CompleteChunk(ctx context.Context, batchID string, chunkIndex int) (bool, error)

	// Cancel transitions a non-terminal batch to CANCELLED. Cancelling a
	// terminal or already-cancelled batch is a no-op; cancelling a batch the
	// store has not yet seen records the cancellation so late-arriving
	// chunks observe it.
	Cancel(ctx context.Context, batchID, reason string) error

	Get(ctx context.Context, batchID string) (*BatchState, error)
	ListActive(ctx context.Context) ([]string, error)

	// ListFailures returns a page of the batch failure list in insertion
	// order, plus the total length of the list.
	ListFailures(ctx context.Context, batchID string, offset, limit int) ([]FailureRecord, int, error)

	// AppendDLT is fire-and-forget; ListDLT returns up to limit records in
	// insertion order.
	AppendDLT(ctx context.Context, rec DLTRecord) error
	ListDLT(ctx context.Context, topic string, limit int) ([]DLTRecord, error)
}

// deriveTerminal computes the terminal status of a fully completed batch.
func deriveTerminal(successCount, failureCount int) BatchStatus {
	switch {
	case failureCount == 0:
		return StatusCompleted
	case successCount == 0:
		return StatusFailed
	default:
		return StatusPartiallyCompleted
	}
}
