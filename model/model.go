// Package model holds the immutable data types that move through the bulk
// pipeline: validated records, the chunk envelope published to Kafka, and the
// status/priority enumerations shared with the ticket service.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is a ticket lifecycle status.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusPending    Status = "PENDING"
	StatusOnHold     Status = "ON_HOLD"
	StatusResolved   Status = "RESOLVED"
	StatusClosed     Status = "CLOSED"
	StatusReopened   Status = "REOPENED"
	StatusCancelled  Status = "CANCELLED"
)

var validStatuses = map[Status]struct{}{
	StatusOpen: {}, StatusInProgress: {}, StatusPending: {}, StatusOnHold: {},
	StatusResolved: {}, StatusClosed: {}, StatusReopened: {}, StatusCancelled: {},
}

// Valid reports whether s is a member of the status enumeration.
func (s Status) Valid() bool {
	_, ok := validStatuses[s]
	return ok
}

// ParseStatus normalises and validates a raw status value.
func ParseStatus(raw string) (Status, bool) {
	var s = Status(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// Priority is a ticket priority level.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Valid reports whether p is a member of the priority enumeration.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ParsePriority normalises and validates a raw priority value.
func ParsePriority(raw string) (Priority, bool) {
	var p = Priority(strings.ToUpper(strings.TrimSpace(raw)))
	return p, p.Valid()
}

// Record is one validated ticket-creation work item. Records are produced by
// the parser and never mutated afterwards.
type Record struct {
	TicketNumber string   `json:"ticketNumber"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Status       Status   `json:"status"`
	Priority     Priority `json:"priority"`
	CustomerID   int64    `json:"customerId"`
	AssignedTo   *int64   `json:"assignedTo,omitempty"`
}

// Ticket is the persisted entity a Record becomes. Snapshots of it flow on
// the post-commit event bus and into the read cache.
type Ticket struct {
	ID           int64      `json:"id"`
	TicketNumber string     `json:"ticketNumber"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Status       Status     `json:"status"`
	Priority     Priority   `json:"priority"`
	CustomerID   int64      `json:"customerId"`
	AssignedTo   *int64     `json:"assignedTo,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	SLADueDate   time.Time  `json:"slaDueDate"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
}

// BulkEvent is the envelope published to the durable log, carrying one chunk
// of a batch.
type BulkEvent struct {
	EventID          string    `json:"eventId"`
	BatchID          string    `json:"batchId"`
	ChunkIndex       int       `json:"chunkIndex"`
	TotalChunks      int       `json:"totalChunks"`
	Records          []Record  `json:"records"`
	UploadedBy       string    `json:"uploadedBy"`
	OriginalFilename string    `json:"originalFilename"`
	Timestamp        time.Time `json:"timestamp"`
}

// NewBulkEvent builds the envelope for one chunk.
func NewBulkEvent(batchID string, chunkIndex, totalChunks int, records []Record, uploadedBy, filename string) BulkEvent {
	return BulkEvent{
		EventID:          uuid.NewString(),
		BatchID:          batchID,
		ChunkIndex:       chunkIndex,
		TotalChunks:      totalChunks,
		Records:          records,
		UploadedBy:       uploadedBy,
		OriginalFilename: filename,
		Timestamp:        time.Now().UTC(),
	}
}

// ChunkKey is the Kafka message key of the event, and the partitioning key
// of its chunk.
func (e BulkEvent) ChunkKey() string {
	return ChunkKey(e.BatchID, e.ChunkIndex)
}

// ChunkKey derives the stable key of a chunk within its batch.
func ChunkKey(batchID string, chunkIndex int) string {
	return fmt.Sprintf("%s-CHUNK-%d", batchID, chunkIndex)
}

// NewBatchID mints a batch identifier: "BATCH-" + millis + "-" + 8 random
// hex characters.
func NewBatchID() string {
	var suffix = strings.ToUpper(uuid.NewString()[:8])
	return fmt.Sprintf("BATCH-%d-%s", time.Now().UnixMilli(), suffix)
}
