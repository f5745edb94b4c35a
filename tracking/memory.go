package tracking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tickethq/bulkstream/bulkerr"
)

// MemoryStore is the per-process fallback used when Redis is unreachable.
// It mirrors the Redis semantics but is invisible to other processes; its
// existence is a degradation, not a guarantee.
type MemoryStore struct {
	mu       sync.Mutex
	batches  map[string]*memoryBatch
	dlt      map[string][]DLTRecord
	dltLimit int
}

type memoryBatch struct {
	state    BatchState
	chunks   map[int]struct{}
	failures []FailureRecord
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:  make(map[string]*memoryBatch),
		dlt:      make(map[string][]DLTRecord),
		dltLimit: 1000,
	}
}

func (s *MemoryStore) Initialize(_ context.Context, init BatchInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[init.BatchID]; ok {
		return nil
	}
	s.batches[init.BatchID] = &memoryBatch{
		state: BatchState{
			BatchID:          init.BatchID,
			Status:           StatusInProgress,
			TotalChunks:      init.TotalChunks,
			TotalRecords:     init.TotalRecords,
			StartedAt:        time.Now().UTC(),
			UploadedBy:       init.UploadedBy,
			OriginalFilename: init.OriginalFilename,
		},
		chunks: make(map[int]struct{}),
	}
	return nil
}

func (s *MemoryStore) RecordSuccess(_ context.Context, batchID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[batchID]; ok {
		b.state.SuccessCount++
	}
	return nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, batchID, ticketNumber string, code bulkerr.Code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[batchID]; ok {
		b.state.FailureCount++
		b.failures = append(b.failures, FailureRecord{
			TicketNumber: ticketNumber,
			ErrorCode:    code,
			Message:      message,
			Timestamp:    time.Now().UTC(),
		})
	}
	return nil
}

func (s *MemoryStore) RecordSkipped(_ context.Context, batchID, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[batchID]; ok {
		b.state.SkippedCount++
	}
	return nil
}

func (s *MemoryStore) CompleteChunk(_ context.Context, batchID string, chunkIndex int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return false, nil
	}
	if _, done := b.chunks[chunkIndex]; done {
		return false, nil
	}
	b.chunks[chunkIndex] = struct{}{}
	b.state.CompletedChunks = len(b.chunks)

	if b.state.Status == StatusInProgress &&
		b.state.TotalChunks > 0 && b.state.CompletedChunks >= b.state.TotalChunks {
		b.state.Status = deriveTerminal(b.state.SuccessCount, b.state.FailureCount)
		var now = time.Now().UTC()
		b.state.EndedAt = &now
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) Cancel(_ context.Context, batchID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		// Tombstone so late chunks observe the cancellation.
		b = &memoryBatch{
			state:  BatchState{BatchID: batchID},
			chunks: make(map[int]struct{}),
		}
		s.batches[batchID] = b
	}
	if b.state.Status.Terminal() {
		return nil
	}
	b.state.Status = StatusCancelled
	b.state.CancelReason = reason
	var now = time.Now().UTC()
	b.state.EndedAt = &now
	return nil
}

func (s *MemoryStore) Get(_ context.Context, batchID string) (*BatchState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	var state = b.state // copy
	state.CompletedIndices = nil
	for i := range b.chunks {
		state.CompletedIndices = append(state.CompletedIndices, i)
	}
	sort.Ints(state.CompletedIndices)
	return &state, nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []string
	for id, b := range s.batches {
		if !b.state.Status.Terminal() {
			active = append(active, id)
		}
	}
	sort.Strings(active)
	return active, nil
}

func (s *MemoryStore) ListFailures(_ context.Context, batchID string, offset, limit int) ([]FailureRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, 0, nil
	}
	var total = len(b.failures)
	if offset >= total || limit <= 0 {
		return nil, total, nil
	}
	var end = offset + limit
	if end > total {
		end = total
	}
	var page = make([]FailureRecord, end-offset)
	copy(page, b.failures[offset:end])
	return page, total, nil
}

func (s *MemoryStore) AppendDLT(_ context.Context, rec DLTRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	var list = append(s.dlt[rec.OriginTopic], rec)
	if len(list) > s.dltLimit {
		list = list[len(list)-s.dltLimit:]
	}
	s.dlt[rec.OriginTopic] = list
	return nil
}

func (s *MemoryStore) ListDLT(_ context.Context, topic string, limit int) ([]DLTRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list = s.dlt[topic]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	var out = make([]DLTRecord, limit)
	copy(out, list[:limit])
	return out, nil
}
