package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/tickethq/bulkstream/bulkerr"
)

// Keyspace shared by every process. Changing these breaks cross-process
// consistency.
const (
	statusKeyPrefix   = "bulk:batch:status:"
	progressKeyPrefix = "bulk:batch:progress:"
	failuresKeyPrefix = "bulk:batch:failures:"
	dltKeyPrefix      = "bulk:dlt:"
	activeBatchesKey  = "bulk:active-batches"
)

const (
	// DefaultBatchTTL bounds how long batch state outlives its last update.
	DefaultBatchTTL = 24 * time.Hour
	// DefaultDLTTTL bounds the DLT inspection lists.
	DefaultDLTTTL = 7 * 24 * time.Hour
)

// completeChunkScript inserts the chunk index, recomputes completedChunks,
// and derives the terminal status from counters read in the same
// transaction, so two racing final chunks cannot both conclude "last".
//
// KEYS: status hash, progress set, active set.
// ARGV: chunk index, batch id, ended-at timestamp, ttl seconds.
var completeChunkScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[2], ARGV[1])
if added == 0 then
  return 0
end
redis.call('EXPIRE', KEYS[2], ARGV[4])
local completed = redis.call('SCARD', KEYS[2])
redis.call('HSET', KEYS[1], 'completedChunks', completed)
redis.call('EXPIRE', KEYS[1], ARGV[4])
local total = tonumber(redis.call('HGET', KEYS[1], 'totalChunks') or '0')
local status = redis.call('HGET', KEYS[1], 'status')
if total > 0 and completed >= total and status == 'IN_PROGRESS' then
  local failures = tonumber(redis.call('HGET', KEYS[1], 'failureCount') or '0')
  local successes = tonumber(redis.call('HGET', KEYS[1], 'successCount') or '0')
  local final = 'PARTIALLY_COMPLETED'
  if failures == 0 then
    final = 'COMPLETED'
  elseif successes == 0 then
    final = 'FAILED'
  end
  redis.call('HSET', KEYS[1], 'status', final, 'endedAt', ARGV[3])
  redis.call('SREM', KEYS[3], ARGV[2])
  return 1
end
return 0
`)

// cancelScript transitions a non-terminal batch to CANCELLED, creating a
// tombstone when the batch is not yet tracked so late chunks observe the
// cancellation.
//
// KEYS: status hash, active set.
// ARGV: ended-at timestamp, reason, batch id, ttl seconds.
var cancelScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status and (status == 'COMPLETED' or status == 'PARTIALLY_COMPLETED' or status == 'FAILED' or status == 'CANCELLED') then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'CANCELLED', 'endedAt', ARGV[1], 'cancelReason', ARGV[2], 'batchId', ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('SREM', KEYS[2], ARGV[3])
return 1
`)

// RedisStore is the canonical cross-process tracking store.
type RedisStore struct {
	client   redis.UniversalClient
	batchTTL time.Duration
	dltTTL   time.Duration
}

// NewRedisStore wraps a connected client. Zero TTLs use the defaults.
func NewRedisStore(client redis.UniversalClient, batchTTL, dltTTL time.Duration) *RedisStore {
	if batchTTL <= 0 {
		batchTTL = DefaultBatchTTL
	}
	if dltTTL <= 0 {
		dltTTL = DefaultDLTTTL
	}
	return &RedisStore{client: client, batchTTL: batchTTL, dltTTL: dltTTL}
}

func statusKey(batchID string) string   { return statusKeyPrefix + batchID }
func progressKey(batchID string) string { return progressKeyPrefix + batchID }
func failuresKey(batchID string) string { return failuresKeyPrefix + batchID }
func dltKey(topic string) string        { return dltKeyPrefix + topic }

// Initialize creates the status hash guarded by HSETNX on the status field,
// so concurrent first deliveries initialize exactly once.
func (s *RedisStore) Initialize(ctx context.Context, init BatchInit) error {
	var key = statusKey(init.BatchID)

	created, err := s.client.HSetNX(ctx, key, "status", string(StatusInProgress)).Result()
	if err != nil {
		return fmt.Errorf("initializing batch %s: %w", init.BatchID, err)
	}
	if !created {
		return nil // already tracked, or cancelled before first delivery
	}

	var now = time.Now().UTC()
	var pipe = s.client.Pipeline()
	pipe.HSet(ctx, key,
		"batchId", init.BatchID,
		"totalChunks", init.TotalChunks,
		"completedChunks", 0,
		"totalRecords", init.TotalRecords,
		"successCount", 0,
		"failureCount", 0,
		"skippedCount", 0,
		"startedAt", now.Format(time.RFC3339Nano),
		"uploadedBy", init.UploadedBy,
		"originalFilename", init.OriginalFilename,
	)
	pipe.Expire(ctx, key, s.batchTTL)
	pipe.SAdd(ctx, activeBatchesKey, init.BatchID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("initializing batch %s: %w", init.BatchID, err)
	}

	log.WithFields(log.Fields{
		"batch":   init.BatchID,
		"chunks":  init.TotalChunks,
		"records": init.TotalRecords,
	}).Info("batch tracking initialized")
	return nil
}

func (s *RedisStore) RecordSuccess(ctx context.Context, batchID, ticketNumber string) error {
	if err := s.client.HIncrBy(ctx, statusKey(batchID), "successCount", 1).Err(); err != nil {
		return fmt.Errorf("recording success for %s: %w", batchID, err)
	}
	return nil
}

func (s *RedisStore) RecordFailure(ctx context.Context, batchID, ticketNumber string, code bulkerr.Code, message string) error {
	var rec = FailureRecord{
		TicketNumber: ticketNumber,
		ErrorCode:    code,
		Message:      message,
		Timestamp:    time.Now().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding failure record: %w", err)
	}

	var pipe = s.client.Pipeline()
	pipe.HIncrBy(ctx, statusKey(batchID), "failureCount", 1)
	pipe.RPush(ctx, failuresKey(batchID), raw)
	pipe.Expire(ctx, failuresKey(batchID), s.batchTTL)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording failure for %s: %w", batchID, err)
	}
	return nil
}

func (s *RedisStore) RecordSkipped(ctx context.Context, batchID, ticketNumber, reason string) error {
	if err := s.client.HIncrBy(ctx, statusKey(batchID), "skippedCount", 1).Err(); err != nil {
		return fmt.Errorf("recording skip for %s: %w", batchID, err)
	}
	return nil
}

func (s *RedisStore) CompleteChunk(ctx context.Context, batchID string, chunkIndex int) (bool, error) {
	finished, err := completeChunkScript.Run(ctx, s.client,
		[]string{statusKey(batchID), progressKey(batchID), activeBatchesKey},
		chunkIndex,
		batchID,
		time.Now().UTC().Format(time.RFC3339Nano),
		int(s.batchTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("completing chunk %d of %s: %w", chunkIndex, batchID, err)
	}
	if finished == 1 {
		log.WithField("batch", batchID).Info("batch reached terminal status")
	}
	return finished == 1, nil
}

func (s *RedisStore) Cancel(ctx context.Context, batchID, reason string) error {
	cancelled, err := cancelScript.Run(ctx, s.client,
		[]string{statusKey(batchID), activeBatchesKey},
		time.Now().UTC().Format(time.RFC3339Nano),
		reason,
		batchID,
		int(s.batchTTL.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("cancelling batch %s: %w", batchID, err)
	}
	if cancelled == 1 {
		log.WithFields(log.Fields{"batch": batchID, "reason": reason}).Info("batch cancelled")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, batchID string) (*BatchState, error) {
	fields, err := s.client.HGetAll(ctx, statusKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching batch %s: %w", batchID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	var state = &BatchState{
		BatchID:          batchID,
		Status:           BatchStatus(fields["status"]),
		TotalChunks:      atoi(fields["totalChunks"]),
		CompletedChunks:  atoi(fields["completedChunks"]),
		TotalRecords:     atoi(fields["totalRecords"]),
		SuccessCount:     atoi(fields["successCount"]),
		FailureCount:     atoi(fields["failureCount"]),
		SkippedCount:     atoi(fields["skippedCount"]),
		UploadedBy:       fields["uploadedBy"],
		OriginalFilename: fields["originalFilename"],
		CancelReason:     fields["cancelReason"],
	}
	if raw := fields["startedAt"]; raw != "" {
		state.StartedAt, _ = time.Parse(time.RFC3339Nano, raw)
	}
	if raw := fields["endedAt"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			state.EndedAt = &t
		}
	}

	indices, err := s.client.SMembers(ctx, progressKey(batchID)).Result()
	if err == nil {
		for _, raw := range indices {
			state.CompletedIndices = append(state.CompletedIndices, atoi(raw))
		}
	}
	return state, nil
}

func (s *RedisStore) ListActive(ctx context.Context) ([]string, error) {
	batches, err := s.client.SMembers(ctx, activeBatchesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing active batches: %w", err)
	}
	return batches, nil
}

func (s *RedisStore) ListFailures(ctx context.Context, batchID string, offset, limit int) ([]FailureRecord, int, error) {
	if limit <= 0 {
		return nil, 0, nil
	}
	var key = failuresKey(batchID)

	total, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("listing failures for %s: %w", batchID, err)
	}
	raws, err := s.client.LRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("listing failures for %s: %w", batchID, err)
	}

	var records = make([]FailureRecord, 0, len(raws))
	for _, raw := range raws {
		var rec FailureRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.WithFields(log.Fields{"batch": batchID, "err": err}).Warn("skipping undecodable failure record")
			continue
		}
		records = append(records, rec)
	}
	return records, int(total), nil
}

func (s *RedisStore) AppendDLT(ctx context.Context, rec DLTRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding DLT record: %w", err)
	}

	var key = dltKey(rec.OriginTopic)
	var pipe = s.client.Pipeline()
	pipe.RPush(ctx, key, raw)
	pipe.Expire(ctx, key, s.dltTTL)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending DLT record for %s: %w", rec.OriginTopic, err)
	}

	log.WithFields(log.Fields{"topic": rec.OriginTopic, "key": rec.MessageKey}).Info("DLT record stored")
	return nil
}

func (s *RedisStore) ListDLT(ctx context.Context, topic string, limit int) ([]DLTRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := s.client.LRange(ctx, dltKey(topic), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing DLT records for %s: %w", topic, err)
	}

	var records = make([]DLTRecord, 0, len(raws))
	for _, raw := range raws {
		var rec DLTRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.WithFields(log.Fields{"topic": topic, "err": err}).Warn("skipping undecodable DLT record")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func atoi(raw string) int {
	n, _ := strconv.Atoi(raw)
	return n
}
