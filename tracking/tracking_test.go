package tracking

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tickethq/bulkstream/bulkerr"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	var mr = miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, 0, 0)
}

func storesUnderTest(t *testing.T) map[string]Store {
	return map[string]Store{
		"redis":  newTestRedisStore(t),
		"memory": NewMemoryStore(),
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			var ctx = context.Background()
			var init = BatchInit{
				BatchID:      "BATCH-1",
				TotalChunks:  3,
				TotalRecords: 250,
				UploadedBy:   "ops",
			}
			require.NoError(t, store.Initialize(ctx, init))
			require.NoError(t, store.RecordSuccess(ctx, "BATCH-1", "TKT-1"))

			// A second delivery of chunk zero must not reset counters.
			require.NoError(t, store.Initialize(ctx, init))

			state, err := store.Get(ctx, "BATCH-1")
			require.NoError(t, err)
			require.Equal(t, StatusInProgress, state.Status)
			require.Equal(t, 3, state.TotalChunks)
			require.Equal(t, 250, state.TotalRecords)
			require.Equal(t, 1, state.SuccessCount)
			require.Equal(t, "ops", state.UploadedBy)
		})
	}
}

func TestGetUnknownBatch(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			var _, err = store.Get(context.Background(), "BATCH-MISSING")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestTerminalStatusDerivation(t *testing.T) {
	var cases = []struct {
		name      string
		successes int
		failures  int
		expect    BatchStatus
	}{
		{"all succeeded", 5, 0, StatusCompleted},
		{"all failed", 0, 5, StatusFailed},
		{"mixed", 3, 2, StatusPartiallyCompleted},
	}
	for name, mk := range map[string]func(t *testing.T) Store{
		"redis":  func(t *testing.T) Store { return newTestRedisStore(t) },
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
	} {
		for _, tc := range cases {
			t.Run(name+"/"+tc.name, func(t *testing.T) {
				var ctx = context.Background()
				var store = mk(t)
				require.NoError(t, store.Initialize(ctx, BatchInit{
					BatchID: "BATCH-T", TotalChunks: 2, TotalRecords: tc.successes + tc.failures,
				}))
				for i := 0; i < tc.successes; i++ {
					require.NoError(t, store.RecordSuccess(ctx, "BATCH-T", fmt.Sprintf("TKT-%d", i)))
				}
				for i := 0; i < tc.failures; i++ {
					require.NoError(t, store.RecordFailure(ctx, "BATCH-T",
						fmt.Sprintf("BAD-%d", i), bulkerr.InvalidRowData, "boom"))
				}

				finished, err := store.CompleteChunk(ctx, "BATCH-T", 0)
				require.NoError(t, err)
				require.False(t, finished)
				state, err := store.Get(ctx, "BATCH-T")
				require.NoError(t, err)
				require.Equal(t, StatusInProgress, state.Status, "one chunk outstanding")
				require.Nil(t, state.EndedAt)

				finished, err = store.CompleteChunk(ctx, "BATCH-T", 1)
				require.NoError(t, err)
				require.True(t, finished, "last completion derives the terminal status")
				state, err = store.Get(ctx, "BATCH-T")
				require.NoError(t, err)
				require.Equal(t, tc.expect, state.Status)
				require.Equal(t, 2, state.CompletedChunks)
				require.NotNil(t, state.EndedAt)

				active, err := store.ListActive(ctx)
				require.NoError(t, err)
				require.NotContains(t, active, "BATCH-T")
			})
		}
	}
}

func TestCompleteChunkIsIdempotent(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			var ctx = context.Background()
			require.NoError(t, store.Initialize(ctx, BatchInit{BatchID: "BATCH-D", TotalChunks: 2}))

			finished, err := store.CompleteChunk(ctx, "BATCH-D", 0)
			require.NoError(t, err)
			require.False(t, finished)
			finished, err = store.CompleteChunk(ctx, "BATCH-D", 0)
			require.NoError(t, err)
			require.False(t, finished)

			state, err := store.Get(ctx, "BATCH-D")
			require.NoError(t, err)
			require.Equal(t, 1, state.CompletedChunks)
			require.Equal(t, StatusInProgress, state.Status)
			require.Equal(t, []int{0}, state.CompletedIndices)
		})
	}
}

func TestCancel(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			var ctx = context.Background()
			require.NoError(t, store.Initialize(ctx, BatchInit{BatchID: "BATCH-C", TotalChunks: 4}))
			require.NoError(t, store.Cancel(ctx, "BATCH-C", "operator request"))

			state, err := store.Get(ctx, "BATCH-C")
			require.NoError(t, err)
			require.Equal(t, StatusCancelled, state.Status)
			require.Equal(t, "operator request", state.CancelReason)
			require.NotNil(t, state.EndedAt)

			// Late chunk completions must not resurrect the batch.
			for i := 0; i < 4; i++ {
				finished, err := store.CompleteChunk(ctx, "BATCH-C", i)
				require.NoError(t, err)
				require.False(t, finished)
			}
			state, err = store.Get(ctx, "BATCH-C")
			require.NoError(t, err)
			require.Equal(t, StatusCancelled, state.Status)

			active, err := store.ListActive(ctx)
			require.NoError(t, err)
			require.NotContains(t, active, "BATCH-C")
		})
	}
}

func TestCancelTerminalBatchIsNoop(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			var ctx = context.Background()
			require.NoError(t, store.Initialize(ctx, BatchInit{BatchID: "BATCH-E", TotalChunks: 1}))
			require.NoError(t, store.RecordSuccess(ctx, "BATCH-E", "TKT-1"))
			finished, err := store.CompleteChunk(ctx, "BATCH-E", 0)
			require.NoError(t, err)
			require.True(t, finished)

			require.NoError(t, store.Cancel(ctx, "BATCH-E", "too late"))

			state, err := store.Get(ctx, "BATCH-E")
			require.NoError(t, err)
			require.Equal(t, StatusCompleted, state.Status)
			require.Empty(t, state.CancelReason)
		})
	}
}

func TestCancelUnseenBatchLeavesTombstone(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			var ctx = context.Background()
			require.NoError(t, store.Cancel(ctx, "BATCH-U", "cancelled before delivery"))

			state, err := store.Get(ctx, "BATCH-U")
			require.NoError(t, err)
			require.Equal(t, StatusCancelled, state.Status)

			// First delivery must observe the tombstone rather than
			// re-initializing to IN_PROGRESS.
			require.NoError(t, store.Initialize(ctx, BatchInit{BatchID: "BATCH-U", TotalChunks: 2}))
			state, err = store.Get(ctx, "BATCH-U")
			require.NoError(t, err)
			require.Equal(t, StatusCancelled, state.Status)
		})
	}
}

func TestListFailuresPagination(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			var ctx = context.Background()
			require.NoError(t, store.Initialize(ctx, BatchInit{BatchID: "BATCH-F", TotalChunks: 1}))
			for i := 0; i < 7; i++ {
				require.NoError(t, store.RecordFailure(ctx, "BATCH-F",
					fmt.Sprintf("TKT-%03d", i), bulkerr.DuplicateTicket, "duplicate"))
			}

			page, total, err := store.ListFailures(ctx, "BATCH-F", 0, 5)
			require.NoError(t, err)
			require.Equal(t, 7, total)
			require.Len(t, page, 5)
			require.Equal(t, "TKT-000", page[0].TicketNumber)
			require.Equal(t, bulkerr.DuplicateTicket, page[0].ErrorCode)

			page, total, err = store.ListFailures(ctx, "BATCH-F", 5, 5)
			require.NoError(t, err)
			require.Equal(t, 7, total)
			require.Len(t, page, 2)
			require.Equal(t, "TKT-005", page[0].TicketNumber)

			page, total, err = store.ListFailures(ctx, "BATCH-F", 20, 5)
			require.NoError(t, err)
			require.Equal(t, 7, total)
			require.Empty(t, page)
		})
	}
}

func TestDLTAppendAndList(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			var ctx = context.Background()
			for i := 0; i < 3; i++ {
				require.NoError(t, store.AppendDLT(ctx, DLTRecord{
					OriginTopic:  "bulk-ticket-events",
					MessageKey:   fmt.Sprintf("BATCH-1-CHUNK-%d", i),
					Payload:      "{}",
					ErrorMessage: "validation failed",
					ErrorClass:   "V1003",
				}))
			}

			records, err := store.ListDLT(ctx, "bulk-ticket-events", 2)
			require.NoError(t, err)
			require.Len(t, records, 2)
			require.Equal(t, "BATCH-1-CHUNK-0", records[0].MessageKey)
			require.False(t, records[0].Timestamp.IsZero())

			records, err = store.ListDLT(ctx, "other-topic", 10)
			require.NoError(t, err)
			require.Empty(t, records)
		})
	}
}

// failingStore refuses every call, standing in for an unreachable Redis.
type failingStore struct{}

var errStoreDown = errors.New("connection refused")

func (failingStore) Initialize(context.Context, BatchInit) error      { return errStoreDown }
func (failingStore) RecordSuccess(context.Context, string, string) error { return errStoreDown }
func (failingStore) RecordFailure(context.Context, string, string, bulkerr.Code, string) error {
	return errStoreDown
}
func (failingStore) RecordSkipped(context.Context, string, string, string) error { return errStoreDown }
func (failingStore) CompleteChunk(context.Context, string, int) (bool, error) {
	return false, errStoreDown
}
func (failingStore) Cancel(context.Context, string, string) error                { return errStoreDown }
func (failingStore) Get(context.Context, string) (*BatchState, error)            { return nil, errStoreDown }
func (failingStore) ListActive(context.Context) ([]string, error)                { return nil, errStoreDown }
func (failingStore) ListFailures(context.Context, string, int, int) ([]FailureRecord, int, error) {
	return nil, 0, errStoreDown
}
func (failingStore) AppendDLT(context.Context, DLTRecord) error { return errStoreDown }
func (failingStore) ListDLT(context.Context, string, int) ([]DLTRecord, error) {
	return nil, errStoreDown
}

func TestFallbackStoreSwallowsPrimaryFailures(t *testing.T) {
	var ctx = context.Background()
	var store = NewFallbackStore(failingStore{})

	require.NoError(t, store.Initialize(ctx, BatchInit{BatchID: "BATCH-FB", TotalChunks: 1, TotalRecords: 2}))
	require.NoError(t, store.RecordSuccess(ctx, "BATCH-FB", "TKT-1"))
	require.NoError(t, store.RecordFailure(ctx, "BATCH-FB", "TKT-2", bulkerr.TimeoutError, "slow"))
	finished, err := store.CompleteChunk(ctx, "BATCH-FB", 0)
	require.NoError(t, err)
	require.True(t, finished, "fallback derives the terminal status")

	// Reads fall back to the in-memory copy.
	state, err := store.Get(ctx, "BATCH-FB")
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyCompleted, state.Status)
	require.Equal(t, 1, state.SuccessCount)
	require.Equal(t, 1, state.FailureCount)
}

func TestFallbackStorePrefersHealthyPrimary(t *testing.T) {
	var ctx = context.Background()
	var store = NewFallbackStore(newTestRedisStore(t))

	require.NoError(t, store.Initialize(ctx, BatchInit{BatchID: "BATCH-OK", TotalChunks: 1}))
	require.NoError(t, store.RecordSuccess(ctx, "BATCH-OK", "TKT-1"))

	state, err := store.Get(ctx, "BATCH-OK")
	require.NoError(t, err)
	require.Equal(t, 1, state.SuccessCount)

	// A primary miss is authoritative even though the breaker is closed.
	_, err = store.Get(ctx, "BATCH-NOPE")
	require.ErrorIs(t, err, ErrNotFound)
}
