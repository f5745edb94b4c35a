package bulkerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeRetryability(t *testing.T) {
	// Validation codes never retry.
	for _, c := range []Code{EmptyFile, InvalidFileFormat, MissingRequiredColumns,
		InvalidRowData, MissingTicketNumber, InvalidCustomerID, MissingTitle,
		NullRequest, BatchSizeExceeded} {
		require.False(t, c.Retryable(), "code %s", c)
		require.Equal(t, "V", c.Class())
	}

	require.False(t, DuplicateTicket.Retryable())
	require.True(t, TicketCreationFailed.Retryable())
	require.True(t, ChunkProcessingFailed.Retryable())
	require.False(t, InvalidStatusTransition.Retryable())

	require.True(t, DatabaseError.Retryable())
	require.False(t, MemoryError.Retryable())

	require.True(t, KafkaProducerError.Retryable())
	require.False(t, KafkaDeserializationError.Retryable())
	require.False(t, SentToDLT.Retryable())
	require.True(t, KafkaCommitFailed.Retryable())

	require.True(t, UnknownError.Retryable())
	require.False(t, ConfigurationError.Retryable())
}

func TestErrorWrappingAndScope(t *testing.T) {
	var cause = errors.New("connection reset")
	var err = Wrap(DatabaseError, cause, "insert failed")

	require.True(t, errors.Is(err, cause))
	require.Equal(t, DatabaseError, CodeOf(err))
	require.True(t, Retryable(err))

	var scoped = err.WithBatch("BATCH-1", 3)
	require.Equal(t, "BATCH-1", scoped.BatchID)
	require.Equal(t, 3, scoped.Chunk)
	require.Contains(t, scoped.Error(), "batch=BATCH-1")
	// The original is untouched.
	require.Empty(t, err.BatchID)

	// A tagged error wrapped further still resolves to its code.
	var wrapped = fmt.Errorf("outer: %w", err)
	require.Equal(t, DatabaseError, CodeOf(wrapped))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{context.DeadlineExceeded, TimeoutError},
		{errors.New("duplicate key value violates unique constraint"), DuplicateTicket},
		{errors.New("validation failed for field title"), InvalidRowData},
		{errors.New("redis: connection pool exhausted"), RedisError},
		{errors.New("kafka: broker not reachable"), KafkaBrokerUnavailable},
		{errors.New("dial tcp: i/o timeout occurred"), TimeoutError},
		{errors.New("received nil request"), NullRequest},
		{errors.New("something entirely else"), UnknownError},
		{nil, UnknownError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.err), "err=%v", tc.err)
	}
}

func TestCodeOfUntagged(t *testing.T) {
	require.Equal(t, DuplicateTicket, CodeOf(errors.New("duplicate ticket number")))
	require.False(t, Retryable(errors.New("duplicate ticket number")))
	require.True(t, Retryable(errors.New("no idea what happened")))
}
