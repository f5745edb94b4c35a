package produce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tickethq/bulkstream/bulkerr"
	"github.com/tickethq/bulkstream/model"
)

// fakeClient acknowledges every record, failing those whose chunk index is
// in failIndexes.
type fakeClient struct {
	records     []*kgo.Record
	failIndexes map[int]bool
}

func (f *fakeClient) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	var idx = len(f.records)
	f.records = append(f.records, r)
	if f.failIndexes[idx] {
		promise(r, errors.New("broker unavailable"))
		return
	}
	promise(r, nil)
}

func someRecords(n int) []model.Record {
	var records = make([]model.Record, n)
	for i := range records {
		records[i] = model.Record{
			TicketNumber: fmt.Sprintf("TKT-%04d", i),
			Title:        "imported ticket",
			Status:       model.StatusOpen,
			Priority:     model.PriorityMedium,
			CustomerID:   100,
		}
	}
	return records
}

func TestSplitChunks(t *testing.T) {
	require.Nil(t, splitChunks(nil, 100))
	require.Len(t, splitChunks(someRecords(1), 100), 1)
	require.Len(t, splitChunks(someRecords(100), 100), 1)
	require.Len(t, splitChunks(someRecords(101), 100), 2)

	var chunks = splitChunks(someRecords(250), 100)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 100)
	require.Len(t, chunks[2], 50)
	require.Equal(t, "TKT-0200", chunks[2][0].TicketNumber)
}

func TestPublishBuildsOneEventPerChunk(t *testing.T) {
	var client = &fakeClient{}
	var producer = NewProducer(client, "bulk-ticket-events", 100, 0, KeyByChunk)

	receipt, err := producer.Publish(context.Background(), someRecords(250), "alice", "tickets.csv")
	require.NoError(t, err)
	require.Equal(t, 250, receipt.TotalRecords)
	require.Equal(t, 3, receipt.TotalChunks)
	require.Regexp(t, `^BATCH-\d+-[0-9A-F]{8}$`, receipt.BatchID)
	require.Len(t, client.records, 3)

	for i, rec := range client.records {
		require.Equal(t, "bulk-ticket-events", rec.Topic)
		require.Equal(t, fmt.Sprintf("%s-CHUNK-%d", receipt.BatchID, i), string(rec.Key))

		var event model.BulkEvent
		require.NoError(t, json.Unmarshal(rec.Value, &event))
		require.Equal(t, receipt.BatchID, event.BatchID)
		require.Equal(t, i, event.ChunkIndex)
		require.Equal(t, 3, event.TotalChunks)
		require.Equal(t, "alice", event.UploadedBy)
		require.Equal(t, "tickets.csv", event.OriginalFilename)
		require.NotEmpty(t, event.EventID)
	}
}

func TestPublishAllChunksFailed(t *testing.T) {
	var client = &fakeClient{failIndexes: map[int]bool{0: true, 1: true}}
	var producer = NewProducer(client, "bulk-ticket-events", 100, 0, KeyByChunk)

	var _, err = producer.Publish(context.Background(), someRecords(150), "alice", "tickets.csv")
	require.Error(t, err)
	require.Equal(t, bulkerr.KafkaProducerError, bulkerr.CodeOf(err))
	require.True(t, bulkerr.Retryable(err))
}

func TestPublishCustomerPartitionKey(t *testing.T) {
	var client = &fakeClient{}
	var producer = NewProducer(client, "bulk-ticket-events", 100, 0, KeyByCustomer)

	var _, err = producer.Publish(context.Background(), someRecords(150), "alice", "tickets.csv")
	require.NoError(t, err)
	require.Len(t, client.records, 2)
	for _, rec := range client.records {
		require.Equal(t, "100", string(rec.Key))
	}
}

func TestPublishZeroRecordsIsNotAProducerError(t *testing.T) {
	var client = &fakeClient{}
	var producer = NewProducer(client, "bulk-ticket-events", 100, 0, KeyByChunk)

	receipt, err := producer.Publish(context.Background(), nil, "alice", "tickets.csv")
	require.NoError(t, err)
	require.Zero(t, receipt.TotalChunks)
	require.Zero(t, receipt.TotalRecords)
	require.Empty(t, client.records)
}

func TestPublishPartialFailureStillReturnsReceipt(t *testing.T) {
	var client = &fakeClient{failIndexes: map[int]bool{1: true}}
	var producer = NewProducer(client, "bulk-ticket-events", 100, 0, KeyByChunk)

	receipt, err := producer.Publish(context.Background(), someRecords(250), "alice", "tickets.csv")
	require.NoError(t, err)
	require.Equal(t, 3, receipt.TotalChunks)
}
