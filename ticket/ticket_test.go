package ticket

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tickethq/bulkstream/events"
	"github.com/tickethq/bulkstream/model"
)

func TestStatusTransitions(t *testing.T) {
	var allowed = []struct{ from, to model.Status }{
		{model.StatusOpen, model.StatusInProgress},
		{model.StatusOpen, model.StatusResolved},
		{model.StatusInProgress, model.StatusCancelled},
		{model.StatusResolved, model.StatusClosed},
		{model.StatusResolved, model.StatusReopened},
		{model.StatusClosed, model.StatusReopened},
		{model.StatusReopened, model.StatusResolved},
	}
	for _, tc := range allowed {
		require.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	var forbidden = []struct{ from, to model.Status }{
		{model.StatusOpen, model.StatusClosed},
		{model.StatusOpen, model.StatusReopened},
		{model.StatusResolved, model.StatusInProgress},
		{model.StatusClosed, model.StatusOpen},
		{model.StatusCancelled, model.StatusOpen},
		{model.StatusCancelled, model.StatusReopened},
		{model.StatusOnHold, model.StatusResolved},
	}
	for _, tc := range forbidden {
		require.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be rejected", tc.from, tc.to)
	}
}

func TestSLADue(t *testing.T) {
	var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, base.Add(4*time.Hour), SLADue(model.PriorityCritical, base))
	require.Equal(t, base.Add(8*time.Hour), SLADue(model.PriorityHigh, base))
	require.Equal(t, base.Add(24*time.Hour), SLADue(model.PriorityMedium, base))
	require.Equal(t, base.Add(72*time.Hour), SLADue(model.PriorityLow, base))
	require.Equal(t, base.Add(24*time.Hour), SLADue(model.Priority("BOGUS"), base))
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	var mr = miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache, err := NewCache(client, 0)
	require.NoError(t, err)
	return cache
}

func TestCachePopulatedByCommittedEvents(t *testing.T) {
	var ctx = context.Background()
	var cache = newTestCache(t)
	var bus = events.NewBus()
	cache.Attach(bus)

	var snap = &model.Ticket{
		ID:           42,
		TicketNumber: "TKT-42",
		Title:        "printer on fire",
		Status:       model.StatusOpen,
		Priority:     model.PriorityHigh,
		CustomerID:   7,
	}

	var tx = bus.Begin()
	tx.Publish(events.Event{Kind: events.KindCreated, TicketID: 42, TicketNumber: "TKT-42", Snapshot: snap})
	require.Nil(t, cache.GetByID(ctx, 42), "uncommitted events must not reach the cache")

	tx.Commit()
	var got = cache.GetByID(ctx, 42)
	require.NotNil(t, got)
	require.Equal(t, "TKT-42", got.TicketNumber)

	got = cache.GetByNumber(ctx, "TKT-42")
	require.NotNil(t, got)
	require.Equal(t, int64(42), got.ID)
}

func TestCacheEvictionOnDelete(t *testing.T) {
	var ctx = context.Background()
	var cache = newTestCache(t)
	var bus = events.NewBus()
	cache.Attach(bus)

	var tx = bus.Begin()
	tx.Publish(events.Event{Kind: events.KindCreated, TicketID: 5, TicketNumber: "TKT-5",
		Snapshot: &model.Ticket{ID: 5, TicketNumber: "TKT-5"}})
	tx.Commit()
	require.NotNil(t, cache.GetByID(ctx, 5))

	tx = bus.Begin()
	tx.Publish(events.Event{Kind: events.KindDeleted, TicketID: 5, TicketNumber: "TKT-5"})
	tx.Commit()
	require.Nil(t, cache.GetByID(ctx, 5))
	require.Nil(t, cache.GetByNumber(ctx, "TKT-5"))
}

func TestCacheRolledbackEventsAreDiscarded(t *testing.T) {
	var ctx = context.Background()
	var cache = newTestCache(t)
	var bus = events.NewBus()
	cache.Attach(bus)

	var tx = bus.Begin()
	tx.Publish(events.Event{Kind: events.KindCreated, TicketID: 9, TicketNumber: "TKT-9",
		Snapshot: &model.Ticket{ID: 9, TicketNumber: "TKT-9"}})
	tx.Rollback("insert failed")

	require.Nil(t, cache.GetByID(ctx, 9))
}

func TestCacheTreatsRedisOutageAsMiss(t *testing.T) {
	var ctx = context.Background()
	var mr = miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache, err := NewCache(client, 0)
	require.NoError(t, err)

	mr.Close()
	require.Nil(t, cache.GetByNumber(ctx, "TKT-GONE"))
}
