package tracking

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/tickethq/bulkstream/bulkerr"
)

// FallbackStore fronts the canonical Redis store with a circuit breaker.
// While the breaker is open, writes land in a per-process MemoryStore so
// pipeline progress is not lost entirely; reads are served from whichever
// store answers. Write errors against the primary are logged and swallowed,
// never surfaced to the processing path.
type FallbackStore struct {
	primary  Store
	fallback Store
	breaker  *gobreaker.CircuitBreaker
}

// NewFallbackStore wraps primary with a breaker that trips after five
// consecutive failures and probes again after 30 seconds.
func NewFallbackStore(primary Store) *FallbackStore {
	var s = &FallbackStore{
		primary:  primary,
		fallback: NewMemoryStore(),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "tracking-redis",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A miss is a healthy answer, not a store failure.
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("tracking store breaker state changed")
		},
	})
	return s
}

// write runs fn against the primary through the breaker, falling back to the
// in-memory store on any failure. The returned error is always nil: tracking
// must never fail record processing.
func (s *FallbackStore) write(op string, fn func(Store) error) error {
	var _, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, fn(s.primary)
	})
	if err != nil {
		log.WithFields(log.Fields{
			"op":  op,
			"err": err,
		}).Warn("tracking write failed, using in-memory fallback")
		if ferr := fn(s.fallback); ferr != nil {
			log.WithFields(log.Fields{"op": op, "err": ferr}).
				Error("in-memory tracking fallback failed")
		}
	}
	return nil
}

func (s *FallbackStore) Initialize(ctx context.Context, init BatchInit) error {
	return s.write("initialize", func(st Store) error { return st.Initialize(ctx, init) })
}

func (s *FallbackStore) RecordSuccess(ctx context.Context, batchID, ticketNumber string) error {
	return s.write("record-success", func(st Store) error {
		return st.RecordSuccess(ctx, batchID, ticketNumber)
	})
}

func (s *FallbackStore) RecordFailure(ctx context.Context, batchID, ticketNumber string, code bulkerr.Code, message string) error {
	return s.write("record-failure", func(st Store) error {
		return st.RecordFailure(ctx, batchID, ticketNumber, code, message)
	})
}

func (s *FallbackStore) RecordSkipped(ctx context.Context, batchID, ticketNumber, reason string) error {
	return s.write("record-skipped", func(st Store) error {
		return st.RecordSkipped(ctx, batchID, ticketNumber, reason)
	})
}

func (s *FallbackStore) CompleteChunk(ctx context.Context, batchID string, chunkIndex int) (bool, error) {
	var res, err = s.breaker.Execute(func() (interface{}, error) {
		finished, err := s.primary.CompleteChunk(ctx, batchID, chunkIndex)
		return finished, err
	})
	if err == nil {
		return res.(bool), nil
	}
	log.WithFields(log.Fields{"batch": batchID, "err": err}).
		Warn("tracking write failed, using in-memory fallback")
	finished, ferr := s.fallback.CompleteChunk(ctx, batchID, chunkIndex)
	if ferr != nil {
		log.WithFields(log.Fields{"batch": batchID, "err": ferr}).
			Error("in-memory tracking fallback failed")
	}
	return finished, nil
}

func (s *FallbackStore) Cancel(ctx context.Context, batchID, reason string) error {
	// Cancellation is user-facing, so the error propagates when both
	// stores refuse it.
	var _, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.primary.Cancel(ctx, batchID, reason)
	})
	if err == nil {
		return nil
	}
	log.WithFields(log.Fields{"batch": batchID, "err": err}).
		Warn("cancel failed against primary store, using in-memory fallback")
	return s.fallback.Cancel(ctx, batchID, reason)
}

func (s *FallbackStore) AppendDLT(ctx context.Context, rec DLTRecord) error {
	return s.write("append-dlt", func(st Store) error { return st.AppendDLT(ctx, rec) })
}

// Get prefers the primary and falls back only when it is unreachable. A
// primary ErrNotFound is authoritative: the fallback holds a strict subset
// of what a healthy primary has seen.
func (s *FallbackStore) Get(ctx context.Context, batchID string) (*BatchState, error) {
	var res, err = s.breaker.Execute(func() (interface{}, error) {
		return s.primary.Get(ctx, batchID)
	})
	if err == nil {
		return res.(*BatchState), nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return s.fallback.Get(ctx, batchID)
}

func (s *FallbackStore) ListActive(ctx context.Context) ([]string, error) {
	var res, err = s.breaker.Execute(func() (interface{}, error) {
		return s.primary.ListActive(ctx)
	})
	if err == nil {
		return res.([]string), nil
	}
	return s.fallback.ListActive(ctx)
}

func (s *FallbackStore) ListFailures(ctx context.Context, batchID string, offset, limit int) ([]FailureRecord, int, error) {
	type page struct {
		records []FailureRecord
		total   int
	}
	var res, err = s.breaker.Execute(func() (interface{}, error) {
		var records, total, err = s.primary.ListFailures(ctx, batchID, offset, limit)
		if err != nil {
			return nil, err
		}
		return page{records, total}, nil
	})
	if err == nil {
		var p = res.(page)
		return p.records, p.total, nil
	}
	return s.fallback.ListFailures(ctx, batchID, offset, limit)
}

func (s *FallbackStore) ListDLT(ctx context.Context, topic string, limit int) ([]DLTRecord, error) {
	var res, err = s.breaker.Execute(func() (interface{}, error) {
		return s.primary.ListDLT(ctx, topic, limit)
	})
	if err == nil {
		return res.([]DLTRecord), nil
	}
	return s.fallback.ListDLT(ctx, topic, limit)
}
