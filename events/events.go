// Package events is the process-local post-commit bus that keeps the ticket
// read cache coherent with the database. Events published inside a unit of
// work are buffered and delivered to subscribers only after the work commits;
// a rollback delivers a single Rolledback event instead.
package events

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/tickethq/bulkstream/model"
)

// Kind discriminates the events a unit of work can publish.
type Kind string

const (
	KindCreated      Kind = "CREATED"
	KindUpdated      Kind = "UPDATED"
	KindDeleted      Kind = "DELETED"
	KindCacheHydrate Kind = "CACHE_HYDRATE"
	KindRolledback   Kind = "ROLLEDBACK"
)

// Event is one bus message. Snapshot is set for Created, Updated and
// CacheHydrate; Deleted carries the identifiers only.
type Event struct {
	Kind         Kind
	TicketID     int64
	TicketNumber string
	Snapshot     *model.Ticket
	// Meta annotates Rolledback events with the reason the work was
	// abandoned.
	Meta string
}

// Subscriber receives committed events. Implementations must tolerate any
// event ordering across units of work and must not treat their own failures
// as fatal: a panicking subscriber is recovered and logged, never propagated
// to the committer.
type Subscriber interface {
	Notify(evt Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(evt Event)

func (f SubscriberFunc) Notify(evt Event) { f(evt) }

// Bus fans committed events out to its subscribers. Safe for concurrent use;
// subscribers registered after a Tx begins still receive its events if they
// register before the commit.
type Bus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers sub for all future deliveries.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
}

// deliver invokes every subscriber in registration order, isolating panics.
func (b *Bus) deliver(evt Event) {
	b.mu.RLock()
	var subs = b.subs
	b.mu.RUnlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(log.Fields{
						"kind":  evt.Kind,
						"panic": r,
					}).Error("event subscriber panicked")
				}
			}()
			sub.Notify(evt)
		}()
	}
}

// Begin opens an event buffer bound to one unit of work.
func (b *Bus) Begin() *Tx {
	return &Tx{bus: b}
}

// Tx buffers events until the enclosing unit of work resolves. Not safe for
// concurrent use; a unit of work runs on a single goroutine.
type Tx struct {
	bus     *Bus
	pending []Event
	done    bool
}

// Publish queues evt for delivery on commit. Publishing after the Tx has
// resolved is a bug and is dropped with a log line.
func (t *Tx) Publish(evt Event) {
	if t.done {
		log.WithField("kind", evt.Kind).Warn("event published after unit of work resolved, dropping")
		return
	}
	t.pending = append(t.pending, evt)
}

// Commit delivers the buffered events in publish order. Events from
// concurrently committing units of work may interleave.
func (t *Tx) Commit() {
	if t.done {
		return
	}
	t.done = true
	for _, evt := range t.pending {
		t.bus.deliver(evt)
	}
	t.pending = nil
}

// Rollback discards the buffered events and delivers a single Rolledback
// event describing the abandoned work.
func (t *Tx) Rollback(meta string) {
	if t.done {
		return
	}
	t.done = true
	var dropped = len(t.pending)
	t.pending = nil
	if dropped > 0 {
		log.WithFields(log.Fields{"events": dropped, "meta": meta}).
			Debug("unit of work rolled back, events discarded")
	}
	t.bus.deliver(Event{Kind: KindRolledback, Meta: meta})
}
