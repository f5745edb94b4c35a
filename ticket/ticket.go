// Package ticket persists individual tickets and keeps the read cache
// coherent through the post-commit event bus. The bulk consumer drives it
// one record at a time through the Processor contract.
package ticket

import (
	"context"
	"time"

	"github.com/tickethq/bulkstream/model"
)

// Processor is the per-record contract the bulk consumer calls. Errors carry
// a failure code from the closed taxonomy so the consumer can classify them
// without knowing persistence internals.
type Processor interface {
	ProcessRecord(ctx context.Context, rec model.Record) (*model.Ticket, error)
}

// transitions is the allowed next-status set per current status. CANCELLED
// is absorbing.
var transitions = map[model.Status][]model.Status{
	model.StatusOpen:       {model.StatusInProgress, model.StatusPending, model.StatusOnHold, model.StatusCancelled, model.StatusResolved},
	model.StatusInProgress: {model.StatusPending, model.StatusOnHold, model.StatusResolved, model.StatusCancelled},
	model.StatusPending:    {model.StatusInProgress, model.StatusOnHold, model.StatusResolved, model.StatusCancelled},
	model.StatusOnHold:     {model.StatusInProgress, model.StatusPending, model.StatusCancelled},
	model.StatusResolved:   {model.StatusClosed, model.StatusReopened},
	model.StatusClosed:     {model.StatusReopened},
	model.StatusReopened:   {model.StatusInProgress, model.StatusPending, model.StatusOnHold, model.StatusResolved, model.StatusCancelled},
	model.StatusCancelled:  {},
}

// CanTransition reports whether a ticket may move from one status to
// another.
func CanTransition(from, to model.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// slaWindow maps priority to the resolution window used for the SLA due
// date. Unknown priorities get the MEDIUM window.
var slaWindow = map[model.Priority]time.Duration{
	model.PriorityCritical: 4 * time.Hour,
	model.PriorityHigh:     8 * time.Hour,
	model.PriorityMedium:   24 * time.Hour,
	model.PriorityLow:      72 * time.Hour,
}

// SLADue computes the SLA due date for a ticket created at the given time.
func SLADue(priority model.Priority, createdAt time.Time) time.Time {
	var window, ok = slaWindow[priority]
	if !ok {
		window = slaWindow[model.PriorityMedium]
	}
	return createdAt.Add(window)
}
