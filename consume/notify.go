package consume

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tickethq/bulkstream/tracking"
)

// Notifier announces batch completion on the notifications topic. Exactly
// one chunk completion per batch derives the terminal status, so each batch
// yields one notification. Delivery is best effort.
type Notifier struct {
	client syncProducer
	store  tracking.Store
	topic  string
}

func NewNotifier(client syncProducer, store tracking.Store, topic string) *Notifier {
	return &Notifier{client: client, store: store, topic: topic}
}

// batchNotification is the published completion summary.
type batchNotification struct {
	BatchID      string    `json:"batchId"`
	Status       string    `json:"status"`
	TotalRecords int       `json:"totalRecords"`
	SuccessCount int       `json:"successCount"`
	FailureCount int       `json:"failureCount"`
	SkippedCount int       `json:"skippedCount"`
	CompletedAt  time.Time `json:"completedAt"`
}

// BatchTerminal publishes the terminal snapshot of batchID.
func (n *Notifier) BatchTerminal(ctx context.Context, batchID string) {
	state, err := n.store.Get(ctx, batchID)
	if err != nil {
		log.WithFields(log.Fields{"batch": batchID, "err": err}).Warn("reading batch for notification")
		return
	}

	var note = batchNotification{
		BatchID:      state.BatchID,
		Status:       string(state.Status),
		TotalRecords: state.TotalRecords,
		SuccessCount: state.SuccessCount,
		FailureCount: state.FailureCount,
		SkippedCount: state.SkippedCount,
		CompletedAt:  time.Now().UTC(),
	}
	if state.EndedAt != nil {
		note.CompletedAt = *state.EndedAt
	}
	value, err := json.Marshal(note)
	if err != nil {
		log.WithFields(log.Fields{"batch": batchID, "err": err}).Warn("encoding batch notification")
		return
	}

	var record = &kgo.Record{Topic: n.topic, Key: []byte(batchID), Value: value}
	if err := n.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		log.WithFields(log.Fields{"batch": batchID, "err": err}).Warn("publishing batch notification")
		return
	}
	log.WithFields(log.Fields{"batch": batchID, "status": note.Status}).Info("batch completion notified")
}
