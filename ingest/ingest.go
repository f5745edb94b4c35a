// Package ingest composes parsing and chunked publishing for one
// submission, returning the minted batch id promptly while processing
// continues behind the durable log.
package ingest

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tickethq/bulkstream/bulkerr"
	"github.com/tickethq/bulkstream/model"
	"github.com/tickethq/bulkstream/parse"
	"github.com/tickethq/bulkstream/produce"
)

// DefaultUploadedBy is assumed when the submitter does not identify itself.
const DefaultUploadedBy = "system"

// Publisher is the slice of produce.Producer the orchestrator uses.
type Publisher interface {
	Publish(ctx context.Context, records []model.Record, uploadedBy, filename string) (*produce.Receipt, error)
}

// Acceptance is the synchronous answer to an accepted submission.
type Acceptance struct {
	BatchID      string        `json:"batchId"`
	Status       string        `json:"status"`
	TotalRecords int           `json:"totalRecords"`
	TotalChunks  int           `json:"totalChunks"`
	AcceptedAt   time.Time     `json:"acceptedAt"`
	StatusURL    string        `json:"statusUrl"`
	FailuresURL  string        `json:"failuresUrl"`
	Report       *parse.Report `json:"validationReport,omitempty"`
}

// Orchestrator ties the parser to the producer.
type Orchestrator struct {
	parser    *parse.Parser
	publisher Publisher
}

func NewOrchestrator(parser *parse.Parser, publisher Publisher) *Orchestrator {
	return &Orchestrator{parser: parser, publisher: publisher}
}

// Submit validates the uploaded file and publishes its chunks. Validation
// failures surface with their taxonomy code for the transport layer to map;
// a submission whose rows all failed validation is an empty file as far as
// the caller is concerned.
func (o *Orchestrator) Submit(ctx context.Context, sub parse.Submission, uploadedBy string) (*Acceptance, error) {
	if uploadedBy == "" {
		uploadedBy = DefaultUploadedBy
	}

	records, report, err := o.parser.Parse(sub)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, bulkerr.Newf(bulkerr.EmptyFile, "no valid records in %s", sub.Filename)
	}

	receipt, err := o.publisher.Publish(ctx, records, uploadedBy, sub.Filename)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"batch":      receipt.BatchID,
		"records":    receipt.TotalRecords,
		"chunks":     receipt.TotalChunks,
		"uploadedBy": uploadedBy,
		"file":       sub.Filename,
	}).Info("submission accepted")

	return &Acceptance{
		BatchID:      receipt.BatchID,
		Status:       "ACCEPTED",
		TotalRecords: receipt.TotalRecords,
		TotalChunks:  receipt.TotalChunks,
		AcceptedAt:   receipt.AcceptedAt,
		StatusURL:    "/api/tickets/bulk/status/" + receipt.BatchID,
		FailuresURL:  "/api/tickets/bulk/failures/" + receipt.BatchID,
		Report:       report,
	}, nil
}
