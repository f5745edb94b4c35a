package api

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/tickethq/bulkstream/bulkerr"
	"github.com/tickethq/bulkstream/ticket"
	"github.com/tickethq/bulkstream/tracking"
)

type errorResponse struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithField("err", err).Warn("writing response body")
	}
}

func errorBody(err error) errorResponse {
	return errorResponse{
		ErrorCode: string(bulkerr.CodeOf(err)),
		Message:   err.Error(),
		Retryable: bulkerr.Retryable(err),
	}
}

// writeError maps a failure to its HTTP status: not-found reads to 404,
// validation codes to 400, duplicates and illegal transitions to 409,
// transport and infrastructure outages to 503 with the retryable flag set.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, tracking.ErrNotFound) || errors.Is(err, ticket.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{
			ErrorCode: "NOT_FOUND",
			Message:   err.Error(),
		})
		return
	}

	var code = bulkerr.CodeOf(err)
	var status int
	switch {
	case code == bulkerr.DuplicateTicket, code == bulkerr.InvalidStatusTransition:
		status = http.StatusConflict
	case code.Class() == "V", code == bulkerr.InvalidPriority:
		status = http.StatusBadRequest
	case code.Class() == "K", code.Class() == "I" && code.Retryable():
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorBody(err))
}
