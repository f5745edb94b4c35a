// Package api is the HTTP surface: multipart bulk submission, read-only
// batch queries over the tracking store, and single-ticket CRUD.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/tickethq/bulkstream/bulkerr"
	"github.com/tickethq/bulkstream/ingest"
	"github.com/tickethq/bulkstream/model"
	"github.com/tickethq/bulkstream/parse"
	"github.com/tickethq/bulkstream/tracking"
)

const (
	defaultFailurePageSize = 50
	maxFailurePageSize     = 500
	defaultDLTLimit        = 100
)

// Submitter accepts one parsed upload.
type Submitter interface {
	Submit(ctx context.Context, sub parse.Submission, uploadedBy string) (*ingest.Acceptance, error)
}

// Tickets is the single-ticket surface backed by ticket.Service.
type Tickets interface {
	Create(ctx context.Context, rec model.Record) (*model.Ticket, error)
	GetByID(ctx context.Context, id int64) (*model.Ticket, error)
	GetByNumber(ctx context.Context, number string) (*model.Ticket, error)
	UpdateStatus(ctx context.Context, id int64, next model.Status) (*model.Ticket, error)
	Delete(ctx context.Context, id int64) error
}

// Server carries the handler dependencies.
type Server struct {
	submitter   Submitter
	store       tracking.Store
	tickets     Tickets
	maxFileSize int64
}

// NewServer builds the HTTP surface. A zero maxFileSize uses the parser
// default.
func NewServer(submitter Submitter, store tracking.Store, tickets Tickets, maxFileSize int64) *Server {
	if maxFileSize <= 0 {
		maxFileSize = parse.DefaultMaxFileSize
	}
	return &Server{submitter: submitter, store: store, tickets: tickets, maxFileSize: maxFileSize}
}

// Router wires every route.
func (s *Server) Router() chi.Router {
	var r = chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api/tickets", func(r chi.Router) {
		r.Route("/bulk", func(r chi.Router) {
			r.Post("/upload", s.handleUpload)
			r.Get("/status/{batchID}", s.handleStatus)
			r.Get("/failures/{batchID}", s.handleFailures)
			r.Get("/active", s.handleActive)
			r.Post("/cancel/{batchID}", s.handleCancel)
			r.Get("/dlt", s.handleDLT)
			r.Post("/dlt/reprocess/{id}", s.handleDLTReprocess)
		})

		r.Post("/", s.handleCreateTicket)
		r.Get("/{id}", s.handleGetTicket)
		r.Get("/number/{number}", s.handleGetTicketByNumber)
		r.Patch("/{id}/status", s.handleUpdateStatus)
		r.Delete("/{id}", s.handleDeleteTicket)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var started = time.Now()
		var ww = middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": ww.Status(),
			"took":   time.Since(started),
		}).Debug("request handled")
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Slack over the file limit for the multipart framing and form fields.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxFileSize+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, bulkerr.Newf(bulkerr.InvalidFileFormat, "file exceeds %d bytes", s.maxFileSize))
			return
		}
		writeError(w, bulkerr.Wrap(bulkerr.InvalidFileFormat, err, "missing multipart field 'file'"))
		return
	}
	defer file.Close()

	if header.Size > s.maxFileSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody(
			bulkerr.Newf(bulkerr.InvalidFileFormat, "file size %d exceeds limit %d", header.Size, s.maxFileSize)))
		return
	}

	acc, err := s.submitter.Submit(r.Context(), parse.Submission{
		Filename: header.Filename,
		Size:     header.Size,
		Reader:   file,
	}, r.FormValue("uploadedBy"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acc)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.Get(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	var batchID = chi.URLParam(r, "batchID")
	var page = queryInt(r, "page", 0)
	var size = queryInt(r, "size", defaultFailurePageSize)
	if page < 0 {
		page = 0
	}
	if size <= 0 || size > maxFailurePageSize {
		size = defaultFailurePageSize
	}

	failures, total, err := s.store.ListFailures(r.Context(), batchID, page*size, size)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batchId":  batchID,
		"page":     page,
		"size":     size,
		"total":    total,
		"failures": emptyIfNil(failures),
	})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	batches, err := s.store.ListActive(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activeBatches": emptyIfNil(batches)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var batchID = chi.URLParam(r, "batchID")
	var reason = r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled via API"
	}
	if err := s.store.Cancel(r.Context(), batchID, reason); err != nil {
		writeError(w, err)
		return
	}
	// Cancellation is advisory: chunks already being processed finish.
	writeJSON(w, http.StatusOK, map[string]any{
		"batchId":  batchID,
		"status":   string(tracking.StatusCancelled),
		"advisory": true,
	})
}

func (s *Server) handleDLT(w http.ResponseWriter, r *http.Request) {
	var topic = r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, bulkerr.Newf(bulkerr.InvalidRowData, "query parameter 'topic' is required"))
		return
	}
	records, err := s.store.ListDLT(r.Context(), topic, queryInt(r, "limit", defaultDLTLimit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "records": emptyIfNil(records)})
}

func (s *Server) handleDLTReprocess(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotImplemented, map[string]any{
		"message": "dead-letter reprocessing is not implemented; replay via the origin topic",
		"id":      chi.URLParam(r, "id"),
	})
}

type createTicketRequest struct {
	TicketNumber string `json:"ticketNumber"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Status       string `json:"status"`
	Priority     string `json:"priority"`
	CustomerID   int64  `json:"customerId"`
	AssignedTo   *int64 `json:"assignedTo"`
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, bulkerr.Wrap(bulkerr.InvalidRowData, err, "decoding request body"))
		return
	}
	if req.TicketNumber == "" || req.Title == "" || req.CustomerID <= 0 {
		writeError(w, bulkerr.Newf(bulkerr.InvalidRowData,
			"ticketNumber, title and a positive customerId are required"))
		return
	}

	var rec = model.Record{
		TicketNumber: req.TicketNumber,
		Title:        req.Title,
		Description:  req.Description,
		CustomerID:   req.CustomerID,
		AssignedTo:   req.AssignedTo,
	}
	if req.Status != "" {
		status, ok := model.ParseStatus(req.Status)
		if !ok {
			writeError(w, bulkerr.Newf(bulkerr.InvalidRowData, "unknown status %q", req.Status))
			return
		}
		rec.Status = status
	}
	if req.Priority != "" {
		priority, ok := model.ParsePriority(req.Priority)
		if !ok {
			writeError(w, bulkerr.Newf(bulkerr.InvalidPriority, "unknown priority %q", req.Priority))
			return
		}
		rec.Priority = priority
	}

	created, err := s.tickets.Create(r.Context(), rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, bulkerr.Newf(bulkerr.InvalidRowData, "invalid ticket id"))
		return
	}
	t, err := s.tickets.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetTicketByNumber(w http.ResponseWriter, r *http.Request) {
	t, err := s.tickets.GetByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, bulkerr.Newf(bulkerr.InvalidRowData, "invalid ticket id"))
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, bulkerr.Wrap(bulkerr.InvalidRowData, err, "decoding request body"))
		return
	}
	status, ok := model.ParseStatus(req.Status)
	if !ok {
		writeError(w, bulkerr.Newf(bulkerr.InvalidRowData, "unknown status %q", req.Status))
		return
	}

	t, err := s.tickets.UpdateStatus(r.Context(), id, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, bulkerr.Newf(bulkerr.InvalidRowData, "invalid ticket id"))
		return
	}
	if err := s.tickets.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, name string, fallback int) int {
	var raw = r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
