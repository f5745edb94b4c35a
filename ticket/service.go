package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"

	"github.com/tickethq/bulkstream/bulkerr"
	"github.com/tickethq/bulkstream/events"
	"github.com/tickethq/bulkstream/model"
)

// ErrNotFound is returned by reads of a ticket that does not exist.
var ErrNotFound = errors.New("ticket: not found")

// DB is the slice of pgxpool.Pool the service uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DefaultCallTimeout bounds each database round trip made on behalf of one
// record.
const DefaultCallTimeout = 10 * time.Second

// Service persists tickets and publishes cache events once the enclosing
// transaction commits. It implements Processor for the bulk consumer.
type Service struct {
	db          DB
	cache       *Cache
	bus         *events.Bus
	callTimeout time.Duration
}

// NewService wires persistence, cache and bus together. The cache may be
// nil; reads then always go to the database.
func NewService(db DB, cache *Cache, bus *events.Bus) *Service {
	if cache != nil {
		cache.Attach(bus)
	}
	return &Service{db: db, cache: cache, bus: bus, callTimeout: DefaultCallTimeout}
}

const createSQL = `
INSERT INTO tickets (ticket_number, title, description, status, priority, customer_id, assigned_to, created_at, updated_at, sla_due_date)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9)
ON CONFLICT (ticket_number) DO NOTHING
RETURNING id`

// Create inserts one ticket, keyed by its ticket number. A number that
// already exists fails with DUPLICATE_TICKET; the insert itself never
// overwrites, so concurrent creates of the same number resolve to exactly
// one row.
func (s *Service) Create(ctx context.Context, rec model.Record) (*model.Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	var now = time.Now().UTC()
	var t = model.Ticket{
		TicketNumber: rec.TicketNumber,
		Title:        rec.Title,
		Description:  rec.Description,
		Status:       rec.Status,
		Priority:     rec.Priority,
		CustomerID:   rec.CustomerID,
		AssignedTo:   rec.AssignedTo,
		CreatedAt:    now,
		UpdatedAt:    now,
		SLADueDate:   SLADue(rec.Priority, now),
	}
	if t.Status == "" {
		t.Status = model.StatusOpen
	}
	if t.Priority == "" {
		t.Priority = model.PriorityMedium
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, bulkerr.Wrap(bulkerr.DatabaseError, err, "beginning transaction")
	}
	var evtx = s.bus.Begin()
	defer func() {
		_ = tx.Rollback(ctx)
		evtx.Rollback("create not committed")
	}()

	err = tx.QueryRow(ctx, createSQL,
		t.TicketNumber, t.Title, t.Description, string(t.Status), string(t.Priority),
		t.CustomerID, t.AssignedTo, t.CreatedAt, t.SLADueDate,
	).Scan(&t.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, bulkerr.Newf(bulkerr.DuplicateTicket, "ticket %s already exists", t.TicketNumber)
	} else if err != nil {
		return nil, classifyDBError(err, "inserting ticket")
	}

	evtx.Publish(events.Event{
		Kind:         events.KindCreated,
		TicketID:     t.ID,
		TicketNumber: t.TicketNumber,
		Snapshot:     &t,
	})
	if err = tx.Commit(ctx); err != nil {
		return nil, classifyDBError(err, "committing ticket create")
	}
	evtx.Commit()

	log.WithFields(log.Fields{
		"ticket": t.TicketNumber,
		"id":     t.ID,
	}).Debug("ticket created")
	return &t, nil
}

// ProcessRecord is the bulk consumer entry point.
func (s *Service) ProcessRecord(ctx context.Context, rec model.Record) (*model.Ticket, error) {
	return s.Create(ctx, rec)
}

const selectByIDSQL = `
SELECT id, ticket_number, title, description, status, priority, customer_id, assigned_to, created_at, updated_at, sla_due_date, resolved_at
FROM tickets WHERE id = $1`

const selectByNumberSQL = `
SELECT id, ticket_number, title, description, status, priority, customer_id, assigned_to, created_at, updated_at, sla_due_date, resolved_at
FROM tickets WHERE ticket_number = $1`

// GetByID reads through the cache; a database hit hydrates the cache via
// the bus.
func (s *Service) GetByID(ctx context.Context, id int64) (*model.Ticket, error) {
	if s.cache != nil {
		if t := s.cache.GetByID(ctx, id); t != nil {
			return t, nil
		}
	}
	return s.fetch(ctx, selectByIDSQL, id)
}

// GetByNumber reads through the cache by business key.
func (s *Service) GetByNumber(ctx context.Context, number string) (*model.Ticket, error) {
	if s.cache != nil {
		if t := s.cache.GetByNumber(ctx, number); t != nil {
			return t, nil
		}
	}
	return s.fetch(ctx, selectByNumberSQL, number)
}

func (s *Service) fetch(ctx context.Context, query string, arg any) (*model.Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	t, err := scanTicket(s.db.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, classifyDBError(err, "fetching ticket")
	}

	var evtx = s.bus.Begin()
	evtx.Publish(events.Event{
		Kind:         events.KindCacheHydrate,
		TicketID:     t.ID,
		TicketNumber: t.TicketNumber,
		Snapshot:     t,
	})
	evtx.Commit()
	return t, nil
}

const updateStatusSQL = `
UPDATE tickets SET status = $2, updated_at = $3, resolved_at = $4 WHERE id = $1`

// UpdateStatus moves a ticket along the transition table. An illegal move
// fails with INVALID_STATUS_TRANSITION and leaves the row untouched.
func (s *Service) UpdateStatus(ctx context.Context, id int64, next model.Status) (*model.Ticket, error) {
	if !next.Valid() {
		return nil, bulkerr.Newf(bulkerr.InvalidRowData, "unknown status %q", next)
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, bulkerr.Wrap(bulkerr.DatabaseError, err, "beginning transaction")
	}
	var evtx = s.bus.Begin()
	defer func() {
		_ = tx.Rollback(ctx)
		evtx.Rollback("status update not committed")
	}()

	t, err := scanTicket(tx.QueryRow(ctx, selectByIDSQL+" FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, classifyDBError(err, "locking ticket")
	}
	if !CanTransition(t.Status, next) {
		return nil, bulkerr.Newf(bulkerr.InvalidStatusTransition,
			"cannot transition ticket %s from %s to %s", t.TicketNumber, t.Status, next)
	}

	var now = time.Now().UTC()
	t.Status = next
	t.UpdatedAt = now
	if next == model.StatusResolved {
		t.ResolvedAt = &now
	}
	if _, err = tx.Exec(ctx, updateStatusSQL, t.ID, string(t.Status), t.UpdatedAt, t.ResolvedAt); err != nil {
		return nil, classifyDBError(err, "updating ticket status")
	}

	evtx.Publish(events.Event{
		Kind:         events.KindUpdated,
		TicketID:     t.ID,
		TicketNumber: t.TicketNumber,
		Snapshot:     t,
	})
	if err = tx.Commit(ctx); err != nil {
		return nil, classifyDBError(err, "committing status update")
	}
	evtx.Commit()
	return t, nil
}

// Delete removes a ticket and evicts it from the cache on commit.
func (s *Service) Delete(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return bulkerr.Wrap(bulkerr.DatabaseError, err, "beginning transaction")
	}
	var evtx = s.bus.Begin()
	defer func() {
		_ = tx.Rollback(ctx)
		evtx.Rollback("delete not committed")
	}()

	var number string
	err = tx.QueryRow(ctx, `DELETE FROM tickets WHERE id = $1 RETURNING ticket_number`, id).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return classifyDBError(err, "deleting ticket")
	}

	evtx.Publish(events.Event{
		Kind:         events.KindDeleted,
		TicketID:     id,
		TicketNumber: number,
	})
	if err = tx.Commit(ctx); err != nil {
		return classifyDBError(err, "committing ticket delete")
	}
	evtx.Commit()
	return nil
}

func scanTicket(row pgx.Row) (*model.Ticket, error) {
	var t model.Ticket
	var status, priority string
	var err = row.Scan(&t.ID, &t.TicketNumber, &t.Title, &t.Description,
		&status, &priority, &t.CustomerID, &t.AssignedTo,
		&t.CreatedAt, &t.UpdatedAt, &t.SLADueDate, &t.ResolvedAt)
	if err != nil {
		return nil, err
	}
	t.Status = model.Status(status)
	t.Priority = model.Priority(priority)
	return &t, nil
}

// classifyDBError maps a pgx failure to the taxonomy. Unique violations are
// duplicates even when they bypass the ON CONFLICT path; everything else is
// either a timeout or a database error.
func classifyDBError(err error, action string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return bulkerr.Wrap(bulkerr.DuplicateTicket, err, action)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return bulkerr.Wrap(bulkerr.TimeoutError, err, action)
	}
	return bulkerr.Wrap(bulkerr.DatabaseError, err, action)
}

// Migrate creates the tickets table and its indexes.
func Migrate(ctx context.Context, db DB) error {
	var statements = []string{
		`CREATE TABLE IF NOT EXISTS tickets (
			id            BIGSERIAL PRIMARY KEY,
			ticket_number VARCHAR(50)  NOT NULL UNIQUE,
			title         VARCHAR(255) NOT NULL,
			description   TEXT,
			status        VARCHAR(50)  NOT NULL,
			priority      VARCHAR(20)  NOT NULL,
			customer_id   BIGINT       NOT NULL,
			assigned_to   BIGINT,
			created_at    TIMESTAMPTZ  NOT NULL,
			updated_at    TIMESTAMPTZ,
			sla_due_date  TIMESTAMPTZ,
			resolved_at   TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets (status)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_customer_id ON tickets (customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_sla_due_date ON tickets (sla_due_date)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrating tickets schema: %w", err)
		}
	}
	return nil
}
