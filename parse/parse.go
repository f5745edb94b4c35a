// Package parse decodes and validates bulk ticket submissions. The input is
// a delimited UTF-8 file with a header row; the output is an ordered list of
// validated records plus a report of per-row errors.
package parse

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/tickethq/bulkstream/bulkerr"
	"github.com/tickethq/bulkstream/model"
)

// Limits configure the parser. Zero values fall back to the defaults.
type Limits struct {
	MaxFileSize int64 // bytes
	MaxRecords  int
	MaxTitleLen int
	MaxDescLen  int
	MaxKeyLen   int
}

const (
	DefaultMaxFileSize = 10 << 20 // 10 MiB
	DefaultMaxRecords  = 10_000

	maxTitleLen = 255
	maxDescLen  = 5000
	maxKeyLen   = 50
)

// Submission is one uploaded file.
type Submission struct {
	Filename string
	Size     int64
	Reader   io.Reader
}

// RowError describes one rejected or adjusted row.
type RowError struct {
	Line    int    `json:"line"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// Report summarises a parse run.
type Report struct {
	RowsSeen  int        `json:"rowsSeen"`
	Accepted  int        `json:"accepted"`
	RowErrors []RowError `json:"rowErrors,omitempty"`
}

var requiredColumns = []string{"ticketnumber", "title", "customerid"}

// Parser validates submissions against its limits.
type Parser struct {
	limits Limits
}

// NewParser builds a Parser, filling unset limits with defaults.
func NewParser(limits Limits) *Parser {
	if limits.MaxFileSize <= 0 {
		limits.MaxFileSize = DefaultMaxFileSize
	}
	if limits.MaxRecords <= 0 {
		limits.MaxRecords = DefaultMaxRecords
	}
	if limits.MaxTitleLen <= 0 {
		limits.MaxTitleLen = maxTitleLen
	}
	if limits.MaxDescLen <= 0 {
		limits.MaxDescLen = maxDescLen
	}
	if limits.MaxKeyLen <= 0 {
		limits.MaxKeyLen = maxKeyLen
	}
	return &Parser{limits: limits}
}

// Parse runs the full validation pipeline over a submission. Rows that fail
// validation are dropped and reported; the whole submission fails only on
// the pre-read checks, a missing header, the bulk-reject rule, or the
// record-count cap.
func (p *Parser) Parse(sub Submission) ([]model.Record, *Report, error) {
	if err := p.preChecks(sub); err != nil {
		return nil, nil, err
	}

	var reader = csv.NewReader(sub.Reader)
	reader.FieldsPerRecord = -1 // rows may omit trailing optional columns
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF || (err == nil && len(header) == 0) {
		return nil, nil, bulkerr.Newf(bulkerr.EmptyFile, "file %q has no header row", sub.Filename)
	} else if err != nil {
		return nil, nil, bulkerr.Wrap(bulkerr.InvalidFileFormat, err, "reading header")
	}

	columns, err := indexColumns(header)
	if err != nil {
		return nil, nil, err
	}

	var (
		report  = &Report{}
		records []model.Record
		seen    = map[string]struct{}{}
		line    = 1
	)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			report.RowErrors = append(report.RowErrors, RowError{
				Line: line, Field: "row", Message: fmt.Sprintf("malformed row: %v", err),
			})
			report.RowsSeen++
			continue
		}
		report.RowsSeen++

		rec, ok := p.parseRow(row, columns, line, seen, report)
		if ok {
			records = append(records, rec)
			seen[rec.TicketNumber] = struct{}{}
		}
	}

	log.WithFields(log.Fields{
		"file":     sub.Filename,
		"rows":     report.RowsSeen,
		"accepted": len(records),
		"errors":   len(report.RowErrors),
	}).Info("parsed bulk submission")

	// Bulk-reject: too many row errors means the file itself is suspect.
	if threshold := bulkRejectThreshold(report.RowsSeen); len(report.RowErrors) > threshold {
		return nil, report, bulkerr.Newf(bulkerr.InvalidFileFormat,
			"too many validation errors (%d of %d rows)", len(report.RowErrors), report.RowsSeen)
	}

	if len(records) > p.limits.MaxRecords {
		return nil, report, bulkerr.Newf(bulkerr.BatchSizeExceeded,
			"batch size %d exceeds maximum %d", len(records), p.limits.MaxRecords)
	}

	report.Accepted = len(records)
	return records, report, nil
}

func (p *Parser) preChecks(sub Submission) error {
	if sub.Size == 0 {
		return bulkerr.Newf(bulkerr.EmptyFile, "file %q is empty", sub.Filename)
	}
	var name = strings.ToLower(sub.Filename)
	if !strings.HasSuffix(name, ".csv") && !strings.HasSuffix(name, ".txt") {
		return bulkerr.Newf(bulkerr.InvalidFileFormat,
			"file %q has unsupported extension (want .csv or .txt)", sub.Filename)
	}
	if sub.Size > p.limits.MaxFileSize {
		return bulkerr.Newf(bulkerr.InvalidFileFormat,
			"file size %d exceeds maximum %d bytes", sub.Size, p.limits.MaxFileSize)
	}
	return nil
}

// bulkRejectThreshold is max(10, 0.5 × rows).
func bulkRejectThreshold(rows int) int {
	if half := rows / 2; half > 10 {
		return half
	}
	return 10
}

// indexColumns normalises header names (lower-cased, spaces and underscores
// stripped) and checks the required set.
func indexColumns(header []string) (map[string]int, error) {
	var columns = make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		name = strings.ReplaceAll(name, " ", "")
		name = strings.ReplaceAll(name, "_", "")
		columns[name] = i
	}

	var missing []string
	for _, required := range requiredColumns {
		if _, ok := columns[required]; !ok {
			missing = append(missing, required)
		}
	}
	if len(missing) != 0 {
		return nil, bulkerr.Newf(bulkerr.MissingRequiredColumns,
			"missing required columns: %s", strings.Join(missing, ", "))
	}
	return columns, nil
}

// parseRow validates one data row. Rejections and adjustments are appended
// to the report; a rejected row returns ok=false.
func (p *Parser) parseRow(row []string, columns map[string]int, line int,
	seen map[string]struct{}, report *Report) (model.Record, bool) {

	var reject = func(field, message, value string) (model.Record, bool) {
		report.RowErrors = append(report.RowErrors, RowError{
			Line: line, Field: field, Message: message, Value: value,
		})
		return model.Record{}, false
	}

	var ticketNumber = cell(row, columns, "ticketnumber")
	if ticketNumber == "" {
		return reject("ticketNumber", "ticket number is required", "")
	}
	if len(ticketNumber) > p.limits.MaxKeyLen {
		return reject("ticketNumber", fmt.Sprintf("ticket number exceeds %d characters", p.limits.MaxKeyLen), ticketNumber)
	}
	if _, dup := seen[ticketNumber]; dup {
		return reject("ticketNumber", "duplicate ticket number in file", ticketNumber)
	}

	var title = cell(row, columns, "title")
	if title == "" {
		return reject("title", "title is required", "")
	}
	if len(title) > p.limits.MaxTitleLen {
		return reject("title", fmt.Sprintf("title exceeds %d characters", p.limits.MaxTitleLen), strconv.Itoa(len(title)))
	}

	var customerRaw = cell(row, columns, "customerid")
	if customerRaw == "" {
		return reject("customerId", "customer ID is required", "")
	}
	customerID, err := strconv.ParseInt(customerRaw, 10, 64)
	if err != nil || customerID <= 0 {
		return reject("customerId", "invalid customer ID", customerRaw)
	}

	var description = cell(row, columns, "description")
	if len(description) > p.limits.MaxDescLen {
		description = description[:p.limits.MaxDescLen]
	}

	// Invalid enum values keep the row; the default applies and the error is
	// reported.
	var status = model.StatusOpen
	if raw := cell(row, columns, "status"); raw != "" {
		if parsed, ok := model.ParseStatus(raw); ok {
			status = parsed
		} else {
			report.RowErrors = append(report.RowErrors, RowError{
				Line: line, Field: "status", Message: "invalid status value, using default", Value: raw,
			})
		}
	}

	var priority = model.PriorityMedium
	if raw := cell(row, columns, "priority"); raw != "" {
		if parsed, ok := model.ParsePriority(raw); ok {
			priority = parsed
		} else {
			report.RowErrors = append(report.RowErrors, RowError{
				Line: line, Field: "priority", Message: "invalid priority value, using default", Value: raw,
			})
		}
	}

	var assignedTo *int64
	if raw := cell(row, columns, "assignedto"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			assignedTo = &id
		}
		// Unparseable assignee is dropped, not rejected.
	}

	return model.Record{
		TicketNumber: ticketNumber,
		Title:        title,
		Description:  description,
		Status:       status,
		Priority:     priority,
		CustomerID:   customerID,
		AssignedTo:   assignedTo,
	}, true
}

// cell fetches a trimmed column value, or "" when the column is absent or
// the row is short.
func cell(row []string, columns map[string]int, name string) string {
	index, ok := columns[name]
	if !ok || index >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[index])
}
