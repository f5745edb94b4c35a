package bulkerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// Error is a failure tagged with a taxonomy Code and optional batch scope.
// It wraps the underlying cause, so errors.Is/As see through it.
type Error struct {
	Code    Code
	Message string
	BatchID string
	Chunk   int // chunk index, or -1 when not chunk-scoped
	Cause   error
}

// New builds an Error with the code's canonical description as message.
func New(code Code) *Error {
	return &Error{Code: code, Message: code.Description(), Chunk: -1}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Chunk: -1}
}

// Wrap tags an underlying error with a code. A nil cause yields nil.
func Wrap(code Code, cause error, message string) *Error {
	if cause == nil && message == "" {
		return nil
	}
	if message == "" {
		message = cause.Error()
	}
	return &Error{Code: code, Message: message, Chunk: -1, Cause: cause}
}

// WithBatch returns a copy scoped to a batch and chunk.
func (e *Error) WithBatch(batchID string, chunk int) *Error {
	var out = *e
	out.BatchID = batchID
	out.Chunk = chunk
	return &out
}

func (e *Error) Error() string {
	if e.BatchID != "" {
		return fmt.Sprintf("%s [%s batch=%s chunk=%d]", e.Message, e.Code, e.BatchID, e.Chunk)
	}
	return fmt.Sprintf("%s [%s]", e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports the retryability of the Error's code.
func (e *Error) Retryable() bool { return e.Code.Retryable() }

// CodeOf extracts the taxonomy code of err. Errors without an explicit tag
// are classified by Classify.
func CodeOf(err error) Code {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return Classify(err)
}

// Retryable reports whether err may succeed on redelivery, per its code.
func Retryable(err error) bool {
	return CodeOf(err).Retryable()
}

// Classify maps an untagged error onto the taxonomy. Known error kinds are
// matched first; otherwise the message is scanned for hints. A nil error
// classifies as UnknownError.
func Classify(err error) Code {
	if err == nil {
		return UnknownError
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return TimeoutError
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe):
		return IOError
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return IOError
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return IOError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return TimeoutError
		}
		return IOError
	}

	var msg = strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate"):
		return DuplicateTicket
	case strings.Contains(msg, "validation"):
		return InvalidRowData
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return TimeoutError
	case strings.Contains(msg, "redis"):
		return RedisError
	case strings.Contains(msg, "kafka"), strings.Contains(msg, "broker"):
		return KafkaBrokerUnavailable
	case strings.Contains(msg, "out of memory"):
		return MemoryError
	case strings.Contains(msg, "nil request"), strings.Contains(msg, "null"):
		return NullRequest
	}
	return UnknownError
}
