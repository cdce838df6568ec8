// Package retry decides whether a failed task runs again.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"coremachine/internal/models"
)

// Class is the outcome of classifying a failure.
type Class string

const (
	ClassRetryable Class = "RETRYABLE"
	ClassPermanent Class = "PERMANENT"
)

type classified struct {
	err   error
	class Class
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassRetryable}
}

// Permanent marks err as final.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassPermanent}
}

// Classify maps a failure to ClassRetryable or ClassPermanent. Unknown failures
// are permanent.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	if errors.Is(err, models.ErrContractViolation) || errors.Is(err, models.ErrValidation) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassRetryable
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ETIMEDOUT) {
		return ClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetryable
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPgCode(pgErr.Code)
	}

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		if sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked {
			return ClassRetryable
		}
		return ClassPermanent
	}

	return ClassPermanent
}

// classifyPgCode treats serialization failures, deadlocks, lock timeouts,
// connection exhaustion and connection exceptions as transient.
func classifyPgCode(code string) Class {
	switch code {
	case "40001", "40P01", "55P03", "53300", "57P03":
		return ClassRetryable
	}
	if strings.HasPrefix(code, "08") {
		return ClassRetryable
	}
	return ClassPermanent
}
