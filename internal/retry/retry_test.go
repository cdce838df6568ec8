package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"

	"coremachine/internal/models"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), ClassRetryable},
		{"net timeout", timeoutErr{}, ClassRetryable},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), ClassRetryable},
		{"unexpected eof", io.ErrUnexpectedEOF, ClassRetryable},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, ClassRetryable},
		{"pg connection", &pgconn.PgError{Code: "08006"}, ClassRetryable},
		{"pg unique", &pgconn.PgError{Code: "23505"}, ClassPermanent},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, ClassRetryable},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, ClassPermanent},
		{"contract violation", fmt.Errorf("stage 9: %w", models.ErrContractViolation), ClassPermanent},
		{"explicit transient", Transient(errors.New("upstream 503")), ClassRetryable},
		{"explicit permanent wins", Permanent(context.DeadlineExceeded), ClassPermanent},
		{"unknown", errors.New("boom"), ClassPermanent},
		{"nil", nil, ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestPolicyDecide(t *testing.T) {
	p := Policy{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	transient := Transient(errors.New("flaky"))

	d := p.Decide(transient, 0)
	assert.True(t, d.Retry)
	assert.Equal(t, time.Second, d.Delay)

	d = p.Decide(transient, 1)
	assert.True(t, d.Retry)
	assert.Equal(t, 2*time.Second, d.Delay)

	d = p.Decide(transient, 2)
	assert.False(t, d.Retry, "ceiling reached")
	assert.Equal(t, ClassPermanent, d.Class)

	d = p.Decide(errors.New("bad input"), 0)
	assert.False(t, d.Retry)
	assert.Equal(t, ClassPermanent, d.Class)
}

func TestBackoffIsCapped(t *testing.T) {
	p := Policy{MaxRetries: 100, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 10*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(90))
	assert.Zero(t, Policy{}.Backoff(2))
}

func TestWrappersKeepCause(t *testing.T) {
	cause := errors.New("cause")
	assert.ErrorIs(t, Transient(cause), cause)
	assert.ErrorIs(t, Permanent(cause), cause)
	assert.NoError(t, Transient(nil))
}
