package retry

import "time"

// Policy bounds retries of ClassRetryable failures with exponential backoff.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy is used when configuration leaves retry settings empty.
var DefaultPolicy = Policy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}

// Decision tells the orchestrator what to do with a failed task.
type Decision struct {
	Retry bool
	Delay time.Duration
	Class Class
}

// Decide classifies err for a task that has already been retried retryCount
// times. Retryable failures past MaxRetries escalate to ClassPermanent.
func (p Policy) Decide(err error, retryCount int) Decision {
	class := Classify(err)
	if class != ClassRetryable {
		return Decision{Class: ClassPermanent}
	}
	if retryCount >= p.MaxRetries {
		return Decision{Class: ClassPermanent}
	}
	return Decision{Retry: true, Delay: p.Backoff(retryCount), Class: ClassRetryable}
}

// Backoff returns BaseDelay * 2^attempt capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	backoff := p.BaseDelay * time.Duration(1<<attempt)
	if p.MaxDelay > 0 && (backoff > p.MaxDelay || backoff <= 0) {
		backoff = p.MaxDelay
	}
	return backoff
}
