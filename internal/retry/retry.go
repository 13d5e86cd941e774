// Package retry classifies failures from external collaborators and the
// persistent store, and runs operations under a bounded backoff loop.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy bounds a retry loop. The delay before attempt n (1-based) is
// BaseDelay * n, plus up to one BaseDelay of random jitter when the failure
// was store lock contention, so parked workers don't collide again in step.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy matches the engine's defaults for remote calls.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
}

// Backoff returns the delay to sleep after a failed attempt (1-based).
func (p Policy) Backoff(attempt int, contended bool) time.Duration {
	d := p.BaseDelay * time.Duration(attempt)
	if contended {
		d += time.Duration(rand.Int63n(int64(p.BaseDelay) + 1))
	}
	return d
}

// Do runs op up to p.MaxAttempts times. Permanent and Unexpected failures
// abort immediately. If every attempt fails with a Transient error, the last
// error is surfaced as Transient so the caller can defer the unit of work to
// the next cycle.
func Do(ctx context.Context, p Policy, op func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if ClassifyKind(err) != Transient {
			return err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return NewTransient("retry interrupted", ctx.Err())
		case <-time.After(p.Backoff(attempt, IsLockContention(lastErr))):
		}
	}

	return NewTransient(fmt.Sprintf("giving up after %d attempts", p.MaxAttempts), lastErr)
}
