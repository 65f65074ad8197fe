// Package retry provides exponential backoff with jitter shared by the sync
// manager and the message publisher.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/septivank/meter-reconciliation/internal/apperr"
)

// Policy configures retry spacing and the attempt budget
type Policy struct {
	MaxAttempts  int           // total attempts including the first
	InitialDelay time.Duration // delay before the second attempt
	Multiplier   float64       // growth factor per attempt
	MaxDelay     time.Duration // cap applied after jitter
	Jitter       float64       // fraction of the delay added or removed at random, e.g. 0.2 = ±20%
}

// DefaultPolicy returns the policy used for batch uploads
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		Jitter:       0.2,
	}
}

// randFloat is replaced in tests
var randFloat = rand.Float64

// Delay returns the wait before retry number attempt (0-based: attempt 0 is the
// wait after the first failure).
func (p Policy) Delay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	backoff := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt))

	if p.Jitter > 0 {
		backoff *= 1 - p.Jitter + 2*p.Jitter*randFloat()
	}

	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	return time.Duration(backoff)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(ctx, attempt)
		if err == nil || !apperr.IsRetryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		if sleepErr := Sleep(ctx, p.Delay(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
