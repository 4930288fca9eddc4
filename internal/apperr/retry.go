package apperr

import (
	"context"
	"time"
)

// RetryPolicy bounds automatic retries of upstream failures.
type RetryPolicy struct {
	Attempts int           // extra attempts after the first call
	Backoff  time.Duration // first delay, doubled after each failure
}

// Do runs fn until it succeeds, returns a non-retryable error, runs out of
// attempts, or ctx is done.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	delay := p.Backoff
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !Retryable(err) || attempt >= p.Attempts {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay *= 2
	}
}
