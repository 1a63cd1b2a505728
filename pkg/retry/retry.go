// Package retry provides the exponential-backoff retry helper every
// provisioning/termination step uses internally, generalized from the
// teacher's test-framework retry helper into production code.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Classifier tells Do whether an error is worth retrying. Errors for which
// Classifier returns false abort the retry loop immediately.
type Classifier func(err error) bool

// AlwaysRetry treats every non-nil error as retriable.
func AlwaysRetry(error) bool { return true }

// Do retries operation up to attempts times with exponential backoff
// starting at initialDelay and doubling each time, stopping early if
// classify reports the error as non-retriable or ctx is canceled.
func Do(ctx context.Context, attempts int, initialDelay time.Duration, classify Classifier, operation func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if classify == nil {
		classify = AlwaysRetry
	}

	var err error
	delay := initialDelay

	for i := 0; i < attempts; i++ {
		err = operation(ctx)
		if err == nil {
			return nil
		}
		if !classify(err) {
			return err
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
				delay = delay * 2
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
}
