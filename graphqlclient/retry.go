package graphqlclient

import (
	"context"
	"fmt"
	"time"
)

// retryWithBackoff executes fn with exponential backoff on failure: 100ms,
// 200ms, 400ms... capped at 5s. Kept private to this package rather than
// shared with server, which depends on graphqlclient for login/session/query
// calls and would form an import cycle.
func retryWithBackoff(ctx context.Context, maxRetries int, fn func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		delay := time.Duration(100<<uint(i)) * time.Millisecond
		if delay > 5*time.Second {
			delay = 5 * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("after %d retries: %w", maxRetries, err)
}
