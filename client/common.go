package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// maxRateLimitRetries bounds how often a single call sleeps out a 429.
const maxRateLimitRetries = 5

func withRetries[R any](ctx context.Context, logger *slog.Logger, fn func() (R, error)) (R, error) {
	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		var rateLimitErr *ErrRateLimited
		if errors.As(err, &rateLimitErr) && attempt < maxRateLimitRetries {
			logger.Warn("Operation rate limited, sleeping", "duration", rateLimitErr.RetryAfter, "attempt", attempt+1)
			select {
			case <-time.After(rateLimitErr.RetryAfter):
				continue
			case <-ctx.Done():
				var zero R
				return zero, fmt.Errorf("operation cancelled during rate limit sleep: %w", ctx.Err())
			}
		}

		var zero R
		return zero, err
	}
}
