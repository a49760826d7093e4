package connectivity

import (
	"context"
	"log/slog"
	"time"
)

// WithRetry returns a HandlerMiddleware that retries network errors and 5xx
// replies with exponential backoff: baseBackoff, 2×, 4×... It never retries
// a reply the server meant (2xx, 4xx, 409), an open circuit, or a cancelled
// context.
//
// The persistence queue schedules its own retries with timers; this
// middleware serves one-shot calls such as lock renewal.
func WithRetry(maxRetries int, baseBackoff time.Duration, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, endpoint string, body []byte) (*Response, error) {
			var (
				resp *Response
				err  error
			)
			for attempt := 0; attempt <= maxRetries; attempt++ {
				resp, err = next(ctx, endpoint, body)
				if err == nil && resp.Status < 500 {
					return resp, nil
				}
				if ctx.Err() != nil {
					return resp, err
				}
				if _, ok := err.(*ErrCircuitOpen); ok {
					return resp, err
				}
				if attempt == maxRetries {
					break
				}
				wait := baseBackoff * (1 << uint(attempt))
				if logger != nil {
					logger.WarnContext(ctx, "retrying call",
						"endpoint", endpoint,
						"attempt", attempt+1,
						"max_retries", maxRetries,
						"backoff_ms", wait.Milliseconds(),
						"error", err)
				}
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return resp, err
				case <-t.C:
				}
			}
			return resp, err
		}
	}
}
