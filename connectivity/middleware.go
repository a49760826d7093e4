package connectivity

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// HandlerMiddleware wraps a Handler, adding cross-cutting behaviour
// (logging, timeout, recovery) without changing the signature.
type HandlerMiddleware func(next Handler) Handler

// Chain composes middlewares left-to-right: the first middleware in the
// slice is the outermost wrapper (executed first on the request path).
//
//	chain := Chain(logging, timeout, recovery)
//	wrapped := chain(baseHandler)
func Chain(mws ...HandlerMiddleware) HandlerMiddleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging returns a middleware that logs every call with its duration.
// Cancelled calls are logged at debug level: they are superseded saves,
// not failures.
func Logging(logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, endpoint string, body []byte) (*Response, error) {
			start := time.Now()
			resp, err := next(ctx, endpoint, body)
			dur := time.Since(start)

			switch {
			case err != nil && ctx.Err() != nil:
				logger.DebugContext(ctx, "call cancelled",
					"endpoint", endpoint,
					"duration_ms", dur.Milliseconds())
			case err != nil:
				logger.ErrorContext(ctx, "call failed",
					"endpoint", endpoint,
					"duration_ms", dur.Milliseconds(),
					"payload_bytes", len(body),
					"error", err)
			case !resp.OK():
				logger.WarnContext(ctx, "call rejected",
					"endpoint", endpoint,
					"status", resp.Status,
					"duration_ms", dur.Milliseconds(),
					"error", resp.Envelope.Error)
			default:
				logger.DebugContext(ctx, "call ok",
					"endpoint", endpoint,
					"status", resp.Status,
					"duration_ms", dur.Milliseconds(),
					"payload_bytes", len(body),
					"response_bytes", len(resp.Body))
			}
			return resp, err
		}
	}
}

// Timeout returns a middleware that enforces a maximum call duration.
func Timeout(d time.Duration) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, endpoint string, body []byte) (*Response, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, endpoint, body)
		}
	}
}

// Recovery returns a middleware that catches panics in downstream handlers
// and converts them into errors instead of crashing the process.
func Recovery(logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, endpoint string, body []byte) (resp *Response, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "handler panic recovered",
						"endpoint", endpoint,
						"panic", r,
						"stack", string(debug.Stack()))
					resp, err = nil, &ErrPanic{Value: r}
				}
			}()
			return next(ctx, endpoint, body)
		}
	}
}
