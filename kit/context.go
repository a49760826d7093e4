// Package kit carries per-request values through context for the lock
// server handlers and their logs.
package kit

import "context"

type contextKey string

const (
	RequestIDKey  contextKey = "kit_request_id"
	HolderIDKey   contextKey = "kit_holder_id"
	RemoteAddrKey contextKey = "kit_remote_addr"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

// WithHolderID records the edit-lock holder a request acts for.
func WithHolderID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, HolderIDKey, id)
}
func GetHolderID(ctx context.Context) string {
	v, _ := ctx.Value(HolderIDKey).(string)
	return v
}

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}
func GetRemoteAddr(ctx context.Context) string {
	v, _ := ctx.Value(RemoteAddrKey).(string)
	return v
}

// LogAttrs returns the request values present in ctx as slog key/value
// pairs, ready to append to a log call.
func LogAttrs(ctx context.Context) []any {
	var attrs []any
	if v := GetRequestID(ctx); v != "" {
		attrs = append(attrs, "request_id", v)
	}
	if v := GetHolderID(ctx); v != "" {
		attrs = append(attrs, "holder_id", v)
	}
	if v := GetRemoteAddr(ctx); v != "" {
		attrs = append(attrs, "remote_addr", v)
	}
	return attrs
}
