package kit

import (
	"context"
	"testing"
)

func TestContext_RoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithHolderID(ctx, "hld_a")
	ctx = WithRemoteAddr(ctx, "10.0.0.1:5000")

	if got := GetRequestID(ctx); got != "req-1" {
		t.Fatalf("request id: got %q", got)
	}
	if got := GetHolderID(ctx); got != "hld_a" {
		t.Fatalf("holder id: got %q", got)
	}
	if got := GetRemoteAddr(ctx); got != "10.0.0.1:5000" {
		t.Fatalf("remote addr: got %q", got)
	}
}

func TestContext_EmptyDefaults(t *testing.T) {
	ctx := context.Background()
	if GetRequestID(ctx) != "" || GetHolderID(ctx) != "" || GetRemoteAddr(ctx) != "" {
		t.Fatal("expected empty defaults")
	}
	if attrs := LogAttrs(ctx); len(attrs) != 0 {
		t.Fatalf("LogAttrs on empty ctx: %v", attrs)
	}
}

func TestLogAttrs(t *testing.T) {
	ctx := WithHolderID(WithRequestID(context.Background(), "r"), "h")
	attrs := LogAttrs(ctx)
	want := []any{"request_id", "r", "holder_id", "h"}
	if len(attrs) != len(want) {
		t.Fatalf("got %v", attrs)
	}
	for i := range want {
		if attrs[i] != want[i] {
			t.Fatalf("got %v, want %v", attrs, want)
		}
	}
}
