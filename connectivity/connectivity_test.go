package connectivity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHTTP(t *testing.T) *HTTP {
	t.Helper()
	h, err := NewHTTP()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Close)
	return h
}

func TestHTTP_PostEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
		if c, err := r.Cookie("sid"); err == nil && c.Value == "abc" {
			w.Write([]byte(`{"success":true,"data":{"version_number":7,"cookie":true}}`))
			return
		}
		w.Write([]byte(`{"success":true,"data":{"version_number":1}}`))
	}))
	defer srv.Close()

	h := newHTTP(t)
	ctx := context.Background()
	resp, err := h.Post(ctx, srv.URL, []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := resp.Version(); !ok || v != 1 {
		t.Fatalf("version: %d %v", v, ok)
	}

	// Second call carries the cookie set by the first.
	resp, err = h.Post(ctx, srv.URL, []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := resp.Version(); v != 7 {
		t.Fatalf("cookie jar not used, version %d", v)
	}
	if err := Classify(ctx, srv.URL, resp, nil); err != nil {
		t.Fatalf("Classify: %v", err)
	}
}

func TestHTTP_InvalidEndpoint(t *testing.T) {
	h := newHTTP(t)
	if _, err := h.Post(context.Background(), "/relative", nil); err == nil {
		t.Fatal("expected error for relative endpoint")
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"ok", 200, `{"success":true}`, func(err error) bool { return err == nil }},
		{"no envelope", 204, ``, func(err error) bool { return err == nil }},
		{"rejected", 200, `{"success":false,"error":"bad"}`, func(err error) bool { return errors.Is(err, ErrRejected) }},
		{"server error", 503, `{"success":false}`, func(err error) bool {
			var te *TransportError
			return errors.As(err, &te) && te.Status == 503 && Retryable(err)
		}},
		{"lock conflict", 409, `{"success":false,"details":{"locked_by":"alice","locked_by_id":"hld_a","expires_at":"2026-01-02T03:04:05Z"}}`, func(err error) bool {
			var ce *ConflictError
			return errors.As(err, &ce) && ce.Kind == ConflictLock && ce.Holder == "alice" && ce.HolderID == "hld_a" &&
				ce.ExpiresAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) && !Retryable(err)
		}},
		{"lock conflict object holder", 409, `{"details":{"locked_by":{"holder_id":"h1","holder_name":"bob"},"expires_at":1700000000000}}`, func(err error) bool {
			var ce *ConflictError
			return errors.As(err, &ce) && ce.Holder == "bob" && ce.HolderID == "h1" && ce.ExpiresAt.UnixMilli() == 1700000000000
		}},
		{"version conflict", 409, `{"details":{"current_data":{"notes":"x"},"current_version":4}}`, func(err error) bool {
			var ce *ConflictError
			return errors.Is(err, ErrConflict) && errors.As(err, &ce) && ce.Kind == ConflictVersion &&
				ce.CurrentVersion == 4 && string(ce.CurrentData) == `{"notes":"x"}`
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(ctx, "http://x/api", NewResponse(tt.status, []byte(tt.body)), nil)
			if !tt.check(err) {
				t.Fatalf("unexpected classification: %v", err)
			}
		})
	}
}

func TestClassify_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Classify(ctx, "e", nil, context.Canceled); !errors.Is(err, ErrAborted) {
		t.Fatalf("got %v, want ErrAborted", err)
	}
	if err := Classify(context.Background(), "e", nil, errors.New("dial tcp: refused")); !Retryable(err) {
		t.Fatalf("network error should be retryable: %v", err)
	}
}

func stub(status int, body string, calls *atomic.Int32) Handler {
	return func(ctx context.Context, endpoint string, b []byte) (*Response, error) {
		calls.Add(1)
		return NewResponse(status, []byte(body)), nil
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) HandlerMiddleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, e string, b []byte) (*Response, error) {
				order = append(order, name)
				return next(ctx, e, b)
			}
		}
	}
	var calls atomic.Int32
	h := Chain(mw("a"), mw("b"), Logging(quietLogger()))(stub(200, `{}`, &calls))
	if _, err := h(context.Background(), "e", nil); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" || calls.Load() != 1 {
		t.Fatalf("order %v calls %d", order, calls.Load())
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(quietLogger())(func(context.Context, string, []byte) (*Response, error) {
		panic("boom")
	})
	_, err := h(context.Background(), "e", nil)
	var p *ErrPanic
	if !errors.As(err, &p) || p.Value != "boom" {
		t.Fatalf("got %v", err)
	}
}

func TestTimeout(t *testing.T) {
	h := Timeout(10 * time.Millisecond)(func(ctx context.Context, _ string, _ []byte) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if _, err := h(context.Background(), "e", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v", err)
	}
}

func TestWithRetry(t *testing.T) {
	var calls atomic.Int32
	h := WithRetry(2, time.Millisecond, quietLogger())(stub(500, `{}`, &calls))
	resp, err := h(context.Background(), "e", nil)
	if err != nil || resp.Status != 500 || calls.Load() != 3 {
		t.Fatalf("resp=%v err=%v calls=%d", resp, err, calls.Load())
	}

	calls.Store(0)
	h = WithRetry(2, time.Millisecond, nil)(stub(409, `{}`, &calls))
	if _, err := h(context.Background(), "e", nil); err != nil || calls.Load() != 1 {
		t.Fatalf("409 must not be retried: calls=%d", calls.Load())
	}
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(
		WithBreakerThreshold(2),
		WithBreakerCooldown(time.Second),
		WithBreakerProbes(1),
		WithBreakerClock(func() time.Time { return now }),
	)
	var calls atomic.Int32
	failing := WithCircuitBreaker(cb)(stub(502, `{}`, &calls))
	ctx := context.Background()

	failing(ctx, "e", nil)
	failing(ctx, "e", nil)
	if cb.State() != BreakerOpen {
		t.Fatalf("state %s, want open", cb.State())
	}
	_, err := failing(ctx, "e", nil)
	var open *ErrCircuitOpen
	if !errors.As(err, &open) || calls.Load() != 2 {
		t.Fatalf("open breaker let a call through: %v calls=%d", err, calls.Load())
	}
	if !Retryable(Classify(ctx, "e", nil, err)) {
		t.Fatal("open circuit should classify as a transport failure")
	}

	now = now.Add(time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state %s, want half-open", cb.State())
	}
	conflict := WithCircuitBreaker(cb)(stub(409, `{}`, &calls))
	conflict(ctx, "e", nil)
	if cb.State() != BreakerClosed {
		t.Fatalf("state %s, want closed after probe", cb.State())
	}
}
