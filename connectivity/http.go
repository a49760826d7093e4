package connectivity

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/hazyhaar/tablesync/horosafe"
)

// HTTP posts JSON bodies with a cookie jar, so session cookies set by the
// server are sent back on every call.
type HTTP struct {
	client  *http.Client
	maxBody int64
}

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithHTTPClient replaces the underlying client. Its Jar is kept as is.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithRequestTimeout sets the client timeout. Zero means none; cancellation
// then comes only from the call context.
func WithRequestTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) { h.client.Timeout = d }
}

// WithMaxResponseBody caps response reads. Default horosafe.MaxResponseBody.
func WithMaxResponseBody(n int64) HTTPOption {
	return func(h *HTTP) { h.maxBody = n }
}

// NewHTTP creates a transport with a public-suffix aware cookie jar.
func NewHTTP(opts ...HTTPOption) (*HTTP, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("connectivity/http: cookie jar: %w", err)
	}
	h := &HTTP{
		client:  &http.Client{Jar: jar},
		maxBody: horosafe.MaxResponseBody,
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Client returns the underlying client, for beacons sharing the same jar.
func (h *HTTP) Client() *http.Client { return h.client }

// Post implements Handler.
func (h *HTTP) Post(ctx context.Context, endpoint string, body []byte) (*Response, error) {
	if err := horosafe.ValidateEndpoint(endpoint); err != nil {
		return nil, fmt.Errorf("connectivity/http: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("connectivity/http: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connectivity/http: do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := horosafe.LimitedReadAll(resp.Body, h.maxBody)
	if err != nil {
		return nil, fmt.Errorf("connectivity/http: read response: %w", err)
	}
	return NewResponse(resp.StatusCode, data), nil
}

// Close releases idle connections.
func (h *HTTP) Close() {
	h.client.CloseIdleConnections()
}
