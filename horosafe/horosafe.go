// Package horosafe holds the input guards shared by the transport and the
// lock server: bounded body reads, endpoint checks and document key checks.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// MaxResponseBody caps response body reads on the client (1 MiB).
const MaxResponseBody int64 = 1 << 20

// MaxRequestBody caps request bodies accepted by the server (4 MiB). A full
// board snapshot with many scenes fits comfortably.
const MaxRequestBody int64 = 4 << 20

// ErrUnsafeScheme is returned when an endpoint is not http or https.
var ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")

// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
var ErrTooLarge = errors.New("horosafe: body too large")

// LimitedReadAll reads at most maxBytes from r.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}

// ValidateEndpoint checks that rawURL is an absolute http(s) URL with a host.
func ValidateEndpoint(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrUnsafeScheme
	}
	if u.Hostname() == "" {
		return fmt.Errorf("horosafe: URL has no host")
	}
	return nil
}

// ValidateKey rejects document keys and cell ids unsuitable for storage.
// Allows alphanumerics and "_-.:,".
func ValidateKey(s string) error {
	if s == "" {
		return fmt.Errorf("horosafe: key must not be empty")
	}
	if len(s) > 256 {
		return fmt.Errorf("horosafe: key too long (max 256)")
	}
	for _, r := range s {
		if !isKeyChar(r) {
			return fmt.Errorf("horosafe: invalid character %q in key", r)
		}
	}
	return nil
}

func isKeyChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || strings.ContainsRune("_-.:,", r)
}
