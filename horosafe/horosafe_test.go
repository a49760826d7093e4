package horosafe

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateEndpoint(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://table.example.com/api/board/save", false},
		{"http://127.0.0.1:8080/api/hex/lock", false},
		{"ftp://evil.com/data", true},
		{"javascript:alert(1)", true},
		{"/api/board/save", true},
		{"http://", true},
	}
	for _, tt := range tests {
		err := ValidateEndpoint(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateEndpoint(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
	}
}

func TestValidateKey(t *testing.T) {
	for _, ok := range []string{"board-state", "hex:12,7", "board-pings.v2"} {
		if err := ValidateKey(ok); err != nil {
			t.Fatalf("ValidateKey(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", "../etc/passwd", "has spaces", strings.Repeat("a", 257)} {
		if err := ValidateKey(bad); err == nil {
			t.Fatalf("ValidateKey(%q): expected error", bad)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Fatalf("got %q, %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader("hello!"), 5); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}
