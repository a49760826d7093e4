package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNanoID_LengthAndAlphabet(t *testing.T) {
	for _, length := range []int{8, 12, 24} {
		id := NanoID(length)()
		if len(id) != length {
			t.Fatalf("NanoID(%d): got length %d", length, len(id))
		}
		for _, c := range id {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
				t.Fatalf("NanoID: unexpected character %q in %q", c, id)
			}
		}
	}
}

func TestNanoID_Uniqueness(t *testing.T) {
	gen := NanoID(12)
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := gen()
		if _, ok := seen[id]; ok {
			t.Fatalf("NanoID: duplicate at iteration %d: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("png_", NanoID(12))()
	if !strings.HasPrefix(id, "png_") || len(id) != 16 {
		t.Fatalf("Prefixed: got %q", id)
	}
}

func TestHolderID(t *testing.T) {
	a, b := HolderID(), HolderID()
	if a == b {
		t.Fatalf("HolderID: duplicate %q", a)
	}
	if !strings.HasPrefix(a, "hld_") {
		t.Fatalf("HolderID: missing prefix in %q", a)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(a, "hld_")); err != nil {
		t.Fatalf("HolderID: suffix is not a UUID: %v", err)
	}
}

