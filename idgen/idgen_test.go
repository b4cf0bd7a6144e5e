package idgen

import (
	"strings"
	"testing"
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

func TestUUIDv7_Valid(t *testing.T) {
	gen := UUIDv7()
	id := gen()
	if len(id) != 36 {
		t.Fatalf("UUIDv7: expected length 36, got %d for %q", len(id), id)
	}
	if _, err := Parse(id); err != nil {
		t.Fatalf("UUIDv7 should parse: %v", err)
	}
}

func TestUUIDv7_Unique(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := gen()
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate at iteration %d", i)
		}
		seen[id] = struct{}{}
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("job_", NanoID(8))()
	if !strings.HasPrefix(id, "job_") {
		t.Fatalf("expected prefix 'job_', got %q", id)
	}
	if len(id) != 4+8 {
		t.Fatalf("expected length 12, got %d", len(id))
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}
