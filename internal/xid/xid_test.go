package xid

import (
	"strings"
	"testing"
)

func TestNewUsesPrefixAndIsUnique(t *testing.T) {
	seen := make(map[string]bool, 100)
	for i := 0; i < 100; i++ {
		id := New("shift")
		if !strings.HasPrefix(id, "shift_") {
			t.Fatalf("expected shift_ prefix, got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewWithoutPrefix(t *testing.T) {
	id := New("")
	if len(id) != 32 || strings.Contains(id, "_") {
		t.Fatalf("unexpected bare id %q", id)
	}
}

func TestTokenIsNotReused(t *testing.T) {
	if Token() == Token() {
		t.Fatalf("expected distinct tokens")
	}
}
