package idgen

import (
	"strings"
	"testing"
)

func TestCorrelation(t *testing.T) {
	id := Correlation()
	if !strings.HasPrefix(id, PrefixCorrelation) {
		t.Fatalf("expected prefix %q, got %q", PrefixCorrelation, id)
	}
	if len(id) != len(PrefixCorrelation)+24 {
		t.Errorf("unexpected length %d", len(id))
	}
}

func TestWithPrefix_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix(PrefixPort)
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestHex(t *testing.T) {
	if got := Hex(4); len(got) != 8 {
		t.Errorf("Hex(4) length = %d, want 8", len(got))
	}
}
