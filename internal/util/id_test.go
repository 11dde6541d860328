package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefixAndUniqueness(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := NewID("dec")
		if !strings.HasPrefix(id, "dec_") || len(id) != len("dec_")+32 {
			t.Fatalf("unexpected id %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
	if id := NewID(""); strings.Contains(id, "_") || len(id) != 32 {
		t.Fatalf("unexpected unprefixed id %q", id)
	}
}

func TestNewSortableIDIsOrdered(t *testing.T) {
	previous := NewSortableID("rel")
	for i := 0; i < 50; i++ {
		next := NewSortableID("rel")
		if next <= previous {
			t.Fatalf("expected %q to sort after %q", next, previous)
		}
		previous = next
	}
}
