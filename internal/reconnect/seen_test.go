package reconnect

import (
	"fmt"
	"testing"
)

func TestSeenSetDeduplicates(t *testing.T) {
	t.Parallel()
	s := NewSeenSet(3)
	if !s.Add("a") || s.Add("a") {
		t.Fatal("expected first Add to be new and second to be a duplicate")
	}
	if !s.Contains("a") || s.Contains("b") {
		t.Fatal("unexpected membership")
	}
}

func TestSeenSetEvictsOldestFirst(t *testing.T) {
	t.Parallel()
	s := NewSeenSet(3)
	for i := 0; i < 4; i++ {
		s.Add(fmt.Sprintf("m%d", i))
	}
	if s.Contains("m0") {
		t.Error("expected m0 to be evicted")
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		if !s.Contains(id) {
			t.Errorf("expected %s to be retained", id)
		}
	}
	if s.Len() != 3 || s.Capacity() != 3 {
		t.Errorf("unexpected size %d/%d", s.Len(), s.Capacity())
	}
}

func TestSeenSetDefaultCapacity(t *testing.T) {
	t.Parallel()
	s := NewSeenSet(0)
	if s.Capacity() != 200 {
		t.Fatalf("expected default capacity 200, got %d", s.Capacity())
	}
	for i := 0; i < 250; i++ {
		s.Add(fmt.Sprintf("m%d", i))
	}
	if s.Len() != 200 || s.Contains("m49") || !s.Contains("m50") {
		t.Fatalf("expected a sliding window of the last 200 ids")
	}
}
