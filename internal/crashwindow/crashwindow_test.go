package crashwindow

import (
	"testing"
	"time"
)

func TestTooManyWithinWindow(t *testing.T) {
	w := New(30*time.Second, 5)
	base := time.Unix(1_000_000, 0)

	for i := 0; i < 4; i++ {
		w.AddCrashAt(base.Add(time.Duration(i) * time.Second))
	}
	if w.TooMany() {
		t.Fatalf("expected too_many() false after 4 crashes with limit 5, got true")
	}

	w.AddCrashAt(base.Add(4 * time.Second))
	if !w.TooMany() {
		t.Fatalf("expected too_many() true after 5 crashes with limit 5, got false")
	}
}

func TestPruneOutsideWindow(t *testing.T) {
	w := New(30*time.Second, 2)
	base := time.Unix(1_000_000, 0)

	w.AddCrashAt(base)
	w.AddCrashAt(base.Add(40 * time.Second)) // outside the 30s window of the first

	if w.Len() != 1 {
		t.Fatalf("expected the stale crash to be pruned, len = %d", w.Len())
	}
	if w.TooMany() {
		t.Fatalf("expected too_many() false after pruning, got true")
	}
}

func TestNewWindowIsEmpty(t *testing.T) {
	w := New(30*time.Second, 5)
	if w.Len() != 0 {
		t.Fatalf("expected a fresh window to be empty, len = %d", w.Len())
	}
	if w.TooMany() {
		t.Fatalf("expected too_many() false on an empty window")
	}
}
