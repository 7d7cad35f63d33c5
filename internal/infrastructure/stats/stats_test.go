package stats

import (
	"testing"
	"time"
)

func TestAvg_Window(t *testing.T) {
	r := New(3)

	if r.Avg("fp") != 0 {
		t.Fatal("unrecorded fingerprint must average zero")
	}

	r.Record("fp", 100*time.Millisecond)
	r.Record("fp", 200*time.Millisecond)
	if got := r.Avg("fp"); got != 150*time.Millisecond {
		t.Fatalf("avg = %v", got)
	}

	// Window of 3: the fourth sample pushes the first out.
	r.Record("fp", 300*time.Millisecond)
	r.Record("fp", 600*time.Millisecond)
	want := (200 + 300 + 600) * time.Millisecond / 3
	if got := r.Avg("fp"); got != want {
		t.Fatalf("avg = %v, want %v", got, want)
	}
}

func TestSnapshot(t *testing.T) {
	r := New(0)
	r.Record("a", 10*time.Millisecond)
	r.Record("a", 20*time.Millisecond)
	r.Record("b", 30*time.Millisecond)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(snap))
	}
	for _, ep := range snap {
		if ep.Fingerprint == "a" && ep.Calls != 2 {
			t.Fatalf("endpoint a calls = %d", ep.Calls)
		}
	}
}

func TestSweep(t *testing.T) {
	r := New(0)
	r.Record("old", time.Millisecond)

	if n := r.Sweep(time.Now().Add(2*time.Hour), time.Hour); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if len(r.Snapshot()) != 0 {
		t.Fatal("swept fingerprint still present")
	}
}
