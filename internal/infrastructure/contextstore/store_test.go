package contextstore

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStore(cfg Config) *Store {
	return New(cfg, zap.NewNop())
}

func TestRecord_AppendsAndBounds(t *testing.T) {
	s := newTestStore(Config{MaxRecentCalls: 3})

	for i := 0; i < 5; i++ {
		s.Record("orders", "GET", fmt.Sprintf("/api/mock/orders/%d", i), "", `{"id":1}`)
	}

	snap, ok := s.Get("orders")
	if !ok {
		t.Fatal("context missing")
	}
	if len(snap.RecentCalls) != 3 {
		t.Fatalf("expected ring bound of 3, got %d", len(snap.RecentCalls))
	}
	if snap.TotalCalls != 5 {
		t.Fatalf("expected 5 total calls, got %d", snap.TotalCalls)
	}
	// Oldest evicted first.
	if snap.RecentCalls[0].Path != "/api/mock/orders/2" {
		t.Fatalf("wrong eviction order: %s", snap.RecentCalls[0].Path)
	}
}

func TestSharedKeyExtraction(t *testing.T) {
	s := newTestStore(Config{})

	body := `{"id":42,"userName":"alice","contactEmail":"a@example.com","sku":"AB-1","note":"irrelevant","items":[{"itemId":7}]}`
	s.Record("shop", "POST", "/api/mock/orders", "", body)

	snap, _ := s.Get("shop")
	expect := map[string]string{
		"id":              "42",
		"userName":        "alice",
		"contactEmail":    "a@example.com",
		"sku":             "AB-1",
		"items[0].itemId": "7",
	}
	for k, v := range expect {
		if snap.SharedData[k] != v {
			t.Errorf("shared[%s]: expected %q, got %q", k, v, snap.SharedData[k])
		}
	}
	if _, ok := snap.SharedData["note"]; ok {
		t.Error("non-identifier key should not be extracted")
	}
}

func TestSharedKeys_LaterOverwrites(t *testing.T) {
	s := newTestStore(Config{})
	s.Record("c", "GET", "/a", "", `{"id":1}`)
	s.Record("c", "GET", "/b", "", `{"id":2}`)

	snap, _ := s.Get("c")
	if snap.SharedData["id"] != "2" {
		t.Fatalf("expected later value to win, got %q", snap.SharedData["id"])
	}
}

func TestFormatForPrompt(t *testing.T) {
	s := newTestStore(Config{})
	s.Record("sess", "GET", "/api/mock/users/7", "", `{"id":7,"userName":"bob"}`)

	block := s.FormatForPrompt("sess")
	if !strings.Contains(block, "userName = bob") {
		t.Fatalf("shared data missing from block:\n%s", block)
	}
	if !strings.Contains(block, "GET /api/mock/users/7") {
		t.Fatalf("recent call missing from block:\n%s", block)
	}

	if got := s.FormatForPrompt("unknown"); got != "" {
		t.Fatalf("unknown context should format empty, got %q", got)
	}
}

func TestFormatForPrompt_Bounded(t *testing.T) {
	s := newTestStore(Config{MaxPromptBytes: 500})
	big := strings.Repeat("x", 400)
	for i := 0; i < 10; i++ {
		s.Record("big", "GET", "/p", "", fmt.Sprintf(`{"id":%d,"blob":%q}`, i, big))
	}
	if block := s.FormatForPrompt("big"); len(block) > 500 {
		t.Fatalf("prompt block exceeds bound: %d bytes", len(block))
	}
}

func TestSweep_RemovesIdle(t *testing.T) {
	s := newTestStore(Config{Expiration: time.Minute})
	s.Record("stale", "GET", "/a", "", "{}")
	s.Record("fresh", "GET", "/b", "", "{}")

	// Age the stale context directly.
	s.mu.Lock()
	s.contexts["stale"].lastUsed = time.Now().Add(-2 * time.Minute)
	s.mu.Unlock()

	if removed := s.Sweep(time.Now()); removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, ok := s.Get("stale"); ok {
		t.Fatal("stale context should be gone")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Fatal("fresh context should survive")
	}
}

func TestClearOperations(t *testing.T) {
	s := newTestStore(Config{})
	s.Record("a", "GET", "/1", "", "{}")
	s.Record("b", "GET", "/2", "", "{}")

	if !s.Clear("a") {
		t.Fatal("clear should report removal")
	}
	if s.Clear("a") {
		t.Fatal("double clear should report false")
	}
	if n := s.ClearAll(); n != 1 {
		t.Fatalf("expected 1 remaining cleared, got %d", n)
	}
	if got := s.ListAll(); len(got) != 0 {
		t.Fatalf("expected empty store, got %d", len(got))
	}
}

func TestRecord_ConcurrentSafety(t *testing.T) {
	s := newTestStore(Config{MaxRecentCalls: 20})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Record("race", "GET", fmt.Sprintf("/p/%d", n), "", `{"id":1}`)
			s.FormatForPrompt("race")
			s.ListAll()
		}(i)
	}
	wg.Wait()

	snap, _ := s.Get("race")
	if snap.TotalCalls != 20 {
		t.Fatalf("expected 20 calls recorded, got %d", snap.TotalCalls)
	}
}
