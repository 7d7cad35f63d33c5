package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testCache(cfg Config) *Cache {
	cfg.Enabled = true
	return New(cfg, zap.NewNop())
}

func counterProducer(calls *atomic.Int64) Producer {
	var seq atomic.Int64
	return func(ctx context.Context, n int) ([]string, error) {
		calls.Add(1)
		out := make([]string, n)
		for i := range out {
			out[i] = fmt.Sprintf(`{"v":%d}`, seq.Add(1))
		}
		return out, nil
	}
}

func waitForVariants(t *testing.T, c *Cache, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Stats().Variants >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue never reached %d variants (have %d)", want, c.Stats().Variants)
}

func TestAcquire_MissPrimesQueueInBackground(t *testing.T) {
	c := testCache(Config{})
	var calls atomic.Int64
	produce := counterProducer(&calls)

	body, hit, err := c.Acquire(context.Background(), "k", 3, produce)
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Fatal("first acquire must be a miss")
	}
	if body == "" {
		t.Fatal("miss must still return a produced body")
	}

	waitForVariants(t, c, 3)

	// Three hits drain the primed queue without touching the producer.
	before := calls.Load()
	seen := map[string]bool{body: true}
	for i := 0; i < 3; i++ {
		b, hit, err := c.Acquire(context.Background(), "k", 3, produce)
		if err != nil {
			t.Fatal(err)
		}
		if !hit {
			t.Fatalf("acquire %d should hit the primed queue", i)
		}
		if seen[b] {
			t.Fatalf("variant %q served twice", b)
		}
		seen[b] = true
	}
	if calls.Load() != before {
		t.Fatal("queue hits must not invoke the producer")
	}

	// Drained: the next acquire is a fresh synchronous production.
	if _, hit, _ := c.Acquire(context.Background(), "k", 3, produce); hit {
		t.Fatal("drained queue must miss")
	}
}

func TestAcquire_ConcurrentMissesShareOneRefill(t *testing.T) {
	c := testCache(Config{})
	var produceCalls, refillCalls atomic.Int64

	gate := make(chan struct{})
	produce := func(ctx context.Context, n int) ([]string, error) {
		if n > 1 {
			refillCalls.Add(1)
			<-gate
		}
		produceCalls.Add(1)
		out := make([]string, n)
		for i := range out {
			out[i] = fmt.Sprintf(`{"n":%d,"i":%d}`, n, i)
		}
		return out, nil
	}

	const workers = 4
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Acquire(context.Background(), "k", 8, produce)
		}()
	}
	wg.Wait()

	close(gate)
	waitForVariants(t, c, 1)

	if got := refillCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one background refill, got %d", got)
	}
}

func TestAcquire_DisabledOrZeroCapacityBypasses(t *testing.T) {
	var calls atomic.Int64
	produce := counterProducer(&calls)

	c := New(Config{Enabled: false}, zap.NewNop())
	if _, hit, err := c.Acquire(context.Background(), "k", 5, produce); err != nil || hit {
		t.Fatalf("disabled cache must bypass, hit=%v err=%v", hit, err)
	}

	c = testCache(Config{})
	if _, hit, err := c.Acquire(context.Background(), "k", 0, produce); err != nil || hit {
		t.Fatalf("capacity 0 must bypass, hit=%v err=%v", hit, err)
	}
	if c.Stats().Entries != 0 {
		t.Fatal("bypass must not create entries")
	}
}

func TestAcquire_LargeBodyRoundTripsThroughCompression(t *testing.T) {
	c := testCache(Config{CompressThreshold: 64})
	big := `{"blob":"` + strings.Repeat("abcdef", 200) + `"}`
	produce := func(ctx context.Context, n int) ([]string, error) {
		out := make([]string, n)
		for i := range out {
			out[i] = big
		}
		return out, nil
	}

	if _, _, err := c.Acquire(context.Background(), "k", 2, produce); err != nil {
		t.Fatal(err)
	}
	waitForVariants(t, c, 2)

	body, hit, err := c.Acquire(context.Background(), "k", 2, produce)
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Fatal("expected hit")
	}
	if body != big {
		t.Fatal("compressed variant did not round-trip")
	}
}

func TestAcquire_QueueNeverExceedsCapacity(t *testing.T) {
	c := testCache(Config{})
	produce := func(ctx context.Context, n int) ([]string, error) {
		out := make([]string, n+5) // over-produce; append must clamp
		for i := range out {
			out[i] = fmt.Sprintf(`{"i":%d}`, i)
		}
		return out, nil
	}

	if _, _, err := c.Acquire(context.Background(), "k", 3, produce); err != nil {
		t.Fatal(err)
	}
	waitForVariants(t, c, 3)
	if got := c.Stats().Variants; got > 3 {
		t.Fatalf("queue %d exceeds capacity 3", got)
	}
}

func TestAcquire_PartialRefillKept(t *testing.T) {
	c := testCache(Config{})
	produce := func(ctx context.Context, n int) ([]string, error) {
		if n > 1 {
			return []string{`{"partial":true}`}, fmt.Errorf("upstream gave up")
		}
		return []string{`{"sync":true}`}, nil
	}

	if _, _, err := c.Acquire(context.Background(), "k", 4, produce); err != nil {
		t.Fatal(err)
	}
	waitForVariants(t, c, 1)

	body, hit, err := c.Acquire(context.Background(), "k", 4, produce)
	if err != nil {
		t.Fatal(err)
	}
	if !hit || body != `{"partial":true}` {
		t.Fatalf("partial refill result lost: hit=%v body=%q", hit, body)
	}
}

func TestSweep_SlidingAndAbsolute(t *testing.T) {
	c := testCache(Config{SlidingTTL: 15 * time.Minute, AbsoluteTTL: time.Hour})
	var calls atomic.Int64
	produce := counterProducer(&calls)

	if _, _, err := c.Acquire(context.Background(), "k", 2, produce); err != nil {
		t.Fatal(err)
	}

	if n := c.Sweep(time.Now().Add(10 * time.Minute)); n != 0 {
		t.Fatalf("fresh entry swept: %d", n)
	}
	if n := c.Sweep(time.Now().Add(16 * time.Minute)); n != 1 {
		t.Fatalf("idle entry not swept: %d", n)
	}
}

func TestEviction_MaxItems(t *testing.T) {
	c := testCache(Config{MaxItems: 2})
	var calls atomic.Int64
	produce := counterProducer(&calls)

	for _, key := range []string{"a", "b", "c"} {
		if _, _, err := c.Acquire(context.Background(), key, 2, produce); err != nil {
			t.Fatal(err)
		}
	}
	if got := c.Stats().Entries; got != 2 {
		t.Fatalf("expected 2 entries after eviction, got %d", got)
	}
}

func TestInvalidate(t *testing.T) {
	c := testCache(Config{})
	var calls atomic.Int64
	produce := counterProducer(&calls)

	c.Acquire(context.Background(), "k", 3, produce)
	waitForVariants(t, c, 3)
	c.Invalidate("k")

	_, hit, err := c.Acquire(context.Background(), "k", 3, produce)
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Fatal("invalidated key must miss")
	}
}

func TestStats_Counters(t *testing.T) {
	c := testCache(Config{})
	var calls atomic.Int64
	produce := counterProducer(&calls)

	c.Acquire(context.Background(), "k", 3, produce) // miss
	waitForVariants(t, c, 3)
	c.Acquire(context.Background(), "k", 3, produce) // hit

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("expected 1 hit / 1 miss, got %d/%d", st.Hits, st.Misses)
	}
}
