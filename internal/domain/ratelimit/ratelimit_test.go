package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseSpec(t *testing.T) {
	cases := []struct {
		in   string
		mode Mode
		min  time.Duration
		max  time.Duration
		bad  bool
	}{
		{in: "", mode: ModeNone},
		{in: "max", mode: ModeAvg},
		{in: "MAX", mode: ModeAvg},
		{in: "100-500", mode: ModeRange, min: 100 * time.Millisecond, max: 500 * time.Millisecond},
		{in: "250", mode: ModeRange, min: 250 * time.Millisecond, max: 250 * time.Millisecond},
		{in: "500-100", bad: true},
		{in: "abc", bad: true},
		{in: "-5", bad: true},
	}

	for _, tc := range cases {
		spec, err := ParseSpec(tc.in)
		if tc.bad {
			if err == nil {
				t.Errorf("ParseSpec(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSpec(%q): %v", tc.in, err)
			continue
		}
		if spec.Mode != tc.mode || spec.Min != tc.min || spec.Max != tc.max {
			t.Errorf("ParseSpec(%q) = %+v", tc.in, spec)
		}
	}
}

func TestSpec_Delay(t *testing.T) {
	spec := Spec{Mode: ModeRange, Min: 10 * time.Millisecond, Max: 20 * time.Millisecond}
	for i := 0; i < 50; i++ {
		d := spec.Delay(0)
		if d < spec.Min || d > spec.Max {
			t.Fatalf("delay %v outside range", d)
		}
	}

	avg := Spec{Mode: ModeAvg}
	if got := avg.Delay(123 * time.Millisecond); got != 123*time.Millisecond {
		t.Fatalf("avg mode delay = %v", got)
	}
	if got := (Spec{Mode: ModeNone}).Delay(time.Second); got != 0 {
		t.Fatalf("none mode delay = %v", got)
	}
}

func TestPick(t *testing.T) {
	cases := map[int]Strategy{1: StrategySequential, 3: StrategyParallel, 5: StrategyParallel, 6: StrategyStreaming}
	for n, want := range cases {
		if got := Pick(StrategyAuto, n); got != want {
			t.Errorf("Pick(Auto, %d) = %s, want %s", n, got, want)
		}
	}
	if got := Pick(StrategySequential, 100); got != StrategySequential {
		t.Error("explicit strategy must not be overridden")
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy(""); err != nil || s != StrategyAuto {
		t.Fatalf("empty = %s, %v", s, err)
	}
	if s, err := ParseStrategy("parallel"); err != nil || s != StrategyParallel {
		t.Fatalf("parallel = %s, %v", s, err)
	}
	if _, err := ParseStrategy("bogus"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func noDelay() time.Duration { return 0 }

func echoCall(ctx context.Context, i int) (string, error) {
	return fmt.Sprintf(`{"i":%d}`, i), nil
}

func TestRunSequential_OrderAndAbort(t *testing.T) {
	out, err := RunSequential(context.Background(), 3, noDelay, echoCall)
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range out {
		if r.Index != i {
			t.Fatalf("result %d has index %d", i, r.Index)
		}
	}

	boom := errors.New("boom")
	out, err = RunSequential(context.Background(), 3, noDelay, func(ctx context.Context, i int) (string, error) {
		if i == 1 {
			return "", boom
		}
		return "ok", nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 completed result, got %d", len(out))
	}
}

func TestRunParallel_AllCallsIssuedConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int64
	block := make(chan struct{})

	call := func(ctx context.Context, i int) (string, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		<-block
		inFlight.Add(-1)
		return fmt.Sprintf(`{"i":%d}`, i), nil
	}

	resCh := make(chan []Result)
	go func() {
		out, _ := RunParallel(context.Background(), 4, noDelay, call)
		resCh <- out
	}()

	deadline := time.Now().Add(2 * time.Second)
	for peak.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if peak.Load() < 4 {
		t.Fatal("calls did not run concurrently")
	}
	close(block)

	out := <-resCh
	if len(out) != 4 {
		t.Fatalf("expected 4 results, got %d", len(out))
	}
	for i, r := range out {
		if r.Index != i {
			t.Fatalf("parallel results must keep index order, got %d at %d", r.Index, i)
		}
	}
}

func TestRunParallel_CumulativeStagger(t *testing.T) {
	d := 5 * time.Millisecond
	out, err := RunParallel(context.Background(), 3, func() time.Duration { return d }, echoCall)
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range out {
		if want := time.Duration(i) * d; r.Delay != want {
			t.Fatalf("result %d delay = %v, want %v", i, r.Delay, want)
		}
	}
}

func TestRunStreamed_CompletionOrderAndClose(t *testing.T) {
	// Index 0 finishes last; completion order must win over index order.
	call := func(ctx context.Context, i int) (string, error) {
		if i == 0 {
			time.Sleep(30 * time.Millisecond)
		}
		return fmt.Sprintf(`{"i":%d}`, i), nil
	}

	ch := RunStreamed(context.Background(), 3, noDelay, call)
	var got []Result
	for r := range ch {
		got = append(got, r)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	if got[len(got)-1].Index != 0 {
		t.Fatalf("slow call should arrive last, order: %+v", got)
	}
}

func TestRunStreamed_CancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	call := func(ctx context.Context, i int) (string, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	}
	ch := RunStreamed(ctx, 5, func() time.Duration { return 50 * time.Millisecond }, call)

	<-ch // first result
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // channel closed promptly after cancel
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}
