package ratelimit

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Result is one completed call of an n-fanout request.
type Result struct {
	Index int           `json:"index"`
	Body  string        `json:"body"`
	Delay time.Duration `json:"-"`
	Err   error         `json:"-"`
}

// Call produces the i-th response of a fan-out.
type Call func(ctx context.Context, i int) (string, error)

// DelayFunc samples the next inter-response delay.
type DelayFunc func() time.Duration

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunSequential awaits each call in order, sleeping the sampled delay
// between calls. The first error aborts the remainder.
func RunSequential(ctx context.Context, n int, delay DelayFunc, call Call) ([]Result, error) {
	out := make([]Result, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 {
			if err := sleep(ctx, delay()); err != nil {
				return out, err
			}
		}
		body, err := call(ctx, i)
		if err != nil {
			return out, err
		}
		out = append(out, Result{Index: i, Body: body})
	}
	return out, nil
}

// RunParallel issues all n calls concurrently, then staggers delivery by
// cumulative delays: result i carries Delay = i*d and the function
// returns only after sleeping through the full stagger.
func RunParallel(ctx context.Context, n int, delay DelayFunc, call Call) ([]Result, error) {
	out := make([]Result, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			body, err := call(gctx, i)
			if err != nil {
				return err
			}
			out[i] = Result{Index: i, Body: body}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d := delay()
	for i := range out {
		out[i].Delay = time.Duration(i) * d
		if i > 0 {
			if err := sleep(ctx, d); err != nil {
				return out[:i], err
			}
		}
	}
	return out, nil
}

// RunStreamed issues all n calls concurrently and emits each result in
// completion order, sleeping a sampled delay before each emission. The
// channel closes when every call has settled or ctx is done.
func RunStreamed(ctx context.Context, n int, delay DelayFunc, call Call) <-chan Result {
	done := make(chan Result, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			body, err := call(ctx, i)
			done <- Result{Index: i, Body: body, Err: err}
		}()
	}

	out := make(chan Result)
	go func() {
		defer close(out)
		for received := 0; received < n; received++ {
			var r Result
			select {
			case <-ctx.Done():
				return
			case r = <-done:
			}
			r.Delay = delay()
			if err := sleep(ctx, r.Delay); err != nil {
				return
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
