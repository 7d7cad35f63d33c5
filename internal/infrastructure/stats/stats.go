// Package stats keeps a small sliding window of synthesis latencies per
// request fingerprint, backing the X-LLMApi-Avg-Time response header and
// the management stats endpoint.
package stats

import (
	"sync"
	"time"
)

const defaultWindow = 10

// Recorder tracks recent synthesis durations per fingerprint.
type Recorder struct {
	mu     sync.Mutex
	window int
	rings  map[string]*ring
}

type ring struct {
	samples []time.Duration
	next    int
	filled  bool
	count   int64
	last    time.Time
}

// New creates a recorder keeping window samples per fingerprint
// (0 = default of 10).
func New(window int) *Recorder {
	if window <= 0 {
		window = defaultWindow
	}
	return &Recorder{window: window, rings: map[string]*ring{}}
}

// Record adds one observed duration for the fingerprint.
func (r *Recorder) Record(fingerprint string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rg, ok := r.rings[fingerprint]
	if !ok {
		rg = &ring{samples: make([]time.Duration, r.window)}
		r.rings[fingerprint] = rg
	}
	rg.samples[rg.next] = d
	rg.next = (rg.next + 1) % len(rg.samples)
	if rg.next == 0 {
		rg.filled = true
	}
	rg.count++
	rg.last = time.Now()
}

// Avg returns the mean duration over the fingerprint's window, or 0 when
// nothing has been recorded.
func (r *Recorder) Avg(fingerprint string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	rg, ok := r.rings[fingerprint]
	if !ok {
		return 0
	}
	n := rg.next
	if rg.filled {
		n = len(rg.samples)
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += rg.samples[i]
	}
	return sum / time.Duration(n)
}

// Endpoint is one fingerprint's row in the stats snapshot.
type Endpoint struct {
	Fingerprint string    `json:"fingerprint"`
	Calls       int64     `json:"calls"`
	AvgMs       int64     `json:"avgMs"`
	LastCall    time.Time `json:"lastCall"`
}

// Snapshot returns every tracked fingerprint.
func (r *Recorder) Snapshot() []Endpoint {
	r.mu.Lock()
	keys := make([]string, 0, len(r.rings))
	for k := range r.rings {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	out := make([]Endpoint, 0, len(keys))
	for _, k := range keys {
		avg := r.Avg(k)
		r.mu.Lock()
		rg := r.rings[k]
		if rg == nil {
			r.mu.Unlock()
			continue
		}
		out = append(out, Endpoint{
			Fingerprint: k,
			Calls:       rg.count,
			AvgMs:       avg.Milliseconds(),
			LastCall:    rg.last,
		})
		r.mu.Unlock()
	}
	return out
}

// Sweep drops fingerprints idle longer than maxIdle.
func (r *Recorder) Sweep(now time.Time, maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for k, rg := range r.rings {
		if now.Sub(rg.last) > maxIdle {
			delete(r.rings, k)
			removed++
		}
	}
	return removed
}
