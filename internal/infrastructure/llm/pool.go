package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mocksmith/mocksmith/pkg/apperr"
)

// NoBackendError is returned when no backend can take the call. When
// every circuit is open, RetryAfter carries the nearest reopen instant.
type NoBackendError struct {
	RetryAfter time.Time
}

func (e *NoBackendError) Error() string {
	if e.RetryAfter.IsZero() {
		return "no enabled backend"
	}
	return fmt.Sprintf("all backends open until %s", e.RetryAfter.Format(time.RFC3339))
}

// BreakerConfig tunes the per-backend circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `json:"failureThreshold" mapstructure:"failure_threshold"`
	OpenDuration     time.Duration `json:"openDuration" mapstructure:"open_duration"`
}

// BackendStatus is the management-surface view of one pool slot.
type BackendStatus struct {
	Name         string    `json:"name"`
	Provider     string    `json:"provider"`
	ModelName    string    `json:"modelName"`
	Weight       int       `json:"weight"`
	Priority     int       `json:"priority"`
	Enabled      bool      `json:"enabled"`
	Circuit      string    `json:"circuit"`
	OpenUntil    time.Time `json:"openUntil,omitempty"`
	Calls        int64     `json:"calls"`
	Failures     int64     `json:"failures"`
	AvgLatencyMs int64     `json:"avgLatencyMs"`
}

type slot struct {
	cfg      BackendConfig
	provider Provider
	breaker  *CircuitBreaker

	currentWeight int // smooth weighted round-robin accumulator

	statMu     sync.Mutex
	calls      int64
	failures   int64
	latencySum time.Duration
}

func (s *slot) recordLatency(d time.Duration, failed bool) {
	s.statMu.Lock()
	defer s.statMu.Unlock()
	s.calls++
	s.latencySum += d
	if failed {
		s.failures++
	}
}

// Pool routes completion calls across the configured backends. Within
// the highest-priority tier that has an available circuit, calls are
// spread by smooth weighted round-robin. A request may pin a backend by
// name, bypassing selection but not its breaker.
type Pool struct {
	mu      sync.Mutex
	slots   []*slot
	retry   RetryPolicy
	breaker BreakerConfig
	logger  *zap.Logger
}

// NewPool creates an empty pool; call Configure to load backends.
func NewPool(retry RetryPolicy, breaker BreakerConfig, logger *zap.Logger) *Pool {
	if breaker.FailureThreshold <= 0 {
		breaker.FailureThreshold = 5
	}
	if breaker.OpenDuration <= 0 {
		breaker.OpenDuration = 30 * time.Second
	}
	return &Pool{retry: retry, breaker: breaker, logger: logger}
}

// Configure replaces the backend set. Breaker state survives a reload
// for backends that keep their name, so a config touch does not reset
// open circuits.
func (p *Pool) Configure(cfgs []BackendConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	prior := make(map[string]*CircuitBreaker, len(p.slots))
	for _, s := range p.slots {
		prior[s.cfg.Name] = s.breaker
	}

	next := make([]*slot, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Weight <= 0 {
			cfg.Weight = 1
		}
		provider, err := NewProvider(cfg, p.logger)
		if err != nil {
			return fmt.Errorf("backend %s: %w", cfg.Name, err)
		}
		br := prior[cfg.Name]
		if br == nil {
			br = NewCircuitBreaker(p.breaker.FailureThreshold, p.breaker.OpenDuration)
		}
		next = append(next, &slot{cfg: cfg, provider: provider, breaker: br})
	}

	p.slots = next
	p.logger.Info("backend pool configured", zap.Int("backends", len(next)))
	return nil
}

// Select picks the backend for one attempt. A non-empty pin selects that
// backend by name when it is enabled and its circuit admits a call; a
// disabled or open pin falls back to the pool. Otherwise candidates are
// the enabled backends whose circuit admits a call, restricted to the
// best (lowest) priority among them, and the smooth weighted round-robin
// winner is chosen. The winner's breaker is claimed via Allow before
// returning.
func (p *Pool) Select(pin string) (*slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.slots) == 0 {
		return nil, &NoBackendError{}
	}

	if pin != "" {
		var pinned *slot
		for _, s := range p.slots {
			if s.cfg.Name == pin {
				pinned = s
				break
			}
		}
		if pinned == nil {
			return nil, apperr.New(apperr.KindBadRequest, fmt.Sprintf("unknown backend %q", pin))
		}
		if pinned.cfg.Enabled && pinned.breaker.Allow() {
			return pinned, nil
		}
		// A disabled or open pin falls through to the weighted tiers.
	}

	// Restrict to the best-priority tier among currently admittable slots.
	bestPriority := 0
	var candidates []*slot
	anyEnabled := false
	for _, s := range p.slots {
		if !s.cfg.Enabled {
			continue
		}
		anyEnabled = true
		if !s.breaker.CanAttempt() {
			continue
		}
		if len(candidates) == 0 || s.cfg.Priority < bestPriority {
			bestPriority = s.cfg.Priority
			candidates = candidates[:0]
		}
		if s.cfg.Priority == bestPriority {
			candidates = append(candidates, s)
		}
	}

	if !anyEnabled {
		return nil, &NoBackendError{}
	}

	// Smooth WRR over the tier; skip winners whose probe slot is claimed
	// by a concurrent call between the scan and Allow.
	for range candidates {
		var best *slot
		total := 0
		for _, s := range candidates {
			s.currentWeight += s.cfg.Weight
			total += s.cfg.Weight
			if best == nil || s.currentWeight > best.currentWeight {
				best = s
			}
		}
		if best == nil {
			break
		}
		best.currentWeight -= total
		if best.breaker.Allow() {
			return best, nil
		}
	}

	return nil, &NoBackendError{RetryAfter: p.nearestReopenLocked()}
}

// Complete runs one completion with retry; every attempt re-selects a
// backend so a freshly opened circuit is routed around mid-call.
func (p *Pool) Complete(ctx context.Context, prompt string, opts Options, pin string) (string, error) {
	var out string
	err := p.retry.Do(ctx, func(attempt int) error {
		s, err := p.Select(pin)
		if err != nil {
			return wrapSelect(err)
		}
		start := time.Now()
		resp, err := s.provider.Complete(ctx, prompt, p.effectiveOpts(s, opts))
		p.settle(s, start, err)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

// CompleteStream runs one streaming completion. Streams are not retried:
// tokens may already have reached the client.
func (p *Pool) CompleteStream(ctx context.Context, prompt string, opts Options, pin string, tokens chan<- string) (string, error) {
	s, err := p.Select(pin)
	if err != nil {
		return "", wrapSelect(err)
	}
	start := time.Now()
	out, err := s.provider.CompleteStream(ctx, prompt, p.effectiveOpts(s, opts), tokens)
	p.settle(s, start, err)
	return out, err
}

// CompleteN generates n variants on a single selected backend so a batch
// stays stylistically consistent.
func (p *Pool) CompleteN(ctx context.Context, prompt string, n int, opts Options, pin string) ([]string, error) {
	s, err := p.Select(pin)
	if err != nil {
		return nil, wrapSelect(err)
	}
	start := time.Now()
	out, err := CompleteN(ctx, s.provider, prompt, n, p.effectiveOpts(s, opts))
	p.settle(s, start, err)
	return out, err
}

// ContextWindow returns the smallest configured max context window among
// enabled backends (0 when unset), the safe bound for chunk planning.
func (p *Pool) ContextWindow() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	window := 0
	for _, s := range p.slots {
		if !s.cfg.Enabled || s.cfg.MaxContextWindow <= 0 {
			continue
		}
		if window == 0 || s.cfg.MaxContextWindow < window {
			window = s.cfg.MaxContextWindow
		}
	}
	return window
}

// Status reports every slot for the management surface.
func (p *Pool) Status() []BackendStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]BackendStatus, 0, len(p.slots))
	for _, s := range p.slots {
		st := BackendStatus{
			Name:      s.cfg.Name,
			Provider:  s.cfg.Provider,
			ModelName: s.cfg.ModelName,
			Weight:    s.cfg.Weight,
			Priority:  s.cfg.Priority,
			Enabled:   s.cfg.Enabled,
			Circuit:   s.breaker.State().String(),
		}
		if s.breaker.State() == CircuitOpen {
			st.OpenUntil = s.breaker.OpenUntil()
		}
		s.statMu.Lock()
		st.Calls = s.calls
		st.Failures = s.failures
		if s.calls > 0 {
			st.AvgLatencyMs = (s.latencySum / time.Duration(s.calls)).Milliseconds()
		}
		s.statMu.Unlock()
		out = append(out, st)
	}
	return out
}

// NearestReopen returns the earliest instant an open circuit admits a
// probe, or the zero time when none is open.
func (p *Pool) NearestReopen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nearestReopenLocked()
}

func (p *Pool) nearestReopenLocked() time.Time {
	var nearest time.Time
	for _, s := range p.slots {
		if !s.cfg.Enabled || s.breaker.State() != CircuitOpen {
			continue
		}
		until := s.breaker.OpenUntil()
		if nearest.IsZero() || until.Before(nearest) {
			nearest = until
		}
	}
	return nearest
}

func (p *Pool) effectiveOpts(s *slot, opts Options) Options {
	if opts.MaxTokens == 0 {
		opts.MaxTokens = s.cfg.MaxTokens
	}
	if opts.Temperature == 0 && s.cfg.Temperature != 0 {
		opts.Temperature = s.cfg.Temperature
	}
	return opts
}

// settle feeds the breaker and latency stats after an attempt.
// Cancellations feed neither.
func (p *Pool) settle(s *slot, start time.Time, err error) {
	if err == nil {
		s.breaker.RecordSuccess()
		s.recordLatency(time.Since(start), false)
		return
	}
	if IsCanceled(err) {
		// Release a probe claim without counting the failure.
		s.breaker.RecordFailure(false)
		return
	}
	s.breaker.RecordFailure(IsRetryable(err))
	s.recordLatency(time.Since(start), true)
	p.logger.Warn("backend call failed",
		zap.String("backend", s.cfg.Name),
		zap.Error(err))
}

func wrapSelect(err error) error {
	var nb *NoBackendError
	if errors.As(err, &nb) {
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "no backend available", err)
	}
	return err
}
