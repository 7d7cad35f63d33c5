// Package contextstore keeps named transcripts of recent request/response
// pairs plus shared key-value state extracted from generated bodies. The
// block it formats is injected into later prompts for cross-request
// consistency.
package contextstore

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mocksmith/mocksmith/internal/domain/jsontree"
)

// Call is one recorded request/response pair.
type Call struct {
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	RequestBody  string    `json:"requestBody,omitempty"`
	ResponseBody string    `json:"responseBody,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Snapshot is a read-only copy of one named context.
type Snapshot struct {
	Name        string            `json:"name"`
	RecentCalls []Call            `json:"recentCalls"`
	SharedData  map[string]string `json:"sharedData"`
	Summary     string            `json:"contextSummary,omitempty"`
	TotalCalls  int               `json:"totalCalls"`
	CreatedAt   time.Time         `json:"createdAt"`
	LastUsedAt  time.Time         `json:"lastUsedAt"`
}

type apiContext struct {
	mu         sync.Mutex
	name       string
	recent     []Call
	shared     map[string]string
	summary    string
	totalCalls int
	createdAt  time.Time
	lastUsed   time.Time
}

// Config tunes the store.
type Config struct {
	Expiration     time.Duration // sliding expiry per context
	MaxRecentCalls int
	KeyPatterns    []string // regexes matching shared-data key names
	MaxValueLen    int      // shared values longer than this are skipped
	MaxPromptBytes int      // bound on the formatted prompt block
}

// DefaultKeyPatterns match identifier-like fields worth carrying across
// requests.
var DefaultKeyPatterns = []string{
	`(?i)^id$`, `(?i)Id$`, `(?i)Name$`, `(?i)Email$`, `(?i)^sku$`, `(?i)^code$`, `(?i)Uuid$`,
}

// Store owns all named contexts. It is a process-wide singleton; handlers
// reach it through capability interfaces only.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]*apiContext
	cfg      Config
	patterns []*regexp.Regexp
	logger   *zap.Logger
}

// New creates a context store. Invalid key patterns are logged and
// skipped.
func New(cfg Config, logger *zap.Logger) *Store {
	if cfg.Expiration <= 0 {
		cfg.Expiration = 15 * time.Minute
	}
	if cfg.MaxRecentCalls <= 0 {
		cfg.MaxRecentCalls = 10
	}
	if cfg.MaxValueLen <= 0 {
		cfg.MaxValueLen = 200
	}
	if cfg.MaxPromptBytes <= 0 {
		cfg.MaxPromptBytes = 4000
	}
	if len(cfg.KeyPatterns) == 0 {
		cfg.KeyPatterns = DefaultKeyPatterns
	}

	s := &Store{
		contexts: make(map[string]*apiContext),
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "context-store")),
	}
	for _, p := range cfg.KeyPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			s.logger.Warn("Invalid shared-key pattern, skipping",
				zap.String("pattern", p), zap.Error(err))
			continue
		}
		s.patterns = append(s.patterns, re)
	}
	return s
}

// Get returns a snapshot of the named context, if it exists.
func (s *Store) Get(name string) (Snapshot, bool) {
	s.mu.RLock()
	ctx, ok := s.contexts[name]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return ctx.snapshot(), true
}

// GetOrCreate returns the named context, creating it if needed.
func (s *Store) GetOrCreate(name string) Snapshot {
	return s.getOrCreate(name).snapshot()
}

func (s *Store) getOrCreate(name string) *apiContext {
	s.mu.RLock()
	ctx, ok := s.contexts[name]
	s.mu.RUnlock()
	if ok {
		return ctx
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx, ok = s.contexts[name]; ok {
		return ctx
	}
	now := time.Now()
	ctx = &apiContext{
		name:      name,
		shared:    make(map[string]string),
		createdAt: now,
		lastUsed:  now,
	}
	s.contexts[name] = ctx
	s.logger.Debug("Context created", zap.String("context", name))
	return ctx
}

// Record appends a call to the named context and merges shared keys
// extracted from the response body. Appends are serialized per context.
func (s *Store) Record(name, method, path, requestBody, responseBody string) {
	ctx := s.getOrCreate(name)
	extracted := s.extractSharedKeys(responseBody)

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	ctx.recent = append(ctx.recent, Call{
		Method:       method,
		Path:         path,
		RequestBody:  requestBody,
		ResponseBody: responseBody,
		Timestamp:    time.Now(),
	})
	if len(ctx.recent) > s.cfg.MaxRecentCalls {
		ctx.recent = ctx.recent[len(ctx.recent)-s.cfg.MaxRecentCalls:]
	}
	for k, v := range extracted {
		ctx.shared[k] = v // later values overwrite earlier
	}
	ctx.totalCalls++
	ctx.lastUsed = time.Now()
}

// SetShared merges explicit shared data into a context (management PATCH).
func (s *Store) SetShared(name string, data map[string]string) {
	ctx := s.getOrCreate(name)
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for k, v := range data {
		ctx.shared[k] = v
	}
	ctx.lastUsed = time.Now()
}

// SetSummary stores an LLM-produced rollup. Not authoritative.
func (s *Store) SetSummary(name, summary string) {
	ctx := s.getOrCreate(name)
	ctx.mu.Lock()
	ctx.summary = summary
	ctx.lastUsed = time.Now()
	ctx.mu.Unlock()
}

// FormatForPrompt serializes recent calls and shared data into a bounded
// text block for prompt inclusion. Returns "" for unknown contexts.
func (s *Store) FormatForPrompt(name string) string {
	s.mu.RLock()
	ctx, ok := s.contexts[name]
	s.mu.RUnlock()
	if !ok {
		return ""
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.lastUsed = time.Now()

	var sb strings.Builder
	fmt.Fprintf(&sb, "API context %q (%d calls so far).\n", ctx.name, ctx.totalCalls)

	if len(ctx.shared) > 0 {
		sb.WriteString("Known identifiers (reuse these values verbatim for consistency):\n")
		keys := make([]string, 0, len(ctx.shared))
		for k := range ctx.shared {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s = %s\n", k, ctx.shared[k])
		}
	}

	if ctx.summary != "" {
		fmt.Fprintf(&sb, "Summary: %s\n", ctx.summary)
	}

	if len(ctx.recent) > 0 {
		sb.WriteString("Recent calls (oldest first):\n")
		for _, c := range ctx.recent {
			fmt.Fprintf(&sb, "  %s %s -> %s\n", c.Method, c.Path, truncate(c.ResponseBody, 300))
		}
	}

	out := sb.String()
	if len(out) > s.cfg.MaxPromptBytes {
		out = out[:s.cfg.MaxPromptBytes]
	}
	return out
}

// Clear removes one context.
func (s *Store) Clear(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[name]; !ok {
		return false
	}
	delete(s.contexts, name)
	return true
}

// ClearAll removes every context.
func (s *Store) ClearAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.contexts)
	s.contexts = make(map[string]*apiContext)
	return n
}

// ListAll returns snapshots of every live context.
func (s *Store) ListAll() []Snapshot {
	s.mu.RLock()
	ctxs := make([]*apiContext, 0, len(s.contexts))
	for _, c := range s.contexts {
		ctxs = append(ctxs, c)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(ctxs))
	for _, c := range ctxs {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sweep removes contexts idle beyond the sliding expiration. Run
// periodically; errors racing a sweep are logged and swallowed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for name, ctx := range s.contexts {
		ctx.mu.Lock()
		idle := now.Sub(ctx.lastUsed)
		ctx.mu.Unlock()
		if idle > s.cfg.Expiration {
			delete(s.contexts, name)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("Swept expired contexts", zap.Int("removed", removed))
	}
	return removed
}

// extractSharedKeys walks the response JSON recording dotted paths whose
// final key matches one of the configured patterns.
func (s *Store) extractSharedKeys(responseBody string) map[string]string {
	if responseBody == "" || len(s.patterns) == 0 {
		return nil
	}
	v, err := jsontree.Parse([]byte(responseBody))
	if err != nil {
		return nil
	}

	out := make(map[string]string)
	v.Walk(func(path string, node *jsontree.Value) {
		if path == "" {
			return
		}
		val := node.Scalar()
		if val == "" || len(val) > s.cfg.MaxValueLen {
			return
		}
		if node.Kind() != jsontree.Str && node.Kind() != jsontree.Num {
			return
		}
		key := leafKey(path)
		for _, re := range s.patterns {
			if re.MatchString(key) {
				out[path] = val
				return
			}
		}
	})
	return out
}

// leafKey extracts the final object key from a dotted path, ignoring
// trailing array indexes.
func leafKey(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		path = path[i+1:]
	}
	if i := strings.IndexByte(path, '['); i >= 0 {
		path = path[:i]
	}
	return path
}

func (c *apiContext) snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Name:        c.name,
		RecentCalls: append([]Call(nil), c.recent...),
		SharedData:  make(map[string]string, len(c.shared)),
		Summary:     c.summary,
		TotalCalls:  c.totalCalls,
		CreatedAt:   c.createdAt,
		LastUsedAt:  c.lastUsed,
	}
	for k, v := range c.shared {
		snap.SharedData[k] = v
	}
	return snap
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
