// Package cache holds pre-generated response variants keyed by request
// fingerprint. Each entry is a FIFO queue drained one variant per
// request; a miss produces one response synchronously and tops the queue
// up in the background, so repeated identical calls see differing but
// plausible bodies without an upstream round trip.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mocksmith/mocksmith/pkg/safego"
)

// Config tunes the variant cache.
type Config struct {
	Enabled           bool          `json:"enabled" mapstructure:"enabled"`
	MaxItems          int           `json:"maxItems" mapstructure:"max_items"`
	SlidingTTL        time.Duration `json:"slidingTtl" mapstructure:"sliding_ttl"`
	AbsoluteTTL       time.Duration `json:"absoluteTtl" mapstructure:"absolute_ttl"`
	CompressThreshold int           `json:"compressThreshold" mapstructure:"compress_threshold"`
	RefillTimeout     time.Duration `json:"refillTimeout" mapstructure:"refill_timeout"`
}

// DefaultConfig returns the cache defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		MaxItems:          500,
		SlidingTTL:        15 * time.Minute,
		AbsoluteTTL:       60 * time.Minute,
		CompressThreshold: 4096,
		RefillTimeout:     2 * time.Minute,
	}
}

type variant struct {
	data       []byte
	compressed bool
}

type entry struct {
	mu         sync.Mutex
	queue      []variant
	primed     bool
	createdAt  time.Time
	lastAccess time.Time
}

// Stats is the management-surface snapshot of the cache.
type Stats struct {
	Entries  int   `json:"entries"`
	Variants int   `json:"variants"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}

// Producer generates n fresh variants for one fingerprint. A partial
// slice alongside an error is allowed; complete variants are kept.
type Producer func(ctx context.Context, n int) ([]string, error)

// Cache is the fingerprint-keyed variant store. Acquire never blocks
// longer than one production; refills run in the background and are
// deduplicated per key.
type Cache struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry

	group   singleflight.Group
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a variant cache.
func New(cfg Config, logger *zap.Logger) *Cache {
	def := DefaultConfig()
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = def.MaxItems
	}
	if cfg.SlidingTTL <= 0 {
		cfg.SlidingTTL = def.SlidingTTL
	}
	if cfg.AbsoluteTTL <= 0 {
		cfg.AbsoluteTTL = def.AbsoluteTTL
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = def.CompressThreshold
	}
	if cfg.RefillTimeout <= 0 {
		cfg.RefillTimeout = def.RefillTimeout
	}

	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)
	return &Cache{
		cfg:     cfg,
		logger:  logger,
		entries: map[string]*entry{},
		encoder: enc,
		decoder: dec,
	}
}

// Acquire returns one variant for key. On a queue hit the pooled variant
// is dequeued; two concurrent callers never receive the same one. On a
// miss, one response is produced synchronously and a background refill
// brings the queue up to capacity. The bool reports a hit.
func (c *Cache) Acquire(ctx context.Context, key string, capacity int, produce Producer) (string, bool, error) {
	if !c.cfg.Enabled || capacity <= 0 {
		out, err := produce(ctx, 1)
		if err != nil {
			return "", false, err
		}
		return out[0], false, nil
	}

	e := c.entry(key)
	if body, ok := c.pop(e); ok {
		c.hits.Add(1)
		return body, true, nil
	}
	c.misses.Add(1)

	out, err := produce(ctx, 1)
	if err != nil {
		return "", false, err
	}

	c.refill(key, e, capacity, produce)
	return out[0], false, nil
}

// refill tops the queue up to capacity in the background. Unprimed
// entries always refill; primed ones only when drained below half
// capacity. At most one refill runs per key.
func (c *Cache) refill(key string, e *entry, capacity int, produce Producer) {
	e.mu.Lock()
	need := capacity - len(e.queue)
	trigger := !e.primed || len(e.queue) < capacity/2
	e.mu.Unlock()
	if need <= 0 || !trigger {
		return
	}

	safego.Go(c.logger, "cache-refill", func() {
		c.group.Do(key, func() (any, error) {
			e.mu.Lock()
			n := capacity - len(e.queue)
			e.mu.Unlock()
			if n <= 0 {
				return nil, nil
			}

			// Detached from the triggering request: its disconnect must
			// not abandon a half-filled queue.
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefillTimeout)
			defer cancel()

			variants, err := produce(ctx, n)
			if err != nil {
				c.logger.Warn("variant refill incomplete",
					zap.String("key", key),
					zap.Int("wanted", n),
					zap.Int("got", len(variants)),
					zap.Error(err))
			}
			c.append(key, e, variants, capacity)
			return nil, nil
		})
	})
}

func (c *Cache) entry(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		now := time.Now()
		e = &entry{createdAt: now, lastAccess: now}
		c.entries[key] = e
		c.evictLocked()
	}
	return e
}

func (c *Cache) pop(e *entry) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return "", false
	}
	v := e.queue[0]
	e.queue = e.queue[1:]
	e.lastAccess = time.Now()

	if !v.compressed {
		return string(v.data), true
	}
	raw, err := c.decoder.DecodeAll(v.data, nil)
	if err != nil {
		c.logger.Warn("cached variant failed to decompress, dropping", zap.Error(err))
		return "", false
	}
	return string(raw), true
}

func (c *Cache) append(key string, e *entry, variants []string, capacity int) {
	now := time.Now()

	e.mu.Lock()
	for _, s := range variants {
		if len(e.queue) >= capacity {
			break
		}
		v := variant{data: []byte(s)}
		if len(v.data) >= c.cfg.CompressThreshold {
			v.data = c.encoder.EncodeAll(v.data, nil)
			v.compressed = true
		}
		e.queue = append(e.queue, v)
	}
	e.primed = true
	e.lastAccess = now
	e.mu.Unlock()
}

// evictLocked drops least-recently-accessed entries past MaxItems.
func (c *Cache) evictLocked() {
	for len(c.entries) > c.cfg.MaxItems {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			e.mu.Lock()
			at := e.lastAccess
			e.mu.Unlock()
			if oldestKey == "" || at.Before(oldest) {
				oldestKey, oldest = k, at
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Invalidate drops all variants for one fingerprint.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]*entry{}
}

// Sweep removes entries idle past the sliding TTL or older than the
// absolute TTL. Run it from a periodic goroutine.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		e.mu.Lock()
		stale := now.Sub(e.lastAccess) > c.cfg.SlidingTTL || now.Sub(e.createdAt) > c.cfg.AbsoluteTTL
		e.mu.Unlock()
		if stale {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Stats snapshots the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	variants := 0
	for _, e := range c.entries {
		e.mu.Lock()
		variants += len(e.queue)
		e.mu.Unlock()
	}
	return Stats{
		Entries:  len(c.entries),
		Variants: variants,
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
	}
}
