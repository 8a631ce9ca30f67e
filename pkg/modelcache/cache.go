// Package modelcache implements a byte-bounded cache of loaded model objects.
// Eviction is driven by a weighted recency/frequency score rather than plain
// LRU, and cache hits opportunistically preload models the access pattern
// suggests will be requested soon.
package modelcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/streamforge/framepipe/internal/build"
	"github.com/streamforge/framepipe/pkg/logger"
)

var (
	cacheRequestsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "model_cache_requests_total",
		Help:      "Model cache lookups by outcome (hit, miss, preload).",
	}, []string{"outcome"})

	cacheBytesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "model_cache_bytes",
		Help:      "Bytes of model weights currently cached.",
	})
)

// Loader produces a model and its estimated memory footprint in bytes.
type Loader func(ctx context.Context) (any, int64, error)

// sizePenaltyReference normalizes the eviction size penalty: a model of this
// footprint contributes a full penalty unit.
const sizePenaltyReference = 100 << 20 // 100 MiB

// Config carries the cache knobs.
type Config struct {
	// MaxBytes is the ceiling on cached model footprints.
	MaxBytes int64

	// RecencyWindow is the horizon over which the recency score decays to
	// zero since last access.
	RecencyWindow time.Duration

	// FrequencyWindow bounds the "recent accesses" used by the frequency
	// score.
	FrequencyWindow time.Duration

	// HistorySize bounds the per-key access-timestamp history.
	HistorySize int

	// PreloadEnabled turns predictive preloading on.
	PreloadEnabled bool

	// PreloadWeightThreshold is the minimum prediction weight for a key to
	// be preloaded.
	PreloadWeightThreshold float64

	// PreloadRecentKeys is how many of the most recently accessed keys are
	// considered preload candidates.
	PreloadRecentKeys int
}

func DefaultConfig(maxBytes int64) Config {
	return Config{
		MaxBytes:               maxBytes,
		RecencyWindow:          10 * time.Minute,
		FrequencyWindow:        5 * time.Minute,
		HistorySize:            50,
		PreloadEnabled:         true,
		PreloadWeightThreshold: 0.5,
		PreloadRecentKeys:      5,
	}
}

// entry is a cached model plus its scoring state.
type entry struct {
	key    string
	model  any
	size   int64
	stats  *accessStats
	loader Loader
}

// accessStats survives eviction so the preloader can recognize keys that were
// recently hot but are no longer cached.
type accessStats struct {
	history       []time.Time
	totalAccesses uint64
	weight        float64
}

// Stats is a read-only snapshot of cache state.
type Stats struct {
	CurrentBytes int64
	MaxBytes     int64
	Entries      int
	Hits         uint64
	Misses       uint64
	Evictions    uint64
	Preloads     uint64
}

// Cache is the model cache. The mutex guards bookkeeping only; model loading
// happens outside it, deduplicated through a singleflight group so concurrent
// requests for one key trigger a single load.
type Cache struct {
	mu        sync.Mutex
	cfg       Config
	entries   map[string]*entry
	stats     map[string]*accessStats
	loaders   map[string]Loader
	recent    []string // most recent first, deduplicated
	current   int64
	hits      uint64
	misses    uint64
	evictions uint64
	preloads  uint64

	sf       singleflight.Group
	preloadq preloadQueue

	logger logger.Logger
}

// Opt configures a Cache.
type Opt func(*Cache)

func WithLogger(l logger.Logger) Opt {
	return func(c *Cache) {
		c.logger = l
	}
}

// WithPreloadWorkers overrides the preload worker count.
func WithPreloadWorkers(n int) Opt {
	return func(c *Cache) {
		c.preloadq.workers = n
	}
}

func New(cfg Config, opts ...Opt) *Cache {
	c := &Cache{
		cfg:     cfg,
		entries: make(map[string]*entry),
		stats:   make(map[string]*accessStats),
		logger:  logger.NewNoopLogger(),
	}
	c.preloadq.workers = 1

	for _, opt := range opts {
		opt(c)
	}

	c.preloadq.start(c)
	return c
}

// Close drains the preload workers. No Get may be issued after Close.
func (c *Cache) Close() {
	c.preloadq.stop()
}

// Get returns the cached model for key, or invokes loader to produce and
// cache one. Concurrent calls for the same key share a single load.
func (c *Cache) Get(ctx context.Context, key string, loader Loader) (any, error) {
	now := time.Now()

	c.mu.Lock()
	c.recordAccessLocked(key, loader, now)

	if e, ok := c.entries[key]; ok {
		e.loader = loader
		c.hits++
		candidates := c.preloadCandidatesLocked(now)
		c.mu.Unlock()

		cacheRequestsCounter.WithLabelValues("hit").Inc()
		c.preloadq.submit(candidates)
		return e.model, nil
	}
	c.misses++
	c.mu.Unlock()

	cacheRequestsCounter.WithLabelValues("miss").Inc()

	model, err, _ := c.sf.Do(key, func() (any, error) {
		// Re-check: another flight may have populated the entry between
		// the miss and this call.
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			c.mu.Unlock()
			return e.model, nil
		}
		c.mu.Unlock()

		model, size, err := loader(ctx)
		if err != nil {
			return nil, fmt.Errorf("load model %q: %w", key, err)
		}

		if err := c.insert(key, model, size, loader, time.Now()); err != nil {
			return nil, err
		}
		return model, nil
	})
	if err != nil {
		return nil, err
	}
	return model, nil
}

// Contains reports whether key is currently cached, without touching stats.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Invalidate drops a cached model, if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.current -= e.size
		delete(c.entries, key)
		cacheBytesGauge.Set(float64(c.current))
	}
}

// Stats returns a read-only snapshot of the cache.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		CurrentBytes: c.current,
		MaxBytes:     c.cfg.MaxBytes,
		Entries:      len(c.entries),
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
		Preloads:     c.preloads,
	}
}

func (c *Cache) insert(key string, model any, size int64, loader Loader, now time.Time) error {
	if size > c.cfg.MaxBytes {
		return fmt.Errorf("model %q (%d bytes) exceeds cache ceiling (%d bytes)", key, size, c.cfg.MaxBytes)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.current+size > c.cfg.MaxBytes {
		if !c.evictOneLocked(key, now) {
			return fmt.Errorf("model cache cannot free space for %q", key)
		}
	}

	stats := c.stats[key]
	if stats == nil {
		stats = &accessStats{}
		c.stats[key] = stats
	}

	c.entries[key] = &entry{
		key:    key,
		model:  model,
		size:   size,
		stats:  stats,
		loader: loader,
	}
	c.current += size
	cacheBytesGauge.Set(float64(c.current))
	return nil
}

// evictOneLocked removes the entry with the lowest composite value score.
// The entry being inserted (exempt) is never chosen. Requires c.mu held.
func (c *Cache) evictOneLocked(exempt string, now time.Time) bool {
	var victim *entry
	victimScore := 0.0

	for _, e := range c.entries {
		if e.key == exempt {
			continue
		}
		score := c.valueScoreLocked(e, now)
		if victim == nil || score < victimScore {
			victim = e
			victimScore = score
		}
	}

	if victim == nil {
		return false
	}

	c.current -= victim.size
	delete(c.entries, victim.key)
	c.evictions++
	c.logger.Debug("model evicted",
		zap.String("key", victim.key),
		zap.Float64("score", victimScore),
		zap.Int64("size_bytes", victim.size),
	)
	return true
}

// valueScoreLocked is the composite eviction score: higher is more valuable.
func (c *Cache) valueScoreLocked(e *entry, now time.Time) float64 {
	recency := c.recencyScore(e.stats, now)
	frequency := c.frequencyScore(e.stats, now)
	sizePenalty := float64(e.size) / float64(sizePenaltyReference)
	return 0.5*recency + 0.4*frequency - 0.1*sizePenalty
}

// recencyScore decays linearly from 1 to 0 over RecencyWindow since last use.
func (c *Cache) recencyScore(s *accessStats, now time.Time) float64 {
	if len(s.history) == 0 {
		return 0
	}
	since := now.Sub(s.history[len(s.history)-1])
	if since >= c.cfg.RecencyWindow {
		return 0
	}
	return 1 - since.Seconds()/c.cfg.RecencyWindow.Seconds()
}

// frequencyScore is the fraction of recorded accesses that happened within
// FrequencyWindow.
func (c *Cache) frequencyScore(s *accessStats, now time.Time) float64 {
	if s.totalAccesses == 0 {
		return 0
	}
	cutoff := now.Add(-c.cfg.FrequencyWindow)
	recent := 0
	for _, ts := range s.history {
		if ts.After(cutoff) {
			recent++
		}
	}
	return float64(recent) / float64(s.totalAccesses)
}

// recordAccessLocked appends an access timestamp, refreshes the prediction
// weight, and moves key to the front of the recent list. Requires c.mu held.
func (c *Cache) recordAccessLocked(key string, loader Loader, now time.Time) {
	s := c.stats[key]
	if s == nil {
		s = &accessStats{}
		c.stats[key] = s
	}

	s.history = append(s.history, now)
	if len(s.history) > c.cfg.HistorySize {
		s.history = s.history[len(s.history)-c.cfg.HistorySize:]
	}
	s.totalAccesses++
	s.weight = 0.7*c.recencyScore(s, now) + 0.3*c.frequencyScore(s, now)

	// Track loaders for keys we may need to preload after eviction.
	if c.loaders == nil {
		c.loaders = make(map[string]Loader)
	}
	c.loaders[key] = loader

	for i, k := range c.recent {
		if k == key {
			c.recent = append(c.recent[:i], c.recent[i+1:]...)
			break
		}
	}
	c.recent = append([]string{key}, c.recent...)
	if len(c.recent) > c.cfg.HistorySize {
		c.recent = c.recent[:c.cfg.HistorySize]
	}
}

// preloadCandidatesLocked picks keys worth loading in the background: high
// prediction weight, recently accessed, not currently cached. Requires c.mu
// held.
func (c *Cache) preloadCandidatesLocked(now time.Time) []preloadRequest {
	if !c.cfg.PreloadEnabled {
		return nil
	}

	limit := min(c.cfg.PreloadRecentKeys, len(c.recent))

	var out []preloadRequest
	for _, key := range c.recent[:limit] {
		if _, cached := c.entries[key]; cached {
			continue
		}
		s := c.stats[key]
		if s == nil || s.weight <= c.cfg.PreloadWeightThreshold {
			continue
		}
		ld := c.loaders[key]
		if ld == nil {
			continue
		}
		out = append(out, preloadRequest{key: key, loader: ld})
	}
	return out
}
