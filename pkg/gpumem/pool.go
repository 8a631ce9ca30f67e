// Package gpumem implements a priority-aware pool for the transient device
// buffers pipeline stages allocate per frame. The pool enforces a hard byte
// ceiling: an allocation either reclaims enough space from lower-priority
// blocks or fails, it never overshoots. Idle blocks may be transparently
// zstd-compressed when the pool runs hot, and a background sweeper reclaims
// blocks that have gone unused for too long.
package gpumem

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/streamforge/framepipe/internal/build"
	"github.com/streamforge/framepipe/pkg/logger"
)

// DType tags the element type a block holds.
type DType string

const (
	Float32 DType = "float32"
	Float16 DType = "float16"
	Uint8   DType = "uint8"
)

// Priority orders blocks for eviction; lower priorities are reclaimed first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var (
	poolBytesGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "memory_pool_bytes",
		Help:      "Bytes currently tracked by the memory pool, by store.",
	}, []string{"store"})

	poolAllocationsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "memory_pool_allocations_total",
		Help:      "Allocation attempts by outcome (hit, miss, exhausted).",
	}, []string{"outcome"})

	poolEvictionsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "memory_pool_evictions_total",
		Help:      "Blocks evicted to satisfy allocations or by the sweeper.",
	})
)

// Block is a pooled buffer handle. Blocks are reference counted: Retain
// shares a block between holders and Release returns it to the pool once the
// count reaches zero. Data must not be used after the final Release.
type Block struct {
	id          uint64
	Data        []byte
	Size        int64
	DType       DType
	Device      string
	Priority    Priority
	AllocatedAt time.Time

	lastUsed   time.Time
	refCount   int
	persistent bool
	compressed bool
}

// ID returns the pool-unique identity of the block.
func (b *Block) ID() uint64 { return b.id }

// Persistent reports whether the block is exempt from eviction.
func (b *Block) Persistent() bool { return b.persistent }

type blockKey struct {
	device string
	dtype  DType
	size   int64
}

type compressedBlock struct {
	key      blockKey
	block    *Block
	payload  []byte // zstd-compressed Data
	storedAt time.Time
}

// Stats is a read-only snapshot of pool state.
type Stats struct {
	CurrentBytes       int64
	MaxBytes           int64
	Utilization        float64
	CompressionEnabled bool
	Hits               uint64
	Misses             uint64
	Exhausted          uint64
	Evictions          uint64
	Compressions       uint64
	Decompressions     uint64
	FreeBlocks         int
	InUseBlocks        int
	CompressedCount    int
}

// Config carries the pool knobs. Threshold defaults follow the tuning the
// pipeline ships with and are intentionally overridable.
type Config struct {
	// MaxBytes is the hard ceiling on bytes tracked by the pool.
	MaxBytes int64

	// CompressionEnabled turns on zstd compression of released blocks when
	// utilization exceeds CompressionThreshold.
	CompressionEnabled bool

	// CompressionThreshold is the utilization fraction above which released
	// blocks are compressed instead of pooled live.
	CompressionThreshold float64

	// MaxBlockAge is how long an unused non-persistent block may sit in the
	// pool before the sweeper reclaims it.
	MaxBlockAge time.Duration

	// SweepInterval is how often the background sweeper runs.
	SweepInterval time.Duration
}

func DefaultConfig(maxBytes int64) Config {
	return Config{
		MaxBytes:             maxBytes,
		CompressionEnabled:   true,
		CompressionThreshold: 0.7,
		MaxBlockAge:          300 * time.Second,
		SweepInterval:        30 * time.Second,
	}
}

// Pool is the allocator. All bookkeeping is guarded by a single mutex held
// only for map/counter updates, never across compression or the caller's use
// of a block.
type Pool struct {
	mu           sync.Mutex
	cfg          Config
	currentBytes int64
	free         map[blockKey][]*Block
	inUse        map[uint64]*Block
	compressed   map[uint64]*compressedBlock

	nextID atomic.Uint64

	hits           uint64
	misses         uint64
	exhausted      uint64
	evictions      uint64
	compressions   uint64
	decompressions uint64

	enc *zstd.Encoder
	dec *zstd.Decoder

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}

	logger logger.Logger
}

// Opt configures a Pool.
type Opt func(*Pool)

func WithLogger(l logger.Logger) Opt {
	return func(p *Pool) {
		p.logger = l
	}
}

func NewPool(cfg Config, opts ...Opt) (*Pool, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:        cfg,
		free:       make(map[blockKey][]*Block),
		inUse:      make(map[uint64]*Block),
		compressed: make(map[uint64]*compressedBlock),
		enc:        enc,
		dec:        dec,
		logger:     logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// AllocateOpt tweaks a single allocation.
type AllocateOpt func(*Block)

// AsPersistent marks the block exempt from eviction (model weights and other
// long-lived reservations).
func AsPersistent() AllocateOpt {
	return func(b *Block) {
		b.persistent = true
	}
}

// Allocate returns a block of the requested shape, or (nil, false) if the
// pool cannot make space without exceeding its ceiling. A pooled block of the
// same (device, dtype, size) signature is reused when available.
func (p *Pool) Allocate(size int64, dtype DType, device string, priority Priority, opts ...AllocateOpt) (*Block, bool) {
	if size <= 0 || size > p.cfg.MaxBytes {
		return nil, false
	}

	key := blockKey{device: device, dtype: dtype, size: size}
	now := time.Now()

	p.mu.Lock()

	if blocks := p.free[key]; len(blocks) > 0 {
		b := blocks[len(blocks)-1]
		p.free[key] = blocks[:len(blocks)-1]
		b.refCount++
		b.lastUsed = now
		b.Priority = priority
		p.inUse[b.id] = b
		p.hits++
		p.mu.Unlock()

		poolAllocationsCounter.WithLabelValues("hit").Inc()
		return b, true
	}

	if b, ok := p.reviveCompressedLocked(key, priority, now); ok {
		p.mu.Unlock()
		poolAllocationsCounter.WithLabelValues("hit").Inc()
		return b, true
	}

	if p.currentBytes+size > p.cfg.MaxBytes {
		if !p.makeSpaceLocked(size, priority, now) {
			p.exhausted++
			p.mu.Unlock()

			poolAllocationsCounter.WithLabelValues("exhausted").Inc()
			p.logger.Warn("memory pool exhausted",
				zap.Int64("requested_bytes", size),
				zap.String("device", device),
			)
			return nil, false
		}
	}

	b := &Block{
		id:          p.nextID.Add(1),
		Data:        make([]byte, size),
		Size:        size,
		DType:       dtype,
		Device:      device,
		Priority:    priority,
		AllocatedAt: now,
		lastUsed:    now,
		refCount:    1,
	}
	for _, opt := range opts {
		opt(b)
	}

	p.currentBytes += size
	p.inUse[b.id] = b
	p.misses++
	p.mu.Unlock()

	poolAllocationsCounter.WithLabelValues("miss").Inc()
	p.publishGauges()
	return b, true
}

// reviveCompressedLocked reuses a compressed block with a matching signature,
// decompressing it back into the live set. Reviving swaps the payload for the
// full block size, so the grown footprint must fit under the ceiling like any
// other allocation. Requires p.mu held.
func (p *Pool) reviveCompressedLocked(key blockKey, priority Priority, now time.Time) (*Block, bool) {
	for id, cb := range p.compressed {
		if cb.key != key {
			continue
		}

		// Take the reservation out first so the eviction pass below cannot
		// pick this block as its own victim.
		delete(p.compressed, id)
		p.currentBytes -= int64(len(cb.payload))

		if p.currentBytes+key.size > p.cfg.MaxBytes {
			if !p.makeSpaceLocked(key.size, priority, now) {
				p.compressed[id] = cb
				p.currentBytes += int64(len(cb.payload))
				return nil, false
			}
		}

		data, err := p.dec.DecodeAll(cb.payload, make([]byte, 0, key.size))
		if err != nil || int64(len(data)) != key.size {
			// Treat an undecodable block as lost; the reservation is
			// already gone.
			continue
		}

		p.currentBytes += key.size

		b := cb.block
		b.Data = data
		b.compressed = false
		b.refCount = 1
		b.lastUsed = now
		b.Priority = priority
		p.inUse[b.id] = b
		p.hits++
		p.decompressions++
		return b, true
	}
	return nil, false
}

// Retain increments the reference count so another holder may share the block.
func (p *Pool) Retain(b *Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.refCount++
	b.lastUsed = time.Now()
}

// Release returns a block to the pool. If other holders remain, only the
// reference count drops. Otherwise the block is either compressed into the
// secondary store (when the pool is above its compression threshold) or
// parked on the free list under its allocation signature.
func (p *Pool) Release(b *Block) {
	if b == nil {
		return
	}

	p.mu.Lock()

	b.refCount--
	if b.refCount > 0 {
		p.mu.Unlock()
		return
	}

	delete(p.inUse, b.id)
	b.lastUsed = time.Now()
	key := blockKey{device: b.Device, dtype: b.DType, size: b.Size}

	utilization := float64(p.currentBytes) / float64(p.cfg.MaxBytes)
	shouldCompress := p.cfg.CompressionEnabled && !b.persistent && utilization > p.cfg.CompressionThreshold

	if !shouldCompress {
		p.free[key] = append(p.free[key], b)
		p.mu.Unlock()
		p.publishGauges()
		return
	}
	p.mu.Unlock()

	// Compress outside the lock; only the bookkeeping swap below holds it.
	payload := p.enc.EncodeAll(b.Data, make([]byte, 0, len(b.Data)/4))

	p.mu.Lock()
	if int64(len(payload)) >= b.Size {
		// Incompressible data; keep it live.
		p.free[key] = append(p.free[key], b)
		p.mu.Unlock()
		p.publishGauges()
		return
	}

	p.currentBytes -= b.Size
	p.currentBytes += int64(len(payload))
	b.Data = nil
	b.compressed = true
	p.compressed[b.id] = &compressedBlock{
		key:      key,
		block:    b,
		payload:  payload,
		storedAt: time.Now(),
	}
	p.compressions++
	p.mu.Unlock()

	p.publishGauges()
}

// makeSpaceLocked frees at least need bytes for a request at the given
// priority. It tries, in order: compressed blocks of strictly lower priority,
// free-list blocks of strictly lower priority, then a forced pass over all
// non-persistent free blocks. Requires p.mu held. Returns false if the pool
// still cannot fit the request.
func (p *Pool) makeSpaceLocked(need int64, priority Priority, now time.Time) bool {
	available := func() int64 { return p.cfg.MaxBytes - p.currentBytes }

	p.evictCompressedLocked(need, func(cb *compressedBlock) bool {
		return cb.block.Priority < priority
	})
	if available() >= need {
		return true
	}

	p.evictFreeLocked(need, func(b *Block) bool {
		return !b.persistent && b.Priority < priority
	})
	if available() >= need {
		return true
	}

	// Forced pass: any non-persistent idle block goes, regardless of priority.
	p.evictCompressedLocked(need, func(cb *compressedBlock) bool {
		return !cb.block.persistent
	})
	p.evictFreeLocked(need, func(b *Block) bool {
		return !b.persistent
	})

	return available() >= need
}

// evictCompressedLocked drops compressed blocks matching keep-out predicate
// until need bytes are available, lowest priority and oldest first.
func (p *Pool) evictCompressedLocked(need int64, victim func(*compressedBlock) bool) {
	var candidates []*compressedBlock
	for _, cb := range p.compressed {
		if victim(cb) {
			candidates = append(candidates, cb)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].block.Priority != candidates[j].block.Priority {
			return candidates[i].block.Priority < candidates[j].block.Priority
		}
		return candidates[i].block.lastUsed.Before(candidates[j].block.lastUsed)
	})

	for _, cb := range candidates {
		if p.cfg.MaxBytes-p.currentBytes >= need {
			return
		}
		delete(p.compressed, cb.block.id)
		p.currentBytes -= int64(len(cb.payload))
		p.evictions++
		poolEvictionsCounter.Inc()
	}
}

// evictFreeLocked drops free-list blocks until need bytes are available,
// lowest priority and oldest first.
func (p *Pool) evictFreeLocked(need int64, victim func(*Block) bool) {
	var candidates []*Block
	for _, blocks := range p.free {
		for _, b := range blocks {
			if victim(b) {
				candidates = append(candidates, b)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})

	for _, b := range candidates {
		if p.cfg.MaxBytes-p.currentBytes >= need {
			return
		}
		p.removeFreeLocked(b)
		p.currentBytes -= b.Size
		p.evictions++
		poolEvictionsCounter.Inc()
	}
}

func (p *Pool) removeFreeLocked(b *Block) {
	key := blockKey{device: b.Device, dtype: b.DType, size: b.Size}
	blocks := p.free[key]
	for i, candidate := range blocks {
		if candidate.id == b.id {
			p.free[key] = append(blocks[:i], blocks[i+1:]...)
			if len(p.free[key]) == 0 {
				delete(p.free, key)
			}
			return
		}
	}
}

// Start launches the background sweeper. Implements the Startable capability.
func (p *Pool) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if p.sweepCancel != nil {
		p.mu.Unlock()
		cancel()
		return nil
	}
	done := make(chan struct{})
	p.sweepCancel = cancel
	p.sweepDone = done
	p.mu.Unlock()

	go p.runSweeper(ctx, done)
	return nil
}

// Stop halts the background sweeper. Implements the Stoppable capability.
func (p *Pool) Stop() error {
	p.mu.Lock()
	cancel := p.sweepCancel
	done := p.sweepDone
	p.sweepCancel = nil
	p.sweepDone = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (p *Pool) runSweeper(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(time.Now())
		}
	}
}

// Sweep reclaims non-persistent idle blocks older than MaxBlockAge,
// regardless of pressure. Exposed for tests and manual triggering.
func (p *Pool) Sweep(now time.Time) int {
	cutoff := now.Add(-p.cfg.MaxBlockAge)

	p.mu.Lock()

	var swept int
	for key, blocks := range p.free {
		kept := blocks[:0]
		for _, b := range blocks {
			if !b.persistent && b.lastUsed.Before(cutoff) {
				p.currentBytes -= b.Size
				p.evictions++
				swept++
				continue
			}
			kept = append(kept, b)
		}
		if len(kept) == 0 {
			delete(p.free, key)
		} else {
			p.free[key] = kept
		}
	}

	for id, cb := range p.compressed {
		if !cb.block.persistent && cb.block.lastUsed.Before(cutoff) {
			delete(p.compressed, id)
			p.currentBytes -= int64(len(cb.payload))
			p.evictions++
			swept++
		}
	}

	p.mu.Unlock()

	if swept > 0 {
		poolEvictionsCounter.Add(float64(swept))
		p.logger.Debug("memory pool sweep reclaimed blocks", zap.Int("count", swept))
		p.publishGauges()
	}
	return swept
}

// Stats returns a read-only snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	freeCount := 0
	for _, blocks := range p.free {
		freeCount += len(blocks)
	}

	return Stats{
		CurrentBytes:       p.currentBytes,
		MaxBytes:           p.cfg.MaxBytes,
		Utilization:        float64(p.currentBytes) / float64(p.cfg.MaxBytes),
		CompressionEnabled: p.cfg.CompressionEnabled,
		Hits:               p.hits,
		Misses:             p.misses,
		Exhausted:          p.exhausted,
		Evictions:          p.evictions,
		Compressions:       p.compressions,
		Decompressions:     p.decompressions,
		FreeBlocks:         freeCount,
		InUseBlocks:        len(p.inUse),
		CompressedCount:    len(p.compressed),
	}
}

// SetCompressionEnabled toggles compression of released blocks at runtime.
// The auto-tuner flips this under memory pressure.
func (p *Pool) SetCompressionEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.CompressionEnabled = enabled
}

func (p *Pool) publishGauges() {
	p.mu.Lock()
	current := p.currentBytes
	compressedCount := len(p.compressed)
	p.mu.Unlock()

	poolBytesGauge.WithLabelValues("total").Set(float64(current))
	poolBytesGauge.WithLabelValues("compressed").Set(float64(compressedCount))
}
