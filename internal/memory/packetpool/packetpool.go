// Package packetpool recycles variable-size compressed-data buffers.
// Requests are bucketed into five size categories; each category holds
// sub-pools keyed by a rounded-up target size so the sub-pool count stays
// bounded while requested sizes vary continuously. Packets are
// reference-counted: Share hands out another owner and the buffer only
// returns to its pool when the last owner releases it.
package packetpool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Dark-Knight-0817/ffplay0.1/internal/memerr"
	"github.com/Dark-Knight-0817/ffplay0.1/internal/memory/objectpool"
)

// Config controls sub-pool sizing, the memory budget and the janitor
// cadence.
type Config struct {
	MaxPoolsPerCategory int
	PacketsPerPool      int
	MaxTotalMemory      int64
	PressureThreshold   float64
	CleanupInterval     time.Duration
}

// DefaultConfig returns the sizing used when no explicit config is given.
func DefaultConfig() Config {
	return Config{
		MaxPoolsPerCategory: 8,
		PacketsPerPool:      32,
		MaxTotalMemory:      128 * 1024 * 1024,
		PressureThreshold:   0.8,
		CleanupInterval:     30 * time.Second,
	}
}

// Packet is a reference-counted compressed-data buffer. The buffer may be
// larger than the requested size; Data returns the requested prefix.
type Packet struct {
	buf      []byte
	size     int
	category Category

	refs     atomic.Int32
	recycled atomic.Bool
	owner    *Recycler
	lease    *objectpool.Lease[*Packet]
}

// Data returns the usable bytes, sized to the original request.
func (p *Packet) Data() []byte {
	return p.buf[:p.size]
}

// Len returns the requested size.
func (p *Packet) Len() int { return p.size }

// Cap returns the underlying buffer size.
func (p *Packet) Cap() int { return len(p.buf) }

// Category returns the size class the packet was bucketed into.
func (p *Packet) Category() Category { return p.category }

// Pooled reports whether the buffer came from a sub-pool.
func (p *Packet) Pooled() bool { return p.lease != nil }

// Share adds an owner and returns the same packet. Every owner must call
// Release exactly once.
func (p *Packet) Share() *Packet {
	p.refs.Add(1)
	return p
}

// Refs returns the current owner count.
func (p *Packet) Refs() int32 {
	return p.refs.Load()
}

// Release drops one owner and reports whether this call was the one that
// retired the buffer. The buffer is recycled when the count reaches zero;
// extra releases beyond that are no-ops. Exactly one concurrent releaser
// sees true, so callers can hang last-owner bookkeeping off the return
// value instead of pre-reading Refs.
func (p *Packet) Release() bool {
	if p == nil {
		return false
	}
	if p.refs.Add(-1) != 0 {
		return false
	}
	if !p.recycled.CompareAndSwap(false, true) {
		return false
	}
	if p.owner != nil {
		p.owner.recycle(p)
	}
	return true
}

// PressureFunc is invoked when usage crosses the configured fraction of
// the memory budget.
type PressureFunc func(current, budget int64)

// Recycler hands out ref-counted packets from category sub-pools.
type Recycler struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	pools  [numCategories]map[int]*objectpool.Pool[*Packet]
	closed bool

	onPressure PressureFunc

	totalAllocated atomic.Uint64
	totalRecycled  atomic.Uint64
	poolHits       atomic.Uint64
	poolMisses     atomic.Uint64
	currentMemory  atomic.Int64
	peakMemory     atomic.Int64
	categoryCounts [numCategories]atomic.Uint64

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// Option configures a Recycler.
type Option func(*Recycler)

// WithPressureCallback registers fn for budget-pressure notifications.
func WithPressureCallback(fn PressureFunc) Option {
	return func(r *Recycler) { r.onPressure = fn }
}

// New creates a recycler and starts its janitor loop.
func New(cfg Config, opts ...Option) (*Recycler, error) {
	if cfg.MaxPoolsPerCategory <= 0 || cfg.PacketsPerPool <= 0 {
		return nil, fmt.Errorf("packet pool sizes must be positive: %d pools, %d packets",
			cfg.MaxPoolsPerCategory, cfg.PacketsPerPool)
	}
	if cfg.PressureThreshold <= 0 || cfg.PressureThreshold > 1 {
		return nil, fmt.Errorf("pressure threshold must be in (0, 1], got %g", cfg.PressureThreshold)
	}

	r := &Recycler{
		cfg: cfg,
		log: slog.Default().With("component", "packetpool"),
	}
	for i := range r.pools {
		r.pools[i] = make(map[int]*objectpool.Pool[*Packet])
	}
	for _, opt := range opts {
		opt(r)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	if cfg.CleanupInterval > 0 {
		r.wg.Go(func() { r.janitor(ctx) })
	}
	return r, nil
}

// Allocate returns a packet for size bytes with one owner. A sub-pool
// miss allocates directly instead of blocking.
func (r *Recycler) Allocate(size int) (*Packet, error) {
	if size <= 0 {
		return nil, memerr.Alloc("allocate packet", size, memerr.ErrInvalidSize)
	}

	category := Categorize(size)
	target := category.SuggestedSize()
	if size > target {
		target = size
	}

	pool, err := r.poolFor(category, target)
	if err != nil {
		return nil, err
	}

	var p *Packet
	if pool != nil {
		if lease, err := pool.Acquire(); err == nil {
			p = lease.Value()
			p.lease = lease
			p.size = size
			p.refs.Store(1)
			p.recycled.Store(false)
			if lease.Created() {
				r.poolMisses.Add(1)
			} else {
				r.poolHits.Add(1)
			}
		}
	}
	if p == nil {
		// Category at its pool limit or sub-pool exhausted.
		p = &Packet{
			buf:      make([]byte, target),
			size:     size,
			category: category,
			owner:    r,
		}
		p.refs.Store(1)
		r.poolMisses.Add(1)
	}

	r.totalAllocated.Add(1)
	r.categoryCounts[category].Add(1)
	r.noteUsage(int64(size))
	return p, nil
}

// AllocateBatch groups sizes by category so each group takes the pools
// lock once. The returned slice is index-aligned with sizes.
func (r *Recycler) AllocateBatch(sizes []int) ([]*Packet, error) {
	var groups [numCategories][]int
	for i, size := range sizes {
		if size <= 0 {
			return nil, memerr.Alloc("allocate packet batch", size, memerr.ErrInvalidSize)
		}
		groups[Categorize(size)] = append(groups[Categorize(size)], i)
	}

	packets := make([]*Packet, len(sizes))
	for ci, indexes := range groups {
		if len(indexes) == 0 {
			continue
		}
		category := Category(ci)
		target := category.SuggestedSize()
		pool, err := r.poolFor(category, target)
		if err != nil {
			return nil, err
		}

		for _, i := range indexes {
			size := sizes[i]
			var p *Packet
			// Oversized requests in the top category skip the shared
			// sub-pool; its buffers are too small for them.
			if pool != nil && size <= target {
				if lease, aerr := pool.Acquire(); aerr == nil {
					p = lease.Value()
					p.lease = lease
					p.size = size
					p.refs.Store(1)
					p.recycled.Store(false)
					if lease.Created() {
						r.poolMisses.Add(1)
					} else {
						r.poolHits.Add(1)
					}
				}
			}
			if p == nil {
				bufSize := target
				if size > bufSize {
					bufSize = size
				}
				p = &Packet{
					buf:      make([]byte, bufSize),
					size:     size,
					category: category,
					owner:    r,
				}
				p.refs.Store(1)
				r.poolMisses.Add(1)
			}
			packets[i] = p
			r.totalAllocated.Add(1)
			r.categoryCounts[category].Add(1)
			r.noteUsage(int64(size))
		}
	}
	return packets, nil
}

// poolFor returns the sub-pool for (category, target), creating it if the
// per-category pool limit allows. nil means callers allocate directly.
func (r *Recycler) poolFor(category Category, target int) (*objectpool.Pool[*Packet], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, memerr.Alloc("allocate packet", target, memerr.ErrShutdown)
	}

	byTarget := r.pools[category]
	if pool, ok := byTarget[target]; ok {
		return pool, nil
	}
	if len(byTarget) >= r.cfg.MaxPoolsPerCategory {
		return nil, nil
	}

	pool := objectpool.New(r.cfg.PacketsPerPool, func() *Packet {
		return &Packet{
			buf:      make([]byte, target),
			category: category,
			owner:    r,
		}
	})
	byTarget[target] = pool
	r.log.Debug("packet sub-pool created", "category", category.String(), "target_size", target)
	return pool, nil
}

// recycle returns the buffer behind p to its sub-pool, or drops it.
func (r *Recycler) recycle(p *Packet) {
	r.currentMemory.Add(-int64(p.size))

	if lease := p.lease; lease != nil {
		p.lease = nil
		r.totalRecycled.Add(1)
		lease.Release()
		return
	}
	p.buf = nil
}

func (r *Recycler) noteUsage(delta int64) {
	current := r.currentMemory.Add(delta)
	for {
		peak := r.peakMemory.Load()
		if current <= peak || r.peakMemory.CompareAndSwap(peak, current) {
			break
		}
	}
	if r.cfg.MaxTotalMemory > 0 && float64(current) > float64(r.cfg.MaxTotalMemory)*r.cfg.PressureThreshold {
		if r.onPressure != nil {
			r.onPressure(current, r.cfg.MaxTotalMemory)
		}
		r.ForceGC()
	}
}

// WarmUp pre-creates n packets in the sub-pool holding the category's
// suggested size.
func (r *Recycler) WarmUp(category Category, n int) (int, error) {
	pool, err := r.poolFor(category, category.SuggestedSize())
	if err != nil {
		return 0, err
	}
	if pool == nil {
		return 0, memerr.Alloc("warm up "+category.String(), 0, memerr.ErrPoolFull)
	}
	return pool.Warm(n), nil
}

// ForceGC shrinks every sub-pool to a quarter of its capacity.
func (r *Recycler) ForceGC() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}

	dropped := 0
	keep := r.cfg.PacketsPerPool / 4
	for ci := range r.pools {
		for _, pool := range r.pools[ci] {
			dropped += pool.Shrink(keep)
		}
	}
	if dropped > 0 {
		r.log.Debug("garbage collection", "dropped_packets", dropped, "kept_per_pool", keep)
	}
	return dropped
}

// janitor periodically runs ForceGC, the recycler's half of the
// pressure-response contract.
func (r *Recycler) janitor(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ForceGC()
		}
	}
}

// Close stops the janitor and drops all sub-pools.
func (r *Recycler) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return memerr.ErrShutdown
	}
	r.closed = true
	for ci := range r.pools {
		for _, pool := range r.pools[ci] {
			pool.Close()
		}
		r.pools[ci] = map[int]*objectpool.Pool[*Packet]{}
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	return nil
}

// Stats is a snapshot of recycler counters.
type Stats struct {
	TotalAllocated uint64
	TotalRecycled  uint64
	PoolHits       uint64
	PoolMisses     uint64
	HitRate        float64
	RecyclingRate  float64
	CurrentMemory  int64
	PeakMemory     int64
	CategoryCounts [numCategories]uint64
}

// Stats returns a point-in-time snapshot.
func (r *Recycler) Stats() Stats {
	s := Stats{
		TotalAllocated: r.totalAllocated.Load(),
		TotalRecycled:  r.totalRecycled.Load(),
		PoolHits:       r.poolHits.Load(),
		PoolMisses:     r.poolMisses.Load(),
		CurrentMemory:  r.currentMemory.Load(),
		PeakMemory:     r.peakMemory.Load(),
	}
	for i := range s.CategoryCounts {
		s.CategoryCounts[i] = r.categoryCounts[i].Load()
	}
	if total := s.PoolHits + s.PoolMisses; total > 0 {
		s.HitRate = float64(s.PoolHits) / float64(total)
	}
	if s.TotalAllocated > 0 {
		s.RecyclingRate = float64(s.TotalRecycled) / float64(s.TotalAllocated)
	}
	return s
}

// CategoryInfo describes the live sub-pools of one category.
type CategoryInfo struct {
	Category    Category
	Pools       int
	Available   int
	InUse       int
	Allocations uint64
}

// Categories summarizes each category's sub-pools and counters.
func (r *Recycler) Categories() []CategoryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := make([]CategoryInfo, numCategories)
	for ci := range r.pools {
		ci := Category(ci)
		entry := CategoryInfo{Category: ci, Allocations: r.categoryCounts[ci].Load()}
		for _, pool := range r.pools[ci] {
			s := pool.Stats()
			entry.Pools++
			entry.Available += s.Available
			entry.InUse += s.InUse
		}
		info[ci] = entry
	}
	return info
}

// Report renders a human-readable summary.
func (r *Recycler) Report() string {
	s := r.Stats()

	var b strings.Builder
	b.WriteString("Packet Recycler:\n")
	fmt.Fprintf(&b, "  allocated %d, recycled %d (%.1f%%), hit rate %.1f%%\n",
		s.TotalAllocated, s.TotalRecycled, s.RecyclingRate*100, s.HitRate*100)
	fmt.Fprintf(&b, "  memory %d bytes (peak %d)\n", s.CurrentMemory, s.PeakMemory)
	for _, c := range r.Categories() {
		fmt.Fprintf(&b, "  %-12s %d pools, %d available, %d in use, %d allocations\n",
			c.Category, c.Pools, c.Available, c.InUse, c.Allocations)
	}
	return b.String()
}
