// Package framepool recycles video frame buffers. Frames with the same
// spec (dimensions, pixel format, alignment) share a bounded sub-pool;
// sub-pools are created lazily and reaped when idle and under-utilized.
package framepool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Dark-Knight-0817/ffplay0.1/internal/memerr"
	"github.com/Dark-Knight-0817/ffplay0.1/internal/memory/objectpool"
)

// commonResolutions are warmed (as YUV420P) when Config.WarmCommonSpecs
// is set.
var commonResolutions = [][2]int{
	{1920, 1080},
	{1280, 720},
	{640, 480},
	{320, 240},
}

// Config controls sub-pool sizing, the memory budget and cleanup
// cadence.
type Config struct {
	FramesPerPool        int
	MaxPools             int
	MaxFrameSize         int
	DefaultAlignment     int
	MaxTotalMemory       int64
	PressureThreshold    float64
	CleanupInterval      time.Duration
	IdleTimeout          time.Duration
	UtilizationThreshold float64
	WarmCommonSpecs      bool
}

// DefaultConfig returns the sizing used when no explicit config is given.
func DefaultConfig() Config {
	return Config{
		FramesPerPool:        16,
		MaxPools:             32,
		MaxFrameSize:         64 * 1024 * 1024,
		DefaultAlignment:     32,
		MaxTotalMemory:       512 * 1024 * 1024,
		PressureThreshold:    0.8,
		CleanupInterval:      30 * time.Second,
		IdleTimeout:          2 * time.Minute,
		UtilizationThreshold: 0.25,
	}
}

// Frame is a recyclable frame buffer. Data is sized exactly for Spec.
type Frame struct {
	Data []byte
	Spec FrameSpec

	lease    *objectpool.Lease[*Frame]
	released atomic.Bool
}

// Pooled reports whether the frame came from a sub-pool or was a direct
// allocation.
func (f *Frame) Pooled() bool {
	return f.lease != nil
}

type subPool struct {
	pool     *objectpool.Pool[*Frame]
	lastUsed atomic.Int64 // unix nanos
}

// PressureFunc is invoked after an allocation pushes usage past the
// configured fraction of the memory budget.
type PressureFunc func(current, budget int64)

// Allocator hands out frames from spec-keyed sub-pools.
type Allocator struct {
	cfg Config
	log *slog.Logger

	mu     sync.RWMutex
	pools  map[FrameSpec]*subPool
	closed bool

	onPressure PressureFunc

	totalAllocated atomic.Uint64
	totalFreed     atomic.Uint64
	poolHits       atomic.Uint64
	poolMisses     atomic.Uint64
	memoryUsage    atomic.Int64
	peakUsage      atomic.Int64

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithPressureCallback registers fn to be called when usage crosses the
// pressure threshold of MaxTotalMemory.
func WithPressureCallback(fn PressureFunc) Option {
	return func(a *Allocator) { a.onPressure = fn }
}

// New creates an allocator and starts its cleanup loop.
func New(cfg Config, opts ...Option) (*Allocator, error) {
	if cfg.FramesPerPool <= 0 || cfg.MaxPools <= 0 {
		return nil, fmt.Errorf("frame pool sizes must be positive: %d frames, %d pools",
			cfg.FramesPerPool, cfg.MaxPools)
	}
	if cfg.DefaultAlignment <= 0 {
		cfg.DefaultAlignment = 32
	}
	if cfg.PressureThreshold <= 0 || cfg.PressureThreshold > 1 {
		cfg.PressureThreshold = 0.8
	}

	a := &Allocator{
		cfg:   cfg,
		log:   slog.Default().With("component", "framepool"),
		pools: make(map[FrameSpec]*subPool),
	}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.WarmCommonSpecs {
		for _, res := range commonResolutions {
			spec := FrameSpec{Width: res[0], Height: res[1], Format: YUV420P, Alignment: cfg.DefaultAlignment}
			if _, err := a.Preallocate(spec, cfg.FramesPerPool/2); err != nil {
				a.log.Warn("warmup failed", "spec", spec.String(), "err", err)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if cfg.CleanupInterval > 0 {
		a.wg.Go(func() { a.cleanupLoop(ctx) })
	}
	return a, nil
}

// Allocate returns a frame for spec, reusing a pooled buffer when one is
// free. A sub-pool miss falls back to a direct allocation rather than
// blocking.
func (a *Allocator) Allocate(spec FrameSpec) (*Frame, error) {
	if spec.Alignment == 0 {
		spec.Alignment = a.cfg.DefaultAlignment
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	size := spec.Size()
	if a.cfg.MaxFrameSize > 0 && size > a.cfg.MaxFrameSize {
		return nil, memerr.Alloc("allocate frame "+spec.String(), size, memerr.ErrInvalidSize)
	}

	sp, err := a.poolFor(spec)
	if err != nil {
		return nil, err
	}

	var frame *Frame
	sp.lastUsed.Store(time.Now().UnixNano())
	if lease, err := sp.pool.Acquire(); err == nil {
		frame = lease.Value()
		frame.lease = lease
		frame.released.Store(false)
		if lease.Created() {
			a.poolMisses.Add(1)
		} else {
			a.poolHits.Add(1)
		}
	} else {
		// Sub-pool exhausted: direct allocation rather than blocking.
		frame = &Frame{Data: make([]byte, size), Spec: spec}
		a.poolMisses.Add(1)
	}

	a.totalAllocated.Add(1)
	a.noteUsage(int64(size))
	return frame, nil
}

// Release returns a frame to its sub-pool and reports whether it was
// pooled; direct allocations are dropped. Releasing a frame twice is a
// no-op: the stale call must not touch a buffer the pool may have
// already handed to someone else.
func (a *Allocator) Release(f *Frame) bool {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return false
	}
	a.totalFreed.Add(1)
	a.memoryUsage.Add(-int64(f.Spec.Size()))

	if lease := f.lease; lease != nil {
		f.lease = nil
		lease.Release()
		return true
	}
	f.Data = nil
	return false
}

// poolFor returns the sub-pool for spec, creating it lazily. Hitting the
// pool-count limit with no matching sub-pool is an error, not a fallback.
func (a *Allocator) poolFor(spec FrameSpec) (*subPool, error) {
	a.mu.RLock()
	sp, ok := a.pools[spec]
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return nil, memerr.Alloc("allocate frame "+spec.String(), 0, memerr.ErrShutdown)
	}
	if ok {
		return sp, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, memerr.Alloc("allocate frame "+spec.String(), 0, memerr.ErrShutdown)
	}
	if sp, ok := a.pools[spec]; ok {
		return sp, nil
	}
	if len(a.pools) >= a.cfg.MaxPools {
		return nil, memerr.Alloc("create sub-pool "+spec.String(), 0, memerr.ErrPoolFull)
	}

	size := spec.Size()
	sp = &subPool{
		pool: objectpool.New(a.cfg.FramesPerPool, func() *Frame {
			return &Frame{Data: make([]byte, size), Spec: spec}
		}, objectpool.WithReset(func(f *Frame) {
			f.lease = nil
		})),
	}
	sp.lastUsed.Store(time.Now().UnixNano())
	a.pools[spec] = sp
	a.log.Debug("sub-pool created", "spec", spec.String(), "frame_size", size)
	return sp, nil
}

// Preallocate warms the sub-pool for spec with up to n frames and
// returns how many were created.
func (a *Allocator) Preallocate(spec FrameSpec, n int) (int, error) {
	if spec.Alignment == 0 {
		spec.Alignment = a.cfg.DefaultAlignment
	}
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	sp, err := a.poolFor(spec)
	if err != nil {
		return 0, err
	}
	return sp.pool.Warm(n), nil
}

// noteUsage updates usage and peak, then fires the pressure callback when
// current usage crosses the threshold fraction of the memory budget.
func (a *Allocator) noteUsage(delta int64) {
	current := a.memoryUsage.Add(delta)
	peak := a.peakUsage.Load()
	for current > peak {
		if a.peakUsage.CompareAndSwap(peak, current) {
			break
		}
		peak = a.peakUsage.Load()
	}
	if a.onPressure != nil && a.cfg.MaxTotalMemory > 0 &&
		float64(current) > float64(a.cfg.MaxTotalMemory)*a.cfg.PressureThreshold {
		a.onPressure(current, a.cfg.MaxTotalMemory)
	}
}

// cleanupLoop reaps sub-pools that have been idle past the timeout with
// utilization below the threshold.
func (a *Allocator) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Cleanup()
		}
	}
}

// Cleanup removes idle, under-utilized sub-pools and shrinks ones that
// still have frames out. Returns the number of sub-pools removed.
func (a *Allocator) Cleanup() int {
	now := time.Now()
	removed := 0

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0
	}
	for spec, sp := range a.pools {
		idle := now.Sub(time.Unix(0, sp.lastUsed.Load()))
		if idle < a.cfg.IdleTimeout {
			continue
		}
		s := sp.pool.Stats()
		util := float64(s.InUse) / float64(s.MaxSize)
		if util >= a.cfg.UtilizationThreshold {
			continue
		}
		if s.InUse == 0 {
			sp.pool.Close()
			delete(a.pools, spec)
			removed++
			a.log.Debug("sub-pool removed", "spec", spec.String(), "idle", idle.String())
		} else {
			// Frames still out: free the idle queue, keep the pool.
			sp.pool.Shrink(0)
		}
	}
	return removed
}

// Close stops the cleanup loop and closes all sub-pools.
func (a *Allocator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return memerr.ErrShutdown
	}
	a.closed = true
	for _, sp := range a.pools {
		sp.pool.Close()
	}
	a.pools = map[FrameSpec]*subPool{}
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
	return nil
}

// Stats is a snapshot of allocator counters.
type Stats struct {
	TotalAllocated uint64
	TotalFreed     uint64
	PoolHits       uint64
	PoolMisses     uint64
	HitRate        float64
	ActivePools    int
	MemoryUsage    int64
	PeakUsage      int64
}

// Stats returns a point-in-time snapshot.
func (a *Allocator) Stats() Stats {
	a.mu.RLock()
	active := len(a.pools)
	a.mu.RUnlock()

	s := Stats{
		TotalAllocated: a.totalAllocated.Load(),
		TotalFreed:     a.totalFreed.Load(),
		PoolHits:       a.poolHits.Load(),
		PoolMisses:     a.poolMisses.Load(),
		ActivePools:    active,
		MemoryUsage:    a.memoryUsage.Load(),
		PeakUsage:      a.peakUsage.Load(),
	}
	if total := s.PoolHits + s.PoolMisses; total > 0 {
		s.HitRate = float64(s.PoolHits) / float64(total)
	}
	return s
}

// PoolInfo describes one live sub-pool.
type PoolInfo struct {
	Spec      FrameSpec
	Available int
	InUse     int
}

// Pools lists the live sub-pools sorted by spec string.
func (a *Allocator) Pools() []PoolInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	info := make([]PoolInfo, 0, len(a.pools))
	for spec, sp := range a.pools {
		s := sp.pool.Stats()
		info = append(info, PoolInfo{Spec: spec, Available: s.Available, InUse: s.InUse})
	}
	sort.Slice(info, func(i, j int) bool { return info[i].Spec.String() < info[j].Spec.String() })
	return info
}

// Report renders a human-readable summary.
func (a *Allocator) Report() string {
	s := a.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "Frame Pool: %d allocated, %d freed, hit rate %.1f%%, %d bytes in use (peak %d)\n",
		s.TotalAllocated, s.TotalFreed, s.HitRate*100, s.MemoryUsage, s.PeakUsage)
	for _, p := range a.Pools() {
		fmt.Fprintf(&b, "  %-24s %d available, %d in use\n", p.Spec.String(), p.Available, p.InUse)
	}
	return b.String()
}
