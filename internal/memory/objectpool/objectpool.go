// Package objectpool provides a bounded generic pool of reusable objects
// with a factory/reset contract. Acquire never blocks: when the pool has
// no free object and the in-use count is at the configured maximum,
// acquisition fails and the caller applies its own backpressure.
package objectpool

import (
	"sync"
	"sync/atomic"

	"github.com/Dark-Knight-0817/ffplay0.1/internal/memerr"
)

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithReset sets the function applied to an object on release, before it
// returns to the available queue.
func WithReset[T any](reset func(T)) Option[T] {
	return func(p *Pool[T]) { p.reset = reset }
}

// Pool is a bounded pool of T. The zero value is not usable; construct
// with New.
type Pool[T any] struct {
	factory func() T
	reset   func(T)
	maxSize int

	mu        sync.Mutex
	available []T
	inUse     int
	closed    bool

	created  atomic.Uint64
	acquired atomic.Uint64
	released atomic.Uint64
	dropped  atomic.Uint64
	peak     atomic.Int64
}

// New creates a pool holding at most maxSize objects in use at once.
// factory must not be nil; reset defaults to a no-op.
func New[T any](maxSize int, factory func() T, opts ...Option[T]) *Pool[T] {
	if maxSize <= 0 {
		maxSize = 1
	}
	p := &Pool[T]{
		factory:   factory,
		maxSize:   maxSize,
		available: make([]T, 0, maxSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Lease is a checkout handle. Release returns the object to the pool;
// releasing twice is a no-op.
type Lease[T any] struct {
	pool     *Pool[T]
	value    T
	created  bool
	released atomic.Bool
}

// Created reports whether this acquisition invoked the factory instead of
// reusing a pooled object.
func (l *Lease[T]) Created() bool {
	return l.created
}

// Value returns the leased object. Using it after Release is a caller
// bug the pool cannot detect.
func (l *Lease[T]) Value() T {
	return l.value
}

// Release resets the object and returns it to the pool. Idempotent.
func (l *Lease[T]) Release() {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.put(l.value)
}

// Acquire returns a leased object, creating one via the factory when the
// queue is empty and the in-use count is below the maximum. It fails with
// ErrPoolFull instead of blocking.
func (p *Pool[T]) Acquire() (*Lease[T], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, memerr.ErrShutdown
	}
	if p.inUse >= p.maxSize {
		p.mu.Unlock()
		return nil, memerr.ErrPoolFull
	}

	var v T
	var created bool
	if n := len(p.available); n > 0 {
		v = p.available[n-1]
		var zero T
		p.available[n-1] = zero
		p.available = p.available[:n-1]
	} else {
		v = p.factory()
		created = true
		p.created.Add(1)
	}
	p.inUse++
	inUse := int64(p.inUse)
	p.mu.Unlock()

	p.acquired.Add(1)
	for {
		old := p.peak.Load()
		if inUse <= old || p.peak.CompareAndSwap(old, inUse) {
			break
		}
	}
	return &Lease[T]{pool: p, value: v, created: created}, nil
}

func (p *Pool[T]) put(v T) {
	if p.reset != nil {
		p.reset(v)
	}

	p.mu.Lock()
	if p.inUse > 0 {
		p.inUse--
	}
	if p.closed || len(p.available) >= p.maxSize {
		// At capacity: drop the object and let the GC take it.
		p.mu.Unlock()
		p.dropped.Add(1)
		p.released.Add(1)
		return
	}
	p.available = append(p.available, v)
	p.mu.Unlock()
	p.released.Add(1)
}

// Warm pre-creates up to n objects into the available queue.
func (p *Pool[T]) Warm(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}

	warmed := 0
	for len(p.available) < p.maxSize && warmed < n {
		p.available = append(p.available, p.factory())
		p.created.Add(1)
		warmed++
	}
	return warmed
}

// Shrink discards available objects beyond keep and returns how many were
// dropped. In-use objects are unaffected.
func (p *Pool[T]) Shrink(keep int) int {
	if keep < 0 {
		keep = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := 0
	for len(p.available) > keep {
		n := len(p.available)
		var zero T
		p.available[n-1] = zero
		p.available = p.available[:n-1]
		dropped++
	}
	p.dropped.Add(uint64(dropped))
	return dropped
}

// Close marks the pool closed. Outstanding leases may still be released;
// their objects are dropped.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.available = nil
}

// Stats is a snapshot of pool counters. HitRate is the fraction of
// acquisitions served without invoking the factory.
type Stats struct {
	Created   uint64
	Acquired  uint64
	Released  uint64
	Dropped   uint64
	InUse     int
	Available int
	Peak      int64
	MaxSize   int
	HitRate   float64
}

// Stats returns a point-in-time snapshot.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	inUse := p.inUse
	available := len(p.available)
	p.mu.Unlock()

	s := Stats{
		Created:   p.created.Load(),
		Acquired:  p.acquired.Load(),
		Released:  p.released.Load(),
		Dropped:   p.dropped.Load(),
		InUse:     inUse,
		Available: available,
		Peak:      p.peak.Load(),
		MaxSize:   p.maxSize,
	}
	if s.Acquired > 0 {
		// Warm may create more objects than were ever acquired; clamp so
		// the rate stays in [0, 1].
		if hits := int64(s.Acquired) - int64(s.Created); hits > 0 {
			s.HitRate = float64(hits) / float64(s.Acquired)
		}
	}
	return s
}

// Available returns the current free-queue length.
func (p *Pool[T]) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// InUse returns the number of objects currently leased out.
func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}
