// Package cache implements a three-tier (hot/warm/cold) cache with
// pluggable per-tier eviction policies. Entries promote toward the hot
// tier as they accumulate accesses and demote when evicted or idle; the
// cold tier optionally compresses values through a codec.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/errgroup"

	"github.com/Dark-Knight-0817/ffplay0.1/internal/memerr"
)

// Tier identifies a cache level. Lock order follows tier order: a goroutine
// holding a tier's lock may only acquire locks of higher-numbered tiers.
type Tier int

const (
	TierHot Tier = iota
	TierWarm
	TierCold

	numTiers = 3
)

// String implements fmt.Stringer.
func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return "unknown"
	}
}

// Config controls tier capacities, policies and maintenance cadence.
type Config struct {
	HotCapacity  int
	WarmCapacity int
	ColdCapacity int
	HotPolicy    string
	WarmPolicy   string
	ColdPolicy   string

	// TTL is the default entry lifetime; zero disables expiry.
	TTL time.Duration
	// CleanupInterval is the maintenance sweep period.
	CleanupInterval time.Duration
	// DemoteAfter pushes entries idle this long down one tier.
	DemoteAfter time.Duration
	// PromoteThreshold is the access count that lifts an entry one tier.
	PromoteThreshold int

	PrefetchWorkers int
	PrefetchRetries int
}

// DefaultConfig returns the sizing used when no explicit config is given.
func DefaultConfig() Config {
	return Config{
		HotCapacity:      1000,
		WarmCapacity:     5000,
		ColdCapacity:     20000,
		HotPolicy:        PolicyLRU,
		WarmPolicy:       PolicyLRU,
		ColdPolicy:       PolicyTTL,
		TTL:              10 * time.Minute,
		CleanupInterval:  time.Minute,
		DemoteAfter:      5 * time.Minute,
		PromoteThreshold: 3,
		PrefetchWorkers:  4,
		PrefetchRetries:  2,
	}
}

// Tiered is the three-tier cache. All methods are safe for concurrent
// use.
type Tiered[K comparable, V any] struct {
	cfg Config
	log *slog.Logger

	mus    [numTiers]sync.Mutex
	levels [numTiers]*level[K, V]

	codec  Codec[V]
	sizeOf func(V) int

	closed          atomic.Bool
	promotions      atomic.Uint64
	demotions       atomic.Uint64
	compressions    atomic.Uint64
	expirations     atomic.Uint64
	prefetchLoads   atomic.Uint64
	prefetchSkipped atomic.Uint64

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// Option configures a Tiered cache.
type Option[K comparable, V any] func(*Tiered[K, V])

// WithCodec enables cold-tier compression through codec.
func WithCodec[K comparable, V any](codec Codec[V]) Option[K, V] {
	return func(c *Tiered[K, V]) { c.codec = codec }
}

// WithSizer sets the per-value size estimate used in Stats. The default
// weighs every entry as 1.
func WithSizer[K comparable, V any](sizeOf func(V) int) Option[K, V] {
	return func(c *Tiered[K, V]) { c.sizeOf = sizeOf }
}

// New creates a tiered cache and starts its maintenance loop.
func New[K comparable, V any](cfg Config, opts ...Option[K, V]) (*Tiered[K, V], error) {
	if cfg.HotCapacity <= 0 || cfg.WarmCapacity <= 0 || cfg.ColdCapacity <= 0 {
		return nil, fmt.Errorf("tier capacities must be positive: %d/%d/%d",
			cfg.HotCapacity, cfg.WarmCapacity, cfg.ColdCapacity)
	}
	if cfg.PromoteThreshold <= 0 {
		cfg.PromoteThreshold = 1
	}

	c := &Tiered[K, V]{
		cfg:    cfg,
		log:    slog.Default().With("component", "cache"),
		sizeOf: func(V) int { return 1 },
	}
	c.levels[TierHot] = newLevel[K, V]("hot", cfg.HotPolicy, cfg.HotCapacity)
	c.levels[TierWarm] = newLevel[K, V]("warm", cfg.WarmPolicy, cfg.WarmCapacity)
	c.levels[TierCold] = newLevel[K, V]("cold", cfg.ColdPolicy, cfg.ColdCapacity)
	for _, opt := range opts {
		opt(c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if cfg.CleanupInterval > 0 {
		c.wg.Go(func() { c.maintenanceLoop(ctx) })
	}
	return c, nil
}

// Get probes hot, then warm, then cold. Warm and cold hits that reach the
// promote threshold move the entry one tier up; cold hits decompress the
// value once and keep it decompressed.
func (c *Tiered[K, V]) Get(key K) (V, bool) {
	var zero V
	if c.closed.Load() {
		return zero, false
	}
	now := time.Now()

	c.mus[TierHot].Lock()
	if e, ok := c.levels[TierHot].get(key, now); ok {
		v := e.value
		c.mus[TierHot].Unlock()
		return v, true
	}
	c.mus[TierHot].Unlock()

	c.mus[TierWarm].Lock()
	if e, ok := c.levels[TierWarm].get(key, now); ok {
		v := e.value
		promote := e.accesses >= c.cfg.PromoteThreshold
		c.mus[TierWarm].Unlock()
		if promote {
			c.promote(key, TierWarm, TierHot)
		}
		return v, true
	}
	c.mus[TierWarm].Unlock()

	c.mus[TierCold].Lock()
	e, ok := c.levels[TierCold].get(key, now)
	if !ok {
		c.mus[TierCold].Unlock()
		return zero, false
	}
	if e.compressed != nil {
		v, err := c.codec.Decompress(e.compressed)
		if err != nil {
			c.levels[TierCold].remove(key)
			c.mus[TierCold].Unlock()
			c.log.Warn("dropping undecodable cold entry", "err", err)
			return zero, false
		}
		e.value = v
		e.compressed = nil
	}
	v := e.value
	promote := e.accesses >= c.cfg.PromoteThreshold
	c.mus[TierCold].Unlock()
	if promote {
		c.promote(key, TierCold, TierWarm)
	}
	return v, true
}

// promote moves key one tier up if it is still present. Victims displaced
// from the target tier cascade downward. The probe lock was released
// before calling, so locks are taken fresh in tier order, target through
// cold, covering every tier the cascade can touch.
func (c *Tiered[K, V]) promote(key K, from, to Tier) {
	for t := to; t < numTiers; t++ {
		c.mus[t].Lock()
	}
	defer func() {
		for t := numTiers - 1; t >= int(to); t-- {
			c.mus[t].Unlock()
		}
	}()

	e, ok := c.levels[from].peek(key)
	if !ok {
		// Raced with a removal or another promotion.
		return
	}
	c.levels[from].remove(key)
	e.accesses = 0
	c.promotions.Add(1)
	c.putCascade(key, e, to)
}

// Put stores value in the hint tier (hot by default). The key is removed
// from the other tiers so at most one copy exists.
func (c *Tiered[K, V]) Put(key K, value V, opts ...PutOption) error {
	if c.closed.Load() {
		return memerr.ErrShutdown
	}
	var po putOptions
	po.tier = TierHot
	for _, opt := range opts {
		opt(&po)
	}

	now := time.Now()
	e := &entry[V]{
		value:      value,
		size:       c.sizeOf(value),
		createdAt:  now,
		lastAccess: now,
	}
	ttl := c.cfg.TTL
	if po.ttl != 0 {
		ttl = po.ttl
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	if po.tier == TierCold {
		c.compressEntry(e)
	}

	c.mus[TierHot].Lock()
	c.mus[TierWarm].Lock()
	c.mus[TierCold].Lock()
	defer func() {
		c.mus[TierCold].Unlock()
		c.mus[TierWarm].Unlock()
		c.mus[TierHot].Unlock()
	}()

	for t := TierHot; t <= TierCold; t++ {
		if t != po.tier {
			c.levels[t].remove(key)
		}
	}
	c.putCascade(key, e, po.tier)
	return nil
}

// putCascade inserts into tier, demoting displaced entries downward until
// they fall off the cold tier. Caller holds all tier locks.
func (c *Tiered[K, V]) putCascade(key K, e *entry[V], tier Tier) {
	evicted, victims := c.levels[tier].put(key, e)
	for i, vk := range evicted {
		ve := victims[i]
		if tier == TierCold {
			// Nowhere lower to go.
			continue
		}
		next := tier + 1
		if next == TierCold {
			c.compressEntry(ve)
		}
		c.demotions.Add(1)
		c.putCascade(vk, ve, next)
	}
}

// compressEntry swaps the value for its compressed form when a codec is
// configured and the entry is not compressed yet.
func (c *Tiered[K, V]) compressEntry(e *entry[V]) {
	if c.codec == nil || e.compressed != nil {
		return
	}
	data, err := c.codec.Compress(e.value)
	if err != nil {
		c.log.Warn("compression failed, storing uncompressed", "err", err)
		return
	}
	var zero V
	e.value = zero
	e.compressed = data
	c.compressions.Add(1)
}

// PutOption adjusts a single Put.
type PutOption func(*putOptions)

type putOptions struct {
	tier Tier
	ttl  time.Duration
}

// WithTier stores the entry directly in t instead of the hot tier.
func WithTier(t Tier) PutOption {
	return func(o *putOptions) { o.tier = t }
}

// WithTTL overrides the configured default lifetime for this entry.
func WithTTL(d time.Duration) PutOption {
	return func(o *putOptions) { o.ttl = d }
}

// Contains reports whether key is live in any tier, without touching
// access state.
func (c *Tiered[K, V]) Contains(key K) bool {
	now := time.Now()
	for t := TierHot; t <= TierCold; t++ {
		c.mus[t].Lock()
		e, ok := c.levels[t].peek(key)
		live := ok && !e.expired(now)
		c.mus[t].Unlock()
		if live {
			return true
		}
	}
	return false
}

// Remove deletes key from every tier and reports whether it was present.
func (c *Tiered[K, V]) Remove(key K) bool {
	removed := false
	for t := TierHot; t <= TierCold; t++ {
		c.mus[t].Lock()
		if c.levels[t].remove(key) {
			removed = true
		}
		c.mus[t].Unlock()
	}
	return removed
}

// Clear empties every tier. Counters survive.
func (c *Tiered[K, V]) Clear() {
	for t := TierHot; t <= TierCold; t++ {
		c.mus[t].Lock()
		c.levels[t].clear()
		c.mus[t].Unlock()
	}
}

// Sizes returns the entry count of each tier, hot to cold.
func (c *Tiered[K, V]) Sizes() [3]int {
	var sizes [3]int
	for t := TierHot; t <= TierCold; t++ {
		c.mus[t].Lock()
		sizes[t] = c.levels[t].len()
		c.mus[t].Unlock()
	}
	return sizes
}

// Prefetch loads absent keys through loader and stores them in the cold
// tier. Loads run on a bounded worker group and each key retries on
// failure. A key that still fails after retries does not stop the rest
// of the batch; the combined per-key errors come back from the call.
func (c *Tiered[K, V]) Prefetch(ctx context.Context, keys []K, loader func(context.Context, K) (V, error)) error {
	if c.closed.Load() {
		return memerr.ErrShutdown
	}

	var g errgroup.Group
	g.SetLimit(c.cfg.PrefetchWorkers)

	var (
		errMu sync.Mutex
		errs  []error
	)
	fail := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	for _, key := range keys {
		if c.Contains(key) {
			c.prefetchSkipped.Add(1)
			continue
		}
		g.Go(func() error {
			v, err := retry.DoWithData(
				func() (V, error) { return loader(ctx, key) },
				retry.Context(ctx),
				retry.Attempts(uint(c.cfg.PrefetchRetries+1)),
				retry.LastErrorOnly(true),
			)
			if err != nil {
				fail(fmt.Errorf("prefetch %v: %w", key, err))
				return nil
			}
			if err := c.Put(key, v, WithTier(TierCold)); err != nil {
				fail(fmt.Errorf("prefetch %v: %w", key, err))
				return nil
			}
			c.prefetchLoads.Add(1)
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// maintenanceLoop periodically expires TTL entries and demotes idle ones.
func (c *Tiered[K, V]) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep removes expired entries from all tiers and demotes entries idle
// past DemoteAfter one tier down. Returns expired and demoted counts.
func (c *Tiered[K, V]) Sweep() (expired, demoted int) {
	now := time.Now()

	c.mus[TierHot].Lock()
	c.mus[TierWarm].Lock()
	c.mus[TierCold].Lock()
	defer func() {
		c.mus[TierCold].Unlock()
		c.mus[TierWarm].Unlock()
		c.mus[TierHot].Unlock()
	}()

	for t := TierHot; t <= TierCold; t++ {
		lvl := c.levels[t]
		var stale []K
		var idle []K
		for key, e := range lvl.entries {
			switch {
			case e.expired(now):
				stale = append(stale, key)
			case t < TierCold && c.cfg.DemoteAfter > 0 && now.Sub(e.lastAccess) > c.cfg.DemoteAfter:
				idle = append(idle, key)
			}
		}
		for _, key := range stale {
			lvl.remove(key)
			expired++
		}
		for _, key := range idle {
			e, _ := lvl.peek(key)
			lvl.remove(key)
			next := t + 1
			if next == TierCold {
				c.compressEntry(e)
			}
			e.accesses = 0
			// One tier per sweep: reset the idle clock so the entry is
			// not demoted again by the warm pass below.
			e.lastAccess = now
			c.demotions.Add(1)
			c.putCascade(key, e, next)
			demoted++
		}
	}
	c.expirations.Add(uint64(expired))
	if expired > 0 || demoted > 0 {
		c.log.Debug("maintenance sweep", "expired", expired, "demoted", demoted)
	}
	return expired, demoted
}

// Close stops the maintenance loop and clears all tiers.
func (c *Tiered[K, V]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return memerr.ErrShutdown
	}
	c.cancel()
	c.wg.Wait()
	c.Clear()
	return nil
}

// TierStats describes one tier.
type TierStats struct {
	Name      string
	Entries   int
	Capacity  int
	Bytes     int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats aggregates per-tier counters.
type Stats struct {
	Tiers        [3]TierStats
	Hits         uint64
	Misses       uint64
	HitRate      float64
	Promotions   uint64
	Demotions    uint64
	Compressions uint64
	Expirations  uint64

	PrefetchLoads   uint64
	PrefetchSkipped uint64
}

// Stats returns a point-in-time snapshot.
func (c *Tiered[K, V]) Stats() Stats {
	var s Stats
	for t := TierHot; t <= TierCold; t++ {
		c.mus[t].Lock()
		lvl := c.levels[t]
		s.Tiers[t] = TierStats{
			Name:      lvl.name,
			Entries:   lvl.len(),
			Capacity:  lvl.capacity,
			Bytes:     lvl.bytes,
			Hits:      lvl.hits,
			Misses:    lvl.misses,
			Evictions: lvl.evictions,
		}
		c.mus[t].Unlock()
		s.Hits += s.Tiers[t].Hits
	}
	// A lookup that misses every tier is one logical miss.
	s.Misses = s.Tiers[TierCold].Misses
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	s.Promotions = c.promotions.Load()
	s.Demotions = c.demotions.Load()
	s.Compressions = c.compressions.Load()
	s.Expirations = c.expirations.Load()
	s.PrefetchLoads = c.prefetchLoads.Load()
	s.PrefetchSkipped = c.prefetchSkipped.Load()
	return s
}

// Report renders a human-readable summary.
func (c *Tiered[K, V]) Report() string {
	s := c.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "Tiered Cache: hit rate %.1f%%, %d promotions, %d demotions, %d compressions\n",
		s.HitRate*100, s.Promotions, s.Demotions, s.Compressions)
	for _, t := range s.Tiers {
		fmt.Fprintf(&b, "  %-5s %d/%d entries, %d bytes, %d hits, %d misses, %d evictions\n",
			t.Name, t.Entries, t.Capacity, t.Bytes, t.Hits, t.Misses, t.Evictions)
	}
	return b.String()
}
