// Package tracker records live allocations for leak detection, hotspot
// analysis and usage history. It is observability-only: allocation paths
// call Track/Untrack and the tracker never touches the memory itself.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
)

// Config bounds the allocation table and tunes detection thresholds.
type Config struct {
	// MaxAllocations caps the live table; the oldest record is evicted
	// when a new one would exceed it.
	MaxAllocations int
	// LeakThreshold is the age past which a live allocation counts as a
	// suspected leak.
	LeakThreshold time.Duration
	// AlertThreshold fires the alert callback when current usage exceeds
	// it; zero disables alerts.
	AlertThreshold int64
	// AlertCooldown is the minimum gap between alerts.
	AlertCooldown time.Duration
	// SnapshotInterval is the history sampling period; zero disables the
	// background sampler.
	SnapshotInterval time.Duration
	// MaxHistory caps the snapshot ring.
	MaxHistory int
}

// DefaultConfig returns the thresholds used when no explicit config is
// given.
func DefaultConfig() Config {
	return Config{
		MaxAllocations:   100000,
		LeakThreshold:    5 * time.Minute,
		AlertThreshold:   100 * 1024 * 1024,
		AlertCooldown:    time.Minute,
		SnapshotInterval: 5 * time.Second,
		MaxHistory:       720,
	}
}

// Allocation is one live tracked allocation.
type Allocation struct {
	ID   uint64
	Size int
	Site string
	Tag  string
	At   time.Time
}

// Age returns how long the allocation has been live.
func (a Allocation) Age(now time.Time) time.Duration {
	return now.Sub(a.At)
}

// SiteStats aggregates allocations from one call site.
type SiteStats struct {
	Site      string
	Count     uint64
	Bytes     int64
	Live      uint64
	LiveBytes int64
}

// Snapshot is one history sample.
type Snapshot struct {
	At           time.Time
	CurrentBytes int64
	PeakBytes    int64
	LiveCount    int
	TotalAllocs  uint64
	TotalFrees   uint64
}

// AlertFunc receives usage alerts.
type AlertFunc func(currentBytes, threshold int64)

// Tracker records allocations. All methods are safe for concurrent use.
type Tracker struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	live    map[uint64]*Allocation
	order   []uint64 // insertion order for bounded eviction, may hold freed ids
	sites   map[string]*SiteStats
	history []Snapshot
	nextID  uint64
	closed  bool

	totalAllocs  atomic.Uint64
	totalFrees   atomic.Uint64
	currentBytes atomic.Int64
	peakBytes    atomic.Int64
	evicted      atomic.Uint64
	lastAlert    atomic.Int64 // unix nanos

	onAlert AlertFunc

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithAlertCallback registers fn for usage alerts.
func WithAlertCallback(fn AlertFunc) Option {
	return func(t *Tracker) { t.onAlert = fn }
}

// New creates a tracker and starts its snapshot sampler.
func New(cfg Config, opts ...Option) (*Tracker, error) {
	if cfg.MaxAllocations <= 0 {
		return nil, fmt.Errorf("max allocations must be positive, got %d", cfg.MaxAllocations)
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 720
	}

	t := &Tracker{
		cfg:   cfg,
		log:   slog.Default().With("component", "tracker"),
		live:  make(map[uint64]*Allocation),
		sites: make(map[string]*SiteStats),
	}
	for _, opt := range opts {
		opt(t)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	if cfg.SnapshotInterval > 0 {
		t.wg.Go(func() { t.sampleLoop(ctx) })
	}
	return t, nil
}

// Track records an allocation and returns its id. The call site defaults
// to the caller's file:line; tag groups allocations logically (component
// name, buffer kind).
func (t *Tracker) Track(size int, tag string) uint64 {
	return t.TrackSite(size, tag, callerSite(2))
}

// TrackSite records an allocation with an explicit site label.
func (t *Tracker) TrackSite(size int, tag, site string) uint64 {
	now := time.Now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	t.nextID++
	id := t.nextID
	t.live[id] = &Allocation{ID: id, Size: size, Site: site, Tag: tag, At: now}
	t.order = append(t.order, id)

	// Bounded table: evict the oldest live record.
	for len(t.live) > t.cfg.MaxAllocations {
		victim := t.order[0]
		t.order = t.order[1:]
		if a, ok := t.live[victim]; ok {
			delete(t.live, victim)
			t.evicted.Add(1)
			if s := t.sites[a.Site]; s != nil {
				s.Live--
				s.LiveBytes -= int64(a.Size)
			}
		}
	}

	s, ok := t.sites[site]
	if !ok {
		s = &SiteStats{Site: site}
		t.sites[site] = s
	}
	s.Count++
	s.Bytes += int64(size)
	s.Live++
	s.LiveBytes += int64(size)
	t.mu.Unlock()

	t.totalAllocs.Add(1)
	current := t.currentBytes.Add(int64(size))
	for {
		peak := t.peakBytes.Load()
		if current <= peak || t.peakBytes.CompareAndSwap(peak, current) {
			break
		}
	}
	t.maybeAlert(current)
	return id
}

// Untrack removes a live allocation and reports whether an entry was
// found. Unknown ids (already evicted from the bounded table) are
// ignored since their size is no longer known.
func (t *Tracker) Untrack(id uint64) bool {
	t.mu.Lock()
	a, ok := t.live[id]
	if ok {
		delete(t.live, id)
		if s := t.sites[a.Site]; s != nil {
			s.Live--
			s.LiveBytes -= int64(a.Size)
		}
	}
	t.mu.Unlock()
	if !ok {
		return false
	}

	t.totalFrees.Add(1)
	t.currentBytes.Add(-int64(a.Size))
	return true
}

// maybeAlert fires the callback when usage exceeds the threshold and the
// cooldown has elapsed. The timestamp swap makes sure concurrent
// allocations produce one alert per window.
func (t *Tracker) maybeAlert(current int64) {
	if t.onAlert == nil || t.cfg.AlertThreshold <= 0 || current <= t.cfg.AlertThreshold {
		return
	}
	now := time.Now().UnixNano()
	last := t.lastAlert.Load()
	if now-last < t.cfg.AlertCooldown.Nanoseconds() {
		return
	}
	if t.lastAlert.CompareAndSwap(last, now) {
		t.onAlert(current, t.cfg.AlertThreshold)
	}
}

// DetectLeaks returns live allocations older than the leak threshold,
// oldest first.
func (t *Tracker) DetectLeaks() []Allocation {
	now := time.Now()

	t.mu.Lock()
	var leaks []Allocation
	for _, a := range t.live {
		if a.Age(now) > t.cfg.LeakThreshold {
			leaks = append(leaks, *a)
		}
	}
	t.mu.Unlock()

	sort.Slice(leaks, func(i, j int) bool { return leaks[i].At.Before(leaks[j].At) })
	return leaks
}

// Size distribution band upper bounds.
const (
	bandTiny   = 64
	bandSmall  = 1024
	bandMedium = 64 * 1024
	bandLarge  = 1024 * 1024
)

// SizeDistribution buckets live allocations into five size bands.
func (t *Tracker) SizeDistribution() map[string]uint64 {
	dist := map[string]uint64{
		"tiny":   0,
		"small":  0,
		"medium": 0,
		"large":  0,
		"huge":   0,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.live {
		switch {
		case a.Size <= bandTiny:
			dist["tiny"]++
		case a.Size <= bandSmall:
			dist["small"]++
		case a.Size <= bandMedium:
			dist["medium"]++
		case a.Size <= bandLarge:
			dist["large"]++
		default:
			dist["huge"]++
		}
	}
	return dist
}

// Hotspots returns the top n call sites by cumulative bytes.
func (t *Tracker) Hotspots(n int) []SiteStats {
	t.mu.Lock()
	spots := make([]SiteStats, 0, len(t.sites))
	for _, s := range t.sites {
		spots = append(spots, *s)
	}
	t.mu.Unlock()

	sort.Slice(spots, func(i, j int) bool {
		if spots[i].Bytes != spots[j].Bytes {
			return spots[i].Bytes > spots[j].Bytes
		}
		return spots[i].Site < spots[j].Site
	})
	if n > 0 && len(spots) > n {
		spots = spots[:n]
	}
	return spots
}

// TakeSnapshot samples current usage into the history ring and returns
// the sample.
func (t *Tracker) TakeSnapshot() Snapshot {
	snap := Snapshot{
		At:           time.Now(),
		CurrentBytes: t.currentBytes.Load(),
		PeakBytes:    t.peakBytes.Load(),
		TotalAllocs:  t.totalAllocs.Load(),
		TotalFrees:   t.totalFrees.Load(),
	}

	t.mu.Lock()
	snap.LiveCount = len(t.live)
	t.history = append(t.history, snap)
	if len(t.history) > t.cfg.MaxHistory {
		t.history = t.history[len(t.history)-t.cfg.MaxHistory:]
	}
	t.mu.Unlock()
	return snap
}

// History returns a copy of the snapshot ring, oldest first.
func (t *Tracker) History() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot, len(t.history))
	copy(out, t.history)
	return out
}

func (t *Tracker) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.TakeSnapshot()
		}
	}
}

// Healthy reports whether the tracker sees no suspected leaks and usage
// is under the alert threshold.
func (t *Tracker) Healthy() bool {
	if t.cfg.AlertThreshold > 0 && t.currentBytes.Load() > t.cfg.AlertThreshold {
		return false
	}
	return len(t.DetectLeaks()) == 0
}

// Reset clears the live table, sites and history. Counters restart from
// zero.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.live = make(map[uint64]*Allocation)
	t.order = nil
	t.sites = make(map[string]*SiteStats)
	t.history = nil
	t.mu.Unlock()

	t.totalAllocs.Store(0)
	t.totalFrees.Store(0)
	t.currentBytes.Store(0)
	t.peakBytes.Store(0)
	t.evicted.Store(0)
}

// Close stops the sampler. The tables stay readable for post-mortems.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	return nil
}

// Stats is a snapshot of tracker counters.
type Stats struct {
	TotalAllocs  uint64
	TotalFrees   uint64
	CurrentBytes int64
	PeakBytes    int64
	LiveCount    int
	Evicted      uint64
	Sites        int
}

// Stats returns a point-in-time snapshot.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	liveCount := len(t.live)
	siteCount := len(t.sites)
	t.mu.Unlock()

	return Stats{
		TotalAllocs:  t.totalAllocs.Load(),
		TotalFrees:   t.totalFrees.Load(),
		CurrentBytes: t.currentBytes.Load(),
		PeakBytes:    t.peakBytes.Load(),
		LiveCount:    liveCount,
		Evicted:      t.evicted.Load(),
		Sites:        siteCount,
	}
}

// Report renders a human-readable summary with leaks and top hotspots.
func (t *Tracker) Report() string {
	s := t.Stats()
	leaks := t.DetectLeaks()
	now := time.Now()

	var b strings.Builder
	b.WriteString("Allocation Tracker:\n")
	fmt.Fprintf(&b, "  %d live (%d bytes, peak %d), %d allocated, %d freed\n",
		s.LiveCount, s.CurrentBytes, s.PeakBytes, s.TotalAllocs, s.TotalFrees)
	fmt.Fprintf(&b, "  suspected leaks: %d\n", len(leaks))
	for i, leak := range leaks {
		if i >= 10 {
			fmt.Fprintf(&b, "  ... and %d more\n", len(leaks)-i)
			break
		}
		fmt.Fprintf(&b, "    %s %s: %d bytes live for %s\n",
			leak.Site, leak.Tag, leak.Size, leak.Age(now).Round(time.Second))
	}
	for _, spot := range t.Hotspots(5) {
		fmt.Fprintf(&b, "  hotspot %s: %d allocs, %d bytes total, %d live\n",
			spot.Site, spot.Count, spot.Bytes, spot.Live)
	}
	return b.String()
}

// callerSite formats the caller's file:line, trimmed to the last two path
// elements.
func callerSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	if i := strings.LastIndex(file, "/"); i >= 0 {
		if j := strings.LastIndex(file[:i], "/"); j >= 0 {
			file = file[j+1:]
		}
	}
	return fmt.Sprintf("%s:%d", file, line)
}
