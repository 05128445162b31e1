// Package manager composes the block pool, frame recycler, packet
// recycler, tiered cache and allocation tracker behind one facade, and
// runs pressure monitoring and periodic optimization over them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Dark-Knight-0817/ffplay0.1/internal/config"
	"github.com/Dark-Knight-0817/ffplay0.1/internal/memerr"
	"github.com/Dark-Knight-0817/ffplay0.1/internal/memory/blockpool"
	"github.com/Dark-Knight-0817/ffplay0.1/internal/memory/cache"
	"github.com/Dark-Knight-0817/ffplay0.1/internal/memory/framepool"
	"github.com/Dark-Knight-0817/ffplay0.1/internal/memory/packetpool"
	"github.com/Dark-Knight-0817/ffplay0.1/internal/memory/tracker"
)

// PressureLevel classifies total usage against the configured limit.
type PressureLevel int

const (
	PressureLow PressureLevel = iota
	PressureModerate
	PressureHigh
	PressureCritical
)

func (l PressureLevel) String() string {
	switch l {
	case PressureLow:
		return "low"
	case PressureModerate:
		return "moderate"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Pressure band lower bounds; the high band starts at the configured
// watermark.
const (
	moderateRatio = 0.5
	highRatio     = 0.7
)

// PressureEvent describes one pressure level transition.
type PressureEvent struct {
	At      time.Time
	From    PressureLevel
	To      PressureLevel
	Usage   int64
	Limit   int64
	Message string
}

// PressureFunc receives pressure transitions.
type PressureFunc func(PressureEvent)

// Buffer is a generic allocation, tracked until released. Block-backed
// buffers carry a pool handle; packet-backed ones wrap the packet.
type Buffer struct {
	Data    []byte
	handle  blockpool.Handle
	pkt     *packetpool.Packet
	trackID uint64
}

// Hint selects the backing component for generic allocations.
type Hint string

const (
	HintBlock  Hint = "block"
	HintPacket Hint = "packet"
)

// usageSample is one monitoring tick, kept for trend estimation.
type usageSample struct {
	at    time.Time
	bytes int64
}

// Manager owns the memory subsystem components.
type Manager struct {
	cfg *config.Config
	log *slog.Logger

	blocks  *blockpool.Pool
	frames  *framepool.Allocator
	packets *packetpool.Recycler
	cache   *cache.Tiered[string, []byte]
	codec   *cache.ZstdCodec
	track   *tracker.Tracker

	limit atomic.Int64

	mu         sync.Mutex
	closed     bool
	level      PressureLevel
	samples    []usageSample
	onPressure []PressureFunc
	onStats    func(Stats)

	frameIDs  map[*framepool.Frame]uint64
	packetIDs map[*packetpool.Packet]uint64

	componentPressure atomic.Uint64
	gcRuns            atomic.Uint64
	transitions       atomic.Uint64

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithPressureCallback registers fn for pressure level transitions. Each
// crossing fires exactly once.
func WithPressureCallback(fn PressureFunc) Option {
	return func(m *Manager) { m.onPressure = append(m.onPressure, fn) }
}

// WithStatsCallback registers fn to receive the aggregate stats snapshot
// on every monitoring tick.
func WithStatsCallback(fn func(Stats)) Option {
	return func(m *Manager) { m.onStats = fn }
}

// New builds the enabled components from cfg and starts the monitoring
// and optimization loops.
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	m := &Manager{
		cfg:       cfg,
		log:       slog.Default().With("component", "manager"),
		frameIDs:  make(map[*framepool.Frame]uint64),
		packetIDs: make(map[*packetpool.Packet]uint64),
	}
	m.limit.Store(cfg.Manager.MaxTotalMemory)
	for _, opt := range opts {
		opt(m)
	}

	mc := cfg.Manager
	var err error
	if mc.EnableTracker {
		if err = m.startTracker(); err != nil {
			return nil, err
		}
	}
	if mc.EnableBlockPool {
		if err = m.startBlockPool(); err != nil {
			m.closeComponents()
			return nil, err
		}
	}
	if mc.EnableFramePool {
		if err = m.startFramePool(); err != nil {
			m.closeComponents()
			return nil, err
		}
	}
	if mc.EnablePacketPool {
		if err = m.startPacketPool(); err != nil {
			m.closeComponents()
			return nil, err
		}
	}
	if mc.EnableCache {
		if err = m.startCache(); err != nil {
			m.closeComponents()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	if mc.MonitorInterval > 0 {
		m.wg.Go(func() { m.monitorLoop(ctx) })
	}
	if mc.EnableOptimizer && mc.OptimizeInterval > 0 {
		m.wg.Go(func() { m.optimizeLoop(ctx) })
	}

	m.log.Info("memory manager started",
		"strategy", mc.Strategy,
		"scenario", mc.Scenario,
		"limit", mc.MaxTotalMemory)
	return m, nil
}

func (m *Manager) startTracker() error {
	tc := m.cfg.Tracker
	tr, err := tracker.New(tracker.Config{
		MaxAllocations:   tc.MaxAllocations,
		LeakThreshold:    tc.LeakThreshold,
		AlertThreshold:   tc.AlertThreshold,
		AlertCooldown:    tc.AlertCooldown,
		SnapshotInterval: tc.SnapshotInterval,
		MaxHistory:       tc.MaxHistory,
	}, tracker.WithAlertCallback(func(current, threshold int64) {
		m.log.Warn("tracked usage above alert threshold",
			"current", current, "threshold", threshold)
	}))
	if err != nil {
		return fmt.Errorf("failed to start tracker: %w", err)
	}
	m.track = tr
	return nil
}

func (m *Manager) startBlockPool() error {
	bc := m.cfg.BlockPool
	pool, err := blockpool.New(blockpool.Config{
		SmallBlockSize:  bc.SmallBlockSize,
		MediumBlockSize: bc.MediumBlockSize,
		LargeBlockSize:  bc.LargeBlockSize,
		InitialPoolSize: bc.InitialPoolSize,
		MaxPoolSize:     bc.MaxPoolSize,
		Alignment:       bc.Alignment,
	})
	if err != nil {
		return fmt.Errorf("failed to start block pool: %w", err)
	}
	m.blocks = pool
	return nil
}

func (m *Manager) startFramePool() error {
	fc := m.cfg.FramePool
	alloc, err := framepool.New(framepool.Config{
		FramesPerPool:        fc.FramesPerPool,
		MaxPools:             fc.MaxPools,
		MaxFrameSize:         fc.MaxFrameSize,
		DefaultAlignment:     fc.DefaultAlignment,
		MaxTotalMemory:       fc.MaxTotalMemory,
		PressureThreshold:    fc.PressureThreshold,
		CleanupInterval:      fc.CleanupInterval,
		IdleTimeout:          fc.IdleTimeout,
		UtilizationThreshold: fc.UtilizationThreshold,
		WarmCommonSpecs:      fc.WarmCommonSpecs,
	}, framepool.WithPressureCallback(func(current, budget int64) {
		m.componentPressure.Add(1)
		m.log.Debug("frame pool pressure", "current", current, "budget", budget)
	}))
	if err != nil {
		return fmt.Errorf("failed to start frame pool: %w", err)
	}
	m.frames = alloc
	return nil
}

func (m *Manager) startPacketPool() error {
	pc := m.cfg.PacketPool
	rec, err := packetpool.New(packetpool.Config{
		MaxPoolsPerCategory: pc.MaxPoolsPerCategory,
		PacketsPerPool:      pc.PacketsPerPool,
		MaxTotalMemory:      pc.MaxTotalMemory,
		PressureThreshold:   pc.PressureThreshold,
		CleanupInterval:     pc.CleanupInterval,
	}, packetpool.WithPressureCallback(func(current, budget int64) {
		m.componentPressure.Add(1)
		m.log.Debug("packet pool pressure", "current", current, "budget", budget)
	}))
	if err != nil {
		return fmt.Errorf("failed to start packet pool: %w", err)
	}
	m.packets = rec
	return nil
}

func (m *Manager) startCache() error {
	cc := m.cfg.Cache
	var copts []cache.Option[string, []byte]
	copts = append(copts, cache.WithSizer[string](func(v []byte) int { return len(v) }))
	if cc.Compression {
		codec, err := cache.NewZstdCodec()
		if err != nil {
			return fmt.Errorf("failed to init cache codec: %w", err)
		}
		m.codec = codec
		copts = append(copts, cache.WithCodec[string, []byte](codec))
	}

	tiered, err := cache.New[string, []byte](cache.Config{
		HotCapacity:      cc.HotCapacity,
		WarmCapacity:     cc.WarmCapacity,
		ColdCapacity:     cc.ColdCapacity,
		HotPolicy:        cc.HotPolicy,
		WarmPolicy:       cc.WarmPolicy,
		ColdPolicy:       cc.ColdPolicy,
		TTL:              cc.TTL,
		CleanupInterval:  cc.CleanupInterval,
		DemoteAfter:      cc.DemoteAfter,
		PromoteThreshold: cc.PromoteThreshold,
		PrefetchWorkers:  cc.PrefetchWorkers,
		PrefetchRetries:  cc.PrefetchRetries,
	}, copts...)
	if err != nil {
		if m.codec != nil {
			m.codec.Close()
			m.codec = nil
		}
		return fmt.Errorf("failed to start cache: %w", err)
	}
	m.cache = tiered
	return nil
}

// Allocate routes a generic request by hint. Unknown or unavailable
// hints fall back to the block pool; frame-shaped allocations go through
// AllocateFrame, which needs the full spec.
func (m *Manager) Allocate(size int, hint Hint) (*Buffer, error) {
	if hint == HintPacket && m.packets != nil {
		p, err := m.AllocatePacket(size)
		if err != nil {
			return nil, err
		}
		return &Buffer{Data: p.Data(), pkt: p}, nil
	}
	return m.AllocateBlock(size)
}

// Deallocate releases a generic allocation to whichever component backs
// it.
func (m *Manager) Deallocate(buf *Buffer) error {
	if buf == nil {
		return nil
	}
	if buf.pkt != nil {
		m.ReleasePacket(buf.pkt)
		return nil
	}
	return m.ReleaseBlock(buf)
}

// AllocateBlock hands out an aligned raw buffer from the block pool.
func (m *Manager) AllocateBlock(size int) (*Buffer, error) {
	if m.blocks == nil {
		return nil, memerr.ErrNotInitialized
	}
	h, data, err := m.blocks.Allocate(size)
	if err != nil {
		return nil, err
	}
	buf := &Buffer{Data: data, handle: h}
	if m.track != nil {
		buf.trackID = m.track.TrackSite(size, "block", callerLabel())
	}
	return buf, nil
}

// ReleaseBlock returns a raw buffer to the block pool.
func (m *Manager) ReleaseBlock(buf *Buffer) error {
	if buf == nil {
		return nil
	}
	if m.blocks == nil {
		return memerr.ErrNotInitialized
	}
	if m.track != nil && buf.trackID != 0 {
		m.track.Untrack(buf.trackID)
	}
	return m.blocks.Deallocate(buf.handle)
}

// AllocateFrame hands out a frame buffer for the given spec.
func (m *Manager) AllocateFrame(spec framepool.FrameSpec) (*framepool.Frame, error) {
	if m.frames == nil {
		return nil, memerr.ErrNotInitialized
	}
	f, err := m.frames.Allocate(spec)
	if err != nil {
		return nil, err
	}
	if m.track != nil {
		id := m.track.TrackSite(spec.Size(), "frame", spec.String())
		m.mu.Lock()
		m.frameIDs[f] = id
		m.mu.Unlock()
	}
	return f, nil
}

// ReleaseFrame returns a frame to its recycler and reports whether the
// buffer went back to a sub-pool.
func (m *Manager) ReleaseFrame(f *framepool.Frame) bool {
	if f == nil || m.frames == nil {
		return false
	}
	if m.track != nil {
		m.mu.Lock()
		id, ok := m.frameIDs[f]
		delete(m.frameIDs, f)
		m.mu.Unlock()
		if ok {
			m.track.Untrack(id)
		}
	}
	return m.frames.Release(f)
}

// AllocatePacket hands out a packet buffer of at least size bytes.
func (m *Manager) AllocatePacket(size int) (*packetpool.Packet, error) {
	if m.packets == nil {
		return nil, memerr.ErrNotInitialized
	}
	p, err := m.packets.Allocate(size)
	if err != nil {
		return nil, err
	}
	if m.track != nil {
		id := m.track.TrackSite(p.Cap(), "packet", p.Category().String())
		m.mu.Lock()
		m.packetIDs[p] = id
		m.mu.Unlock()
	}
	return p, nil
}

// AllocatePacketBatch hands out one packet per requested size.
func (m *Manager) AllocatePacketBatch(sizes []int) ([]*packetpool.Packet, error) {
	if m.packets == nil {
		return nil, memerr.ErrNotInitialized
	}
	pkts, err := m.packets.AllocateBatch(sizes)
	if err != nil {
		return nil, err
	}
	if m.track != nil {
		m.mu.Lock()
		for _, p := range pkts {
			m.packetIDs[p] = m.track.TrackSite(p.Cap(), "packet", p.Category().String())
		}
		m.mu.Unlock()
	}
	return pkts, nil
}

// ReleasePacket drops one reference; the tracker entry clears when the
// last reference goes. The id is read before the release so a recycled
// pointer re-tracked by a concurrent Allocate is never untracked here.
func (m *Manager) ReleasePacket(p *packetpool.Packet) {
	if p == nil || m.packets == nil {
		return
	}
	var (
		id      uint64
		tracked bool
	)
	if m.track != nil {
		m.mu.Lock()
		id, tracked = m.packetIDs[p]
		m.mu.Unlock()
	}
	if !p.Release() {
		return
	}
	// Release reports true for exactly one owner, so only that owner
	// clears the tracker entry.
	if tracked {
		m.mu.Lock()
		if cur, ok := m.packetIDs[p]; ok && cur == id {
			delete(m.packetIDs, p)
		}
		m.mu.Unlock()
		m.track.Untrack(id)
	}
}

// CachePut stores a value in the tiered cache.
func (m *Manager) CachePut(key string, value []byte, opts ...cache.PutOption) error {
	if m.cache == nil {
		return memerr.ErrNotInitialized
	}
	return m.cache.Put(key, value, opts...)
}

// CacheGet looks a value up in the tiered cache.
func (m *Manager) CacheGet(key string) ([]byte, bool) {
	if m.cache == nil {
		return nil, false
	}
	return m.cache.Get(key)
}

// CacheRemove drops a key from all tiers.
func (m *Manager) CacheRemove(key string) bool {
	if m.cache == nil {
		return false
	}
	return m.cache.Remove(key)
}

// Prefetch loads keys not yet cached into the cache's cold tier.
func (m *Manager) Prefetch(ctx context.Context, keys []string, loader func(context.Context, string) ([]byte, error)) error {
	if m.cache == nil {
		return memerr.ErrNotInitialized
	}
	return m.cache.Prefetch(ctx, keys, loader)
}

// Usage sums current memory held across pooling components.
func (m *Manager) Usage() int64 {
	var total int64
	if m.blocks != nil {
		total += m.blocks.Stats().PoolBytes
	}
	if m.frames != nil {
		total += m.frames.Stats().MemoryUsage
	}
	if m.packets != nil {
		total += m.packets.Stats().CurrentMemory
	}
	return total
}

// MemoryLimit returns the current total memory limit.
func (m *Manager) MemoryLimit() int64 { return m.limit.Load() }

// SetMemoryLimit adjusts the total limit at runtime. Pressure levels are
// re-evaluated on the next monitor tick.
func (m *Manager) SetMemoryLimit(n int64) error {
	if n <= 0 {
		return fmt.Errorf("memory limit must be positive, got %d", n)
	}
	m.limit.Store(n)
	m.log.Info("memory limit changed", "limit", n)
	return nil
}

// EnableComponent starts a component that configuration left disabled.
// Intended for setup time: enabling a component while other goroutines
// allocate from it is not synchronized.
func (m *Manager) EnableComponent(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return memerr.ErrShutdown
	}

	switch name {
	case "block_pool":
		if m.blocks != nil {
			return nil
		}
		return m.startBlockPool()
	case "frame_pool":
		if m.frames != nil {
			return nil
		}
		return m.startFramePool()
	case "packet_pool":
		if m.packets != nil {
			return nil
		}
		return m.startPacketPool()
	case "cache":
		if m.cache != nil {
			return nil
		}
		return m.startCache()
	case "tracker":
		if m.track != nil {
			return nil
		}
		return m.startTracker()
	default:
		return fmt.Errorf("unknown component %q", name)
	}
}

// Pressure returns the last observed pressure level.
func (m *Manager) Pressure() PressureLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// levelFor maps a usage ratio onto a pressure level.
func (m *Manager) levelFor(usage, limit int64) PressureLevel {
	if limit <= 0 {
		return PressureLow
	}
	ratio := float64(usage) / float64(limit)
	switch {
	case ratio >= m.cfg.Manager.HighWatermark:
		return PressureCritical
	case ratio >= highRatio:
		return PressureHigh
	case ratio >= moderateRatio:
		return PressureModerate
	default:
		return PressureLow
	}
}

func (m *Manager) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Manager.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckPressure()
		}
	}
}

// CheckPressure samples usage, records the trend sample and reacts to
// level transitions. The monitor loop calls this on every tick; tests
// may call it directly.
func (m *Manager) CheckPressure() PressureLevel {
	usage := m.Usage()
	limit := m.limit.Load()
	level := m.levelFor(usage, limit)
	now := time.Now()

	m.mu.Lock()
	m.samples = append(m.samples, usageSample{at: now, bytes: usage})
	if cutoff := now.Add(-trendWindow); len(m.samples) > 2 && m.samples[0].at.Before(cutoff) {
		i := 0
		for i < len(m.samples)-2 && m.samples[i].at.Before(cutoff) {
			i++
		}
		m.samples = m.samples[i:]
	}
	prev := m.level
	m.level = level
	callbacks := m.onPressure
	statsFn := m.onStats
	m.mu.Unlock()

	if statsFn != nil {
		statsFn(m.Stats())
	}

	if level == prev {
		return level
	}

	m.transitions.Add(1)
	m.log.Info("memory pressure changed",
		"from", prev.String(), "to", level.String(),
		"usage", usage, "limit", limit)
	ev := PressureEvent{
		At: now, From: prev, To: level, Usage: usage, Limit: limit,
		Message: fmt.Sprintf("memory pressure %s -> %s (%d/%d bytes)",
			prev, level, usage, limit),
	}
	for _, fn := range callbacks {
		fn(ev)
	}

	if level > prev {
		switch level {
		case PressureHigh:
			m.targetedCleanup()
		case PressureCritical:
			m.ForceGC()
		}
	}
	return level
}

// targetedCleanup reaps idle resources without disturbing hot paths.
func (m *Manager) targetedCleanup() {
	if m.frames != nil {
		if n := m.frames.Cleanup(); n > 0 {
			m.log.Debug("reaped idle frame pools", "pools", n)
		}
	}
	if m.cache != nil {
		expired, demoted := m.cache.Sweep()
		if expired+demoted > 0 {
			m.log.Debug("cache sweep", "expired", expired, "demoted", demoted)
		}
	}
}

// ForceGC aggressively reclaims memory across every component and asks
// the runtime to collect.
func (m *Manager) ForceGC() {
	m.gcRuns.Add(1)
	if m.frames != nil {
		m.frames.Cleanup()
	}
	if m.packets != nil {
		m.packets.ForceGC()
	}
	if m.blocks != nil {
		m.blocks.Defragment()
	}
	if m.cache != nil {
		m.cache.Sweep()
	}
	runtime.GC()
	m.log.Info("forced garbage collection", "usage", m.Usage())
}

const trendWindow = 2 * time.Hour

// UsageTrend estimates usage growth in bytes per second over the sample
// window. Zero means flat or not enough samples.
func (m *Manager) UsageTrend() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) < 2 {
		return 0
	}
	first := m.samples[0]
	last := m.samples[len(m.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.bytes-first.bytes) / elapsed
}

func (m *Manager) optimizeLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Manager.OptimizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Optimize()
		}
	}
}

// Optimize runs one optimization pass: defragment when fragmented,
// collect when close to the limit.
func (m *Manager) Optimize() {
	if m.blocks != nil && m.blocks.Fragmentation() > 0.5 {
		merged := m.blocks.Defragment()
		if merged > 0 {
			m.log.Debug("defragmented block pool", "merged", merged)
		}
	}
	usage := m.Usage()
	limit := m.limit.Load()
	if limit > 0 && float64(usage) > 0.9*float64(limit) {
		m.ForceGC()
	}
}

// Healthy reports whether every enabled component looks sound.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return false
	}
	if m.blocks != nil && !m.blocks.Health().Healthy {
		return false
	}
	if m.track != nil && !m.track.Healthy() {
		return false
	}
	return true
}

// Stats aggregates counters across the enabled components.
type Stats struct {
	Usage       int64
	Limit       int64
	Pressure    PressureLevel
	Transitions uint64
	GCRuns      uint64

	BlockPool  *blockpool.Stats
	FramePool  *framepool.Stats
	PacketPool *packetpool.Stats
	Cache      *cache.Stats
	Tracker    *tracker.Stats
}

// Stats returns a point-in-time snapshot.
func (m *Manager) Stats() Stats {
	s := Stats{
		Usage:       m.Usage(),
		Limit:       m.limit.Load(),
		Pressure:    m.Pressure(),
		Transitions: m.transitions.Load(),
		GCRuns:      m.gcRuns.Load(),
	}
	if m.blocks != nil {
		bs := m.blocks.Stats()
		s.BlockPool = &bs
	}
	if m.frames != nil {
		fs := m.frames.Stats()
		s.FramePool = &fs
	}
	if m.packets != nil {
		ps := m.packets.Stats()
		s.PacketPool = &ps
	}
	if m.cache != nil {
		cs := m.cache.Stats()
		s.Cache = &cs
	}
	if m.track != nil {
		ts := m.track.Stats()
		s.Tracker = &ts
	}
	return s
}

// Report renders every component's report plus the manager summary.
func (m *Manager) Report() string {
	var b strings.Builder
	b.WriteString("Memory Manager:\n")
	fmt.Fprintf(&b, "  usage %d / %d bytes, pressure %s, %d gc runs\n",
		m.Usage(), m.limit.Load(), m.Pressure(), m.gcRuns.Load())
	if trend := m.UsageTrend(); trend != 0 {
		fmt.Fprintf(&b, "  trend %+.0f bytes/s\n", trend)
	}
	if m.blocks != nil {
		b.WriteString(m.blocks.Report())
	}
	if m.frames != nil {
		b.WriteString(m.frames.Report())
	}
	if m.packets != nil {
		b.WriteString(m.packets.Report())
	}
	if m.cache != nil {
		b.WriteString(m.cache.Report())
	}
	if m.track != nil {
		b.WriteString(m.track.Report())
	}
	return b.String()
}

// closeComponents shuts the components down in reverse dependency order.
// The fields are left in place: allocation paths read them without the
// mutex, and a closed component already refuses work with ErrShutdown,
// so nil'ing them here would only trade a clean failure for a data race.
func (m *Manager) closeComponents() error {
	var errs []error
	if m.cache != nil {
		errs = append(errs, m.cache.Close())
	}
	if m.codec != nil {
		m.codec.Close()
	}
	if m.packets != nil {
		errs = append(errs, m.packets.Close())
	}
	if m.frames != nil {
		errs = append(errs, m.frames.Close())
	}
	if m.blocks != nil {
		errs = append(errs, m.blocks.Close())
	}
	if m.track != nil {
		errs = append(errs, m.track.Close())
	}
	return errors.Join(errs...)
}

// Close stops the background loops and shuts the components down in
// reverse dependency order.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	err := m.closeComponents()
	m.log.Info("memory manager stopped")
	return err
}

// callerLabel formats the allocating caller's file:line, skipping the
// manager frame.
func callerLabel() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown"
	}
	if i := strings.LastIndex(file, "/"); i >= 0 {
		file = file[i+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}
