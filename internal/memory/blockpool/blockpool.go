// Package blockpool implements a layered raw-memory pool with three size
// classes (small/medium/large). Each class owns pre-allocated chunks sliced
// into equal blocks and an index-linked free list; requests larger than the
// largest class fall back to direct heap allocations and are routed back to
// the heap on release.
package blockpool

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unsafe"

	"github.com/Dark-Knight-0817/ffplay0.1/internal/memerr"
)

// Handle identifies a live allocation. Handles are never reused while the
// allocation is outstanding, so a stale release is detected instead of
// corrupting the free list.
type Handle uint64

const none = int32(-1)

// Config controls class sizes and pool growth bounds.
type Config struct {
	SmallBlockSize  int
	MediumBlockSize int
	LargeBlockSize  int
	InitialPoolSize int64
	MaxPoolSize     int64
	Alignment       int
}

// DefaultConfig returns the sizing used when no explicit config is given.
func DefaultConfig() Config {
	return Config{
		SmallBlockSize:  1024,
		MediumBlockSize: 64 * 1024,
		LargeBlockSize:  1024 * 1024,
		InitialPoolSize: 16 * 1024 * 1024,
		MaxPoolSize:     128 * 1024 * 1024,
		Alignment:       32,
	}
}

// block is a descriptor inside a class slab. Free blocks are linked through
// prev/next; merged neighbours are marked dead and keep no storage.
type block struct {
	chunk int32
	prev  int32
	next  int32
	off   int
	size  int
	free  bool
	dead  bool
}

type chunk struct {
	buf  []byte
	base int // aligned offset into buf
}

type sizeClass struct {
	name           string
	blockSize      int
	blocksPerChunk int
	chunks         []chunk
	blocks         []block
	freeHead       int32
	freeBlocks     int
	freeBytes      int64
}

type ref struct {
	class    int8
	block    int32
	size     int
	unpooled bool
}

// Pool is the layered block pool. All methods are safe for concurrent use.
type Pool struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	closed     bool
	classes    [3]sizeClass
	handles    map[Handle]ref
	nextHandle Handle
	poolBytes  int64 // bytes held in chunks, bounded by cfg.MaxPoolSize

	stats statsCounters
}

type statsCounters struct {
	allocations   uint64
	deallocations uint64
	poolHits      uint64
	poolMisses    uint64
	bytesInUse    int64
	peakInUse     int64
	chunksGrown   uint64
	mergedBlocks  uint64
}

// New creates a pool and pre-allocates chunks up to cfg.InitialPoolSize,
// spread across the three classes.
func New(cfg Config) (*Pool, error) {
	if cfg.SmallBlockSize <= 0 || cfg.MediumBlockSize <= cfg.SmallBlockSize || cfg.LargeBlockSize <= cfg.MediumBlockSize {
		return nil, fmt.Errorf("block sizes must be ascending and positive: %d/%d/%d",
			cfg.SmallBlockSize, cfg.MediumBlockSize, cfg.LargeBlockSize)
	}
	if a := cfg.Alignment; a <= 0 || a&(a-1) != 0 {
		return nil, fmt.Errorf("alignment must be a power of two, got %d", cfg.Alignment)
	}
	// Block offsets are multiples of the class block size from the
	// aligned chunk base, so every class size must keep that alignment.
	for _, size := range [3]int{cfg.SmallBlockSize, cfg.MediumBlockSize, cfg.LargeBlockSize} {
		if size%cfg.Alignment != 0 {
			return nil, fmt.Errorf("block size %d is not a multiple of alignment %d", size, cfg.Alignment)
		}
	}
	if cfg.MaxPoolSize < cfg.InitialPoolSize {
		return nil, fmt.Errorf("max pool size %d below initial size %d", cfg.MaxPoolSize, cfg.InitialPoolSize)
	}

	p := &Pool{
		cfg:        cfg,
		log:        slog.Default().With("component", "blockpool"),
		handles:    make(map[Handle]ref),
		nextHandle: 1,
	}
	p.classes[0] = sizeClass{name: "small", blockSize: cfg.SmallBlockSize, blocksPerChunk: 256, freeHead: none}
	p.classes[1] = sizeClass{name: "medium", blockSize: cfg.MediumBlockSize, blocksPerChunk: 64, freeHead: none}
	p.classes[2] = sizeClass{name: "large", blockSize: cfg.LargeBlockSize, blocksPerChunk: 16, freeHead: none}

	// One chunk per class up front, then round-robin until the initial
	// budget is spent.
	for ci := range p.classes {
		if err := p.grow(ci); err != nil {
			return nil, err
		}
	}
	for p.poolBytes < cfg.InitialPoolSize {
		grew := false
		for ci := range p.classes {
			if p.poolBytes >= cfg.InitialPoolSize {
				break
			}
			if err := p.grow(ci); err == nil {
				grew = true
			}
		}
		if !grew {
			break
		}
	}

	p.log.Debug("pool initialized",
		"pool_bytes", p.poolBytes,
		"small_chunks", len(p.classes[0].chunks),
		"medium_chunks", len(p.classes[1].chunks),
		"large_chunks", len(p.classes[2].chunks))
	return p, nil
}

// grow adds one chunk to class ci. Caller holds p.mu (or runs before the
// pool is published).
func (p *Pool) grow(ci int) error {
	sc := &p.classes[ci]
	chunkBytes := int64(sc.blockSize * sc.blocksPerChunk)
	if p.poolBytes+chunkBytes > p.cfg.MaxPoolSize {
		return memerr.Alloc("grow "+sc.name, int(chunkBytes), memerr.ErrOutOfMemory)
	}

	buf := make([]byte, int(chunkBytes)+p.cfg.Alignment)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	base := int((uintptr(p.cfg.Alignment) - addr%uintptr(p.cfg.Alignment)) % uintptr(p.cfg.Alignment))

	chunkIdx := int32(len(sc.chunks))
	sc.chunks = append(sc.chunks, chunk{buf: buf, base: base})

	for i := 0; i < sc.blocksPerChunk; i++ {
		idx := int32(len(sc.blocks))
		sc.blocks = append(sc.blocks, block{
			chunk: chunkIdx,
			off:   i * sc.blockSize,
			size:  sc.blockSize,
			free:  true,
			prev:  none,
			next:  sc.freeHead,
		})
		if sc.freeHead != none {
			sc.blocks[sc.freeHead].prev = idx
		}
		sc.freeHead = idx
	}
	sc.freeBlocks += sc.blocksPerChunk
	sc.freeBytes += chunkBytes
	p.poolBytes += chunkBytes
	p.stats.chunksGrown++
	return nil
}

// classFor returns the index of the smallest class whose block size can
// hold an aligned request, or -1 for oversized requests.
func (p *Pool) classFor(aligned int) int {
	for ci := range p.classes {
		if p.classes[ci].blockSize >= aligned {
			return ci
		}
	}
	return -1
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Allocate returns an aligned buffer of exactly size bytes and the handle
// to release it with. Requests above the large class size are served from
// the heap and tracked as pool misses.
func (p *Pool) Allocate(size int) (Handle, []byte, error) {
	if size <= 0 {
		return 0, nil, memerr.Alloc("allocate", size, memerr.ErrInvalidSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, nil, memerr.Alloc("allocate", size, memerr.ErrShutdown)
	}

	aligned := alignUp(size, p.cfg.Alignment)
	ci := p.classFor(aligned)
	if ci >= 0 {
		if idx := p.takeFree(ci, aligned); idx == none {
			// Grow once and retry before giving up on the pooled path.
			if err := p.grow(ci); err == nil {
				idx = p.takeFree(ci, aligned)
			}
			if idx != none {
				return p.issuePooled(ci, idx, size), p.blockData(ci, idx, size), nil
			}
		} else {
			return p.issuePooled(ci, idx, size), p.blockData(ci, idx, size), nil
		}
	}

	// Oversized request or growth exhausted: direct heap allocation.
	buf := make([]byte, size)
	h := p.nextHandle
	p.nextHandle++
	p.handles[h] = ref{unpooled: true, size: size}
	p.stats.allocations++
	p.stats.poolMisses++
	p.noteInUse(int64(size))
	return h, buf, nil
}

// takeFree pops a free block that fits. Head is the O(1) fast path; the
// scan fallback only matters after merges have produced uneven sizes.
func (p *Pool) takeFree(ci, aligned int) int32 {
	sc := &p.classes[ci]
	for idx := sc.freeHead; idx != none; idx = sc.blocks[idx].next {
		if sc.blocks[idx].size >= aligned {
			p.unlink(sc, idx)
			p.split(sc, idx)
			return idx
		}
	}
	return none
}

// split carves a previously merged block back down to the class block
// size and returns the remainder to the free list, so one defragmented
// chunk does not serve a single allocation.
func (p *Pool) split(sc *sizeClass, idx int32) {
	b := sc.blocks[idx]
	if b.size < 2*sc.blockSize {
		return
	}
	rest := int32(len(sc.blocks))
	sc.blocks = append(sc.blocks, block{
		chunk: b.chunk,
		off:   b.off + sc.blockSize,
		size:  b.size - sc.blockSize,
		prev:  none,
		next:  none,
	})
	sc.blocks[idx].size = sc.blockSize
	p.pushFree(sc, rest)
}

func (p *Pool) unlink(sc *sizeClass, idx int32) {
	b := &sc.blocks[idx]
	if b.prev != none {
		sc.blocks[b.prev].next = b.next
	} else {
		sc.freeHead = b.next
	}
	if b.next != none {
		sc.blocks[b.next].prev = b.prev
	}
	b.prev, b.next = none, none
	b.free = false
	sc.freeBlocks--
	sc.freeBytes -= int64(b.size)
}

func (p *Pool) pushFree(sc *sizeClass, idx int32) {
	b := &sc.blocks[idx]
	b.free = true
	b.prev = none
	b.next = sc.freeHead
	if sc.freeHead != none {
		sc.blocks[sc.freeHead].prev = idx
	}
	sc.freeHead = idx
	sc.freeBlocks++
	sc.freeBytes += int64(b.size)
}

func (p *Pool) issuePooled(ci int, idx int32, size int) Handle {
	h := p.nextHandle
	p.nextHandle++
	p.handles[h] = ref{class: int8(ci), block: idx, size: size}
	p.stats.allocations++
	p.stats.poolHits++
	p.noteInUse(int64(size))
	return h
}

func (p *Pool) blockData(ci int, idx int32, size int) []byte {
	sc := &p.classes[ci]
	b := &sc.blocks[idx]
	c := &sc.chunks[b.chunk]
	start := c.base + b.off
	return c.buf[start : start+size : start+size]
}

func (p *Pool) noteInUse(delta int64) {
	p.stats.bytesInUse += delta
	if p.stats.bytesInUse > p.stats.peakInUse {
		p.stats.peakInUse = p.stats.bytesInUse
	}
}

// Deallocate returns the allocation behind h to its class free list, or to
// the heap for unpooled allocations. Releasing an unknown or already
// released handle is an error, not corruption.
func (p *Pool) Deallocate(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.handles[h]
	if !ok {
		return memerr.Alloc("deallocate", 0, memerr.ErrInvalidHandle)
	}
	delete(p.handles, h)
	p.stats.deallocations++
	p.stats.bytesInUse -= int64(r.size)

	if r.unpooled {
		// Heap allocation; the GC reclaims it once the caller drops the
		// slice.
		return nil
	}
	p.pushFree(&p.classes[r.class], r.block)
	return nil
}

// Defragment merges free blocks whose data regions are byte-adjacent
// within a chunk, and returns the number of merges performed. One O(n)
// pass per class.
func (p *Pool) Defragment() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}

	merged := 0
	for ci := range p.classes {
		merged += p.defragClass(&p.classes[ci])
	}
	p.stats.mergedBlocks += uint64(merged)
	if merged > 0 {
		p.log.Debug("defragmented", "merged_blocks", merged)
	}
	return merged
}

func (p *Pool) defragClass(sc *sizeClass) int {
	// Index free blocks by (chunk, start offset) so the right neighbour of
	// a block is a single lookup on its end offset.
	type key struct {
		chunk int32
		off   int
	}
	byStart := make(map[key]int32, sc.freeBlocks)
	for idx := sc.freeHead; idx != none; idx = sc.blocks[idx].next {
		b := &sc.blocks[idx]
		byStart[key{b.chunk, b.off}] = idx
	}

	merged := 0
	for idx := sc.freeHead; idx != none; {
		b := &sc.blocks[idx]
		next := b.next
		rightIdx, ok := byStart[key{b.chunk, b.off + b.size}]
		if ok && rightIdx != idx && sc.blocks[rightIdx].free {
			if rightIdx == next {
				next = sc.blocks[rightIdx].next
			}
			right := &sc.blocks[rightIdx]
			p.unlink(sc, rightIdx)
			right.dead = true
			delete(byStart, key{right.chunk, right.off})

			sc.freeBytes -= int64(b.size)
			b.size += right.size
			sc.freeBytes += int64(b.size)
			merged++
			// Stay on this block; it may now touch another free
			// neighbour.
			continue
		}
		idx = next
	}
	return merged
}

// Close releases all chunks. Outstanding handles become invalid.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return memerr.ErrShutdown
	}
	p.closed = true

	if n := len(p.handles); n > 0 {
		p.log.Warn("closing with outstanding allocations", "count", n)
	}
	for ci := range p.classes {
		p.classes[ci] = sizeClass{name: p.classes[ci].name, freeHead: none}
	}
	p.handles = nil
	p.poolBytes = 0
	return nil
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Allocations   uint64
	Deallocations uint64
	PoolHits      uint64
	PoolMisses    uint64
	HitRate       float64
	BytesInUse    int64
	PeakInUse     int64
	PoolBytes     int64
	ChunksGrown   uint64
	MergedBlocks  uint64
	Classes       []ClassStats
}

// ClassStats describes one size class.
type ClassStats struct {
	Name       string
	BlockSize  int
	Chunks     int
	FreeBlocks int
	FreeBytes  int64
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Allocations:   p.stats.allocations,
		Deallocations: p.stats.deallocations,
		PoolHits:      p.stats.poolHits,
		PoolMisses:    p.stats.poolMisses,
		BytesInUse:    p.stats.bytesInUse,
		PeakInUse:     p.stats.peakInUse,
		PoolBytes:     p.poolBytes,
		ChunksGrown:   p.stats.chunksGrown,
		MergedBlocks:  p.stats.mergedBlocks,
	}
	if s.Allocations > 0 {
		s.HitRate = float64(s.PoolHits) / float64(s.Allocations)
	}
	for ci := range p.classes {
		sc := &p.classes[ci]
		s.Classes = append(s.Classes, ClassStats{
			Name:       sc.name,
			BlockSize:  sc.blockSize,
			Chunks:     len(sc.chunks),
			FreeBlocks: sc.freeBlocks,
			FreeBytes:  sc.freeBytes,
		})
	}
	return s
}

// ResetStatistics zeroes the counters without touching live allocations.
func (p *Pool) ResetStatistics() {
	p.mu.Lock()
	defer p.mu.Unlock()
	inUse := p.stats.bytesInUse
	p.stats = statsCounters{bytesInUse: inUse, peakInUse: inUse}
}

// Report renders a human-readable summary of the pool state.
func (p *Pool) Report() string {
	s := p.Stats()
	h := p.Health()

	var b strings.Builder
	fmt.Fprintf(&b, "Block Pool: %d/%d bytes in use (peak %d), hit rate %.1f%%\n",
		s.BytesInUse, s.PoolBytes, s.PeakInUse, s.HitRate*100)
	for _, c := range s.Classes {
		fmt.Fprintf(&b, "  %-6s %7d B blocks, %d chunks, %d free (%d bytes)\n",
			c.Name, c.BlockSize, c.Chunks, c.FreeBlocks, c.FreeBytes)
	}
	fmt.Fprintf(&b, "  fragmentation %.2f, healthy=%v\n", h.Fragmentation, h.Healthy)
	for _, issue := range h.Issues {
		fmt.Fprintf(&b, "  issue: %s\n", issue)
	}
	return b.String()
}
