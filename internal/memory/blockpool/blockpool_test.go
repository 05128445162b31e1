package blockpool

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dark-Knight-0817/ffplay0.1/internal/memerr"
)

func testConfig() Config {
	return Config{
		SmallBlockSize:  1024,
		MediumBlockSize: 64 * 1024,
		LargeBlockSize:  1024 * 1024,
		InitialPoolSize: 2 * 1024 * 1024,
		MaxPoolSize:     64 * 1024 * 1024,
		Alignment:       32,
	}
}

func freeBlocks(s Stats) int {
	n := 0
	for _, c := range s.Classes {
		n += c.FreeBlocks
	}
	return n
}

func TestPool_AllocateDeallocateRoundTrip(t *testing.T) {
	p, err := New(testConfig())
	require.NoError(t, err)
	defer p.Close()

	before := freeBlocks(p.Stats())

	for _, size := range []int{1, 100, 1024, 4096, 64 * 1024, 512 * 1024, 1024 * 1024} {
		h, buf, err := p.Allocate(size)
		require.NoError(t, err, "size %d", size)
		assert.Len(t, buf, size)
		require.NoError(t, p.Deallocate(h))
	}

	assert.Equal(t, before, freeBlocks(p.Stats()), "free-list occupancy changed after round trips")
	assert.Equal(t, int64(0), p.Stats().BytesInUse)
}

func TestPool_ClassRouting(t *testing.T) {
	p, err := New(testConfig())
	require.NoError(t, err)
	defer p.Close()

	h1, _, err := p.Allocate(512)
	require.NoError(t, err)
	h2, _, err := p.Allocate(32 * 1024)
	require.NoError(t, err)
	h3, _, err := p.Allocate(512 * 1024)
	require.NoError(t, err)

	s := p.Stats()
	assert.Equal(t, uint64(3), s.PoolHits)
	assert.Equal(t, uint64(0), s.PoolMisses)
	assert.Equal(t, 1.0, s.HitRate)

	for _, h := range []Handle{h1, h2, h3} {
		require.NoError(t, p.Deallocate(h))
	}
}

func TestPool_OversizedGoesUnpooled(t *testing.T) {
	p, err := New(testConfig())
	require.NoError(t, err)
	defer p.Close()

	h, buf, err := p.Allocate(4 * 1024 * 1024)
	require.NoError(t, err)
	assert.Len(t, buf, 4*1024*1024)

	s := p.Stats()
	assert.Equal(t, uint64(1), s.PoolMisses)
	assert.Equal(t, int64(4*1024*1024), s.BytesInUse)

	require.NoError(t, p.Deallocate(h))
	assert.Equal(t, int64(0), p.Stats().BytesInUse)
}

func TestPool_Alignment(t *testing.T) {
	cfg := testConfig()
	cfg.Alignment = 64
	p, err := New(cfg)
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 20; i++ {
		h, buf, err := p.Allocate(100)
		require.NoError(t, err)
		addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
		assert.Zero(t, addr%64, "allocation %d not 64-byte aligned", i)
		require.NoError(t, p.Deallocate(h))
	}
}

func TestPool_GrowthBoundedByMaxSize(t *testing.T) {
	cfg := testConfig()
	// Room for the three initial chunks and nothing else.
	cfg.InitialPoolSize = 0
	cfg.MaxPoolSize = int64(256*1024 + 64*64*1024 + 16*1024*1024)
	p, err := New(cfg)
	require.NoError(t, err)
	defer p.Close()

	// Exhaust the large class (16 blocks), then one more.
	handles := make([]Handle, 0, 17)
	for i := 0; i < 17; i++ {
		h, _, err := p.Allocate(1024 * 1024)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	s := p.Stats()
	assert.Equal(t, uint64(16), s.PoolHits)
	assert.Equal(t, uint64(1), s.PoolMisses, "17th large allocation should fall back to the heap")
	assert.LessOrEqual(t, s.PoolBytes, cfg.MaxPoolSize)

	for _, h := range handles {
		require.NoError(t, p.Deallocate(h))
	}
}

func TestPool_DoubleDeallocate(t *testing.T) {
	p, err := New(testConfig())
	require.NoError(t, err)
	defer p.Close()

	h, _, err := p.Allocate(100)
	require.NoError(t, err)
	require.NoError(t, p.Deallocate(h))

	err = p.Deallocate(h)
	assert.ErrorIs(t, err, memerr.ErrInvalidHandle)

	err = p.Deallocate(Handle(99999))
	assert.ErrorIs(t, err, memerr.ErrInvalidHandle)
}

func TestPool_DistinctBuffers(t *testing.T) {
	p, err := New(testConfig())
	require.NoError(t, err)
	defer p.Close()

	h1, b1, err := p.Allocate(1024)
	require.NoError(t, err)
	h2, b2, err := p.Allocate(1024)
	require.NoError(t, err)

	for i := range b1 {
		b1[i] = 0xAA
	}
	for i := range b2 {
		b2[i] = 0x55
	}
	assert.Equal(t, byte(0xAA), b1[0])
	assert.Equal(t, byte(0x55), b2[0])

	require.NoError(t, p.Deallocate(h1))
	require.NoError(t, p.Deallocate(h2))
}

func TestPool_DefragmentMergesAdjacent(t *testing.T) {
	p, err := New(testConfig())
	require.NoError(t, err)
	defer p.Close()

	// Fresh chunks are fully free, so every in-chunk neighbour pair is
	// mergeable.
	merged := p.Defragment()
	assert.Greater(t, merged, 0)

	s := p.Stats()
	var smallFree int
	for _, c := range s.Classes {
		if c.Name == "small" {
			smallFree = c.FreeBlocks
		}
	}
	assert.Less(t, smallFree, 256, "small class should have coalesced")

	// Merged blocks are split back to class granularity on allocation.
	h, buf, err := p.Allocate(1024)
	require.NoError(t, err)
	assert.Len(t, buf, 1024)
	require.NoError(t, p.Deallocate(h))

	assert.Equal(t, int64(0), p.Stats().BytesInUse)
	assert.True(t, p.Health().Healthy)
}

func TestPool_FragmentationRatio(t *testing.T) {
	p, err := New(testConfig())
	require.NoError(t, err)
	defer p.Close()

	// A pristine chunk is one contiguous free region.
	assert.Zero(t, p.Fragmentation())

	// Checkerboard the small class: allocate a run, free every other
	// block, and the free space is no longer one region.
	handles := make([]Handle, 64)
	for i := range handles {
		h, _, err := p.Allocate(1024)
		require.NoError(t, err)
		handles[i] = h
	}
	for i := 0; i < len(handles); i += 2 {
		require.NoError(t, p.Deallocate(handles[i]))
	}
	assert.Greater(t, p.Fragmentation(), 0.0)

	// Freeing the rest restores one contiguous region per chunk.
	for i := 1; i < len(handles); i += 2 {
		require.NoError(t, p.Deallocate(handles[i]))
	}
	assert.Zero(t, p.Fragmentation())
	assert.True(t, p.Health().Healthy)
}

func TestPool_HealthDetectsCorruption(t *testing.T) {
	p, err := New(testConfig())
	require.NoError(t, err)
	defer p.Close()

	require.True(t, p.Health().Healthy)

	// Simulate corruption: mark the head of the small free list non-free
	// without unlinking it.
	p.mu.Lock()
	p.classes[0].blocks[p.classes[0].freeHead].free = false
	p.mu.Unlock()

	h := p.Health()
	assert.False(t, h.Healthy)
	assert.NotEmpty(t, h.Issues)
}

func TestPool_HealthFreeBlockStats(t *testing.T) {
	p, err := New(testConfig())
	require.NoError(t, err)
	defer p.Close()

	h := p.Health()
	require.Equal(t, freeBlocks(p.Stats()), h.FreeBlocks.Count)
	assert.Equal(t, 1024, h.FreeBlocks.MinSize)
	assert.Equal(t, 1024*1024, h.FreeBlocks.MaxSize)
	assert.Positive(t, h.FreeBlocks.Variance, "mixed class sizes have spread")
	assert.Zero(t, h.Utilization)
	assert.Equal(t, 1.0, h.UnusedRatio)

	handle, _, err := p.Allocate(1024 * 1024)
	require.NoError(t, err)
	h = p.Health()
	assert.Positive(t, h.Utilization)
	assert.Less(t, h.UnusedRatio, 1.0)
	require.NoError(t, p.Deallocate(handle))
}

func TestPool_Close(t *testing.T) {
	p, err := New(testConfig())
	require.NoError(t, err)

	require.NoError(t, p.Close())

	_, _, err = p.Allocate(100)
	assert.ErrorIs(t, err, memerr.ErrShutdown)
	assert.ErrorIs(t, p.Close(), memerr.ErrShutdown)
}

func TestPool_StatsAndReport(t *testing.T) {
	p, err := New(testConfig())
	require.NoError(t, err)
	defer p.Close()

	h, _, err := p.Allocate(2048)
	require.NoError(t, err)

	s := p.Stats()
	assert.Equal(t, uint64(1), s.Allocations)
	assert.Equal(t, int64(2048), s.BytesInUse)
	assert.Equal(t, int64(2048), s.PeakInUse)
	assert.Len(t, s.Classes, 3)

	report := p.Report()
	assert.Contains(t, report, "Block Pool")
	assert.Contains(t, report, "small")

	require.NoError(t, p.Deallocate(h))
	p.ResetStatistics()
	s = p.Stats()
	assert.Zero(t, s.Allocations)
	assert.Zero(t, s.BytesInUse)
}

func TestPool_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Alignment = 24
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.MediumBlockSize = cfg.SmallBlockSize
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.MaxPoolSize = cfg.InitialPoolSize - 1
	_, err = New(cfg)
	assert.Error(t, err)

	// A class size off the alignment grid would misalign pooled blocks.
	cfg = testConfig()
	cfg.SmallBlockSize = 1000
	_, err = New(cfg)
	assert.ErrorContains(t, err, "multiple of alignment")
}

func TestPool_InvalidSize(t *testing.T) {
	p, err := New(testConfig())
	require.NoError(t, err)
	defer p.Close()

	_, _, err = p.Allocate(0)
	assert.ErrorIs(t, err, memerr.ErrInvalidSize)
	_, _, err = p.Allocate(-5)
	assert.ErrorIs(t, err, memerr.ErrInvalidSize)
}
