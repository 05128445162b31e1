package framepool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dark-Knight-0817/ffplay0.1/internal/memerr"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CleanupInterval = 0 // no background loop in tests
	return cfg
}

func TestFrameSpec_Size(t *testing.T) {
	tests := []struct {
		name string
		spec FrameSpec
		want int
	}{
		{
			// Aligned width: 1920 is a multiple of 32, chroma 960 too.
			name: "1080p yuv420p",
			spec: FrameSpec{1920, 1080, YUV420P, 32},
			want: 1920*1080 + 2*(960*540),
		},
		{
			name: "1080p nv12",
			spec: FrameSpec{1920, 1080, NV12, 32},
			want: 1920*1080 + 1920*540,
		},
		{
			name: "1080p rgba",
			spec: FrameSpec{1920, 1080, RGBA, 32},
			want: 1920 * 4 * 1080,
		},
		{
			name: "gray8 with padded linesize",
			spec: FrameSpec{100, 50, GRAY8, 32},
			want: 128 * 50, // 100 rounded up to 128
		},
		{
			// Odd dimensions round the chroma planes up.
			name: "odd yuv420p no padding",
			spec: FrameSpec{101, 51, YUV420P, 1},
			want: 101*51 + 2*(51*26),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.spec.Size())
		})
	}
}

func TestFrameSpec_Validate(t *testing.T) {
	valid := FrameSpec{1280, 720, YUV420P, 32}
	assert.NoError(t, valid.Validate())

	bad := valid
	bad.Width = 0
	assert.ErrorIs(t, bad.Validate(), memerr.ErrInvalidSize)

	bad = valid
	bad.Format = PixelFormat(99)
	assert.ErrorIs(t, bad.Validate(), memerr.ErrUnsupportedFormat)

	bad = valid
	bad.Alignment = 24
	assert.Error(t, bad.Validate())
}

func TestAllocator_ReuseBySpec(t *testing.T) {
	a, err := New(testConfig())
	require.NoError(t, err)
	defer a.Close()

	spec := FrameSpec{640, 480, YUV420P, 32}

	f1, err := a.Allocate(spec)
	require.NoError(t, err)
	assert.Len(t, f1.Data, spec.Size())
	assert.True(t, f1.Pooled())
	assert.True(t, a.Release(f1))

	f2, err := a.Allocate(spec)
	require.NoError(t, err)
	assert.True(t, f2.Pooled())
	a.Release(f2)

	f3, err := a.Allocate(spec)
	require.NoError(t, err)
	assert.True(t, f3.Pooled(), "released frame should be reusable")
	a.Release(f3)

	s := a.Stats()
	assert.Equal(t, uint64(3), s.TotalAllocated)
	assert.Equal(t, uint64(3), s.TotalFreed)
	assert.Equal(t, uint64(2), s.PoolHits)
	assert.Equal(t, uint64(1), s.PoolMisses)
	assert.Equal(t, int64(0), s.MemoryUsage)
}

func TestAllocator_DoubleReleaseIsNoop(t *testing.T) {
	a, err := New(testConfig())
	require.NoError(t, err)
	defer a.Close()

	spec := FrameSpec{640, 480, YUV420P, 32}
	f, err := a.Allocate(spec)
	require.NoError(t, err)

	assert.True(t, a.Release(f))
	assert.False(t, a.Release(f), "stale second release must be absorbed")

	s := a.Stats()
	assert.Equal(t, uint64(1), s.TotalFreed, "a frame is freed once")
	assert.Equal(t, int64(0), s.MemoryUsage, "usage must not go negative")

	// The recycled buffer must survive the stale release.
	f2, err := a.Allocate(spec)
	require.NoError(t, err)
	assert.True(t, f2.Pooled())
	assert.Len(t, f2.Data, spec.Size())
	assert.True(t, a.Release(f2))
	assert.False(t, a.Release(f2))
	assert.Equal(t, int64(0), a.Stats().MemoryUsage)
}

func TestAllocator_DistinctSpecsGetDistinctPools(t *testing.T) {
	a, err := New(testConfig())
	require.NoError(t, err)
	defer a.Close()

	f1, err := a.Allocate(FrameSpec{640, 480, YUV420P, 32})
	require.NoError(t, err)
	f2, err := a.Allocate(FrameSpec{640, 480, RGB24, 32})
	require.NoError(t, err)
	f3, err := a.Allocate(FrameSpec{1280, 720, YUV420P, 32})
	require.NoError(t, err)

	assert.Equal(t, 3, a.Stats().ActivePools)

	a.Release(f1)
	a.Release(f2)
	a.Release(f3)
}

func TestAllocator_UnsupportedFormat(t *testing.T) {
	a, err := New(testConfig())
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Allocate(FrameSpec{640, 480, PixelFormat(42), 32})
	assert.ErrorIs(t, err, memerr.ErrUnsupportedFormat)
}

func TestAllocator_MaxFrameSize(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameSize = 1024 * 1024
	a, err := New(cfg)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Allocate(FrameSpec{3840, 2160, RGBA, 32})
	assert.ErrorIs(t, err, memerr.ErrInvalidSize)
}

func TestAllocator_PoolCountLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPools = 2
	a, err := New(cfg)
	require.NoError(t, err)
	defer a.Close()

	f1, err := a.Allocate(FrameSpec{320, 240, YUV420P, 32})
	require.NoError(t, err)
	f2, err := a.Allocate(FrameSpec{640, 480, YUV420P, 32})
	require.NoError(t, err)

	_, err = a.Allocate(FrameSpec{1280, 720, YUV420P, 32})
	assert.ErrorIs(t, err, memerr.ErrPoolFull)

	// Existing specs still work at the limit.
	f3, err := a.Allocate(FrameSpec{320, 240, YUV420P, 32})
	require.NoError(t, err)

	a.Release(f1)
	a.Release(f2)
	a.Release(f3)
}

func TestAllocator_SubPoolMissFallsBackToDirect(t *testing.T) {
	cfg := testConfig()
	cfg.FramesPerPool = 2
	a, err := New(cfg)
	require.NoError(t, err)
	defer a.Close()

	spec := FrameSpec{320, 240, GRAY8, 32}
	_, err = a.Preallocate(spec, 2)
	require.NoError(t, err)

	// Drain the sub-pool, then keep allocating.
	frames := make([]*Frame, 0, 4)
	for i := 0; i < 4; i++ {
		f, err := a.Allocate(spec)
		require.NoError(t, err, "allocation %d must not block or fail", i)
		frames = append(frames, f)
	}
	assert.True(t, frames[0].Pooled())
	assert.True(t, frames[1].Pooled())
	assert.False(t, frames[2].Pooled())
	assert.False(t, frames[3].Pooled())

	assert.True(t, a.Release(frames[0]))
	assert.True(t, a.Release(frames[1]))
	assert.False(t, a.Release(frames[2]), "direct allocations are not pooled on release")
	assert.False(t, a.Release(frames[3]))
}

func TestAllocator_CleanupReapsIdlePools(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 10 * time.Millisecond
	cfg.UtilizationThreshold = 0.5
	a, err := New(cfg)
	require.NoError(t, err)
	defer a.Close()

	spec := FrameSpec{320, 240, YUV420P, 32}
	f, err := a.Allocate(spec)
	require.NoError(t, err)
	a.Release(f)
	require.Equal(t, 1, a.Stats().ActivePools)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, a.Cleanup())
	assert.Equal(t, 0, a.Stats().ActivePools)
}

func TestAllocator_CleanupSkipsBusyPools(t *testing.T) {
	cfg := testConfig()
	cfg.FramesPerPool = 2
	cfg.IdleTimeout = 10 * time.Millisecond
	cfg.UtilizationThreshold = 0.5
	a, err := New(cfg)
	require.NoError(t, err)
	defer a.Close()

	spec := FrameSpec{320, 240, YUV420P, 32}
	_, err = a.Preallocate(spec, 2)
	require.NoError(t, err)

	f1, err := a.Allocate(spec)
	require.NoError(t, err)
	f2, err := a.Allocate(spec)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, a.Cleanup(), "fully utilized pool must survive cleanup")
	assert.Equal(t, 1, a.Stats().ActivePools)

	a.Release(f1)
	a.Release(f2)
}

func TestAllocator_WarmCommonSpecs(t *testing.T) {
	cfg := testConfig()
	cfg.WarmCommonSpecs = true
	a, err := New(cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, len(commonResolutions), a.Stats().ActivePools)
	for _, p := range a.Pools() {
		assert.Equal(t, cfg.FramesPerPool/2, p.Available)
		assert.Equal(t, YUV420P, p.Spec.Format)
	}
}

func TestAllocator_PressureCallback(t *testing.T) {
	var fired int
	spec := FrameSpec{1920, 1080, YUV420P, 32}
	cfg := testConfig()
	cfg.MaxTotalMemory = int64(2 * spec.Size())
	cfg.PressureThreshold = 0.8
	a, err := New(cfg, WithPressureCallback(func(current, budget int64) {
		fired++
		assert.Equal(t, cfg.MaxTotalMemory, budget)
	}))
	require.NoError(t, err)
	defer a.Close()

	// One frame is half the budget: no pressure.
	f1, err := a.Allocate(spec)
	require.NoError(t, err)
	assert.Zero(t, fired, "usage below the threshold must stay quiet")

	f2, err := a.Allocate(spec)
	require.NoError(t, err)
	assert.Equal(t, 1, fired, "crossing the budget threshold fires")

	a.Release(f1)
	a.Release(f2)
}

func TestAllocator_Close(t *testing.T) {
	a, err := New(testConfig())
	require.NoError(t, err)

	f, err := a.Allocate(FrameSpec{320, 240, GRAY8, 32})
	require.NoError(t, err)

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Close(), memerr.ErrShutdown)

	_, err = a.Allocate(FrameSpec{320, 240, GRAY8, 32})
	assert.ErrorIs(t, err, memerr.ErrShutdown)

	// Releasing after close is safe.
	a.Release(f)
}

func TestAllocator_Report(t *testing.T) {
	a, err := New(testConfig())
	require.NoError(t, err)
	defer a.Close()

	f, err := a.Allocate(FrameSpec{640, 480, YUV420P, 32})
	require.NoError(t, err)

	report := a.Report()
	assert.Contains(t, report, "Frame Pool")
	assert.Contains(t, report, "640x480/yuv420p@32")

	a.Release(f)
}
