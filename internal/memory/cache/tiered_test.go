package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dark-Knight-0817/ffplay0.1/internal/memerr"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CleanupInterval = 0 // sweeps run explicitly in tests
	cfg.TTL = 0
	return cfg
}

func newTestCache(t *testing.T, cfg Config, opts ...Option[string, string]) *Tiered[string, string] {
	t.Helper()
	c, err := New[string, string](cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestTiered_PutGet(t *testing.T) {
	c := newTestCache(t, testConfig())

	require.NoError(t, c.Put("k", "v"))
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok = c.Get("absent")
	assert.False(t, ok)

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, 0.5, s.HitRate)
}

func TestTiered_SingleCopyAcrossTiers(t *testing.T) {
	c := newTestCache(t, testConfig())

	require.NoError(t, c.Put("k", "cold", WithTier(TierCold)))
	require.NoError(t, c.Put("k", "hot"))

	sizes := c.Sizes()
	assert.Equal(t, [3]int{1, 0, 0}, sizes, "re-put must leave one copy")

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "hot", v)
}

func TestTiered_LRUEvictionDemotes(t *testing.T) {
	cfg := testConfig()
	cfg.HotCapacity = 2
	c := newTestCache(t, cfg)

	require.NoError(t, c.Put("a", "1"))
	require.NoError(t, c.Put("b", "2"))

	// Touch a so b is the LRU victim.
	_, ok := c.Get("a")
	require.True(t, ok)

	require.NoError(t, c.Put("c", "3"))

	sizes := c.Sizes()
	assert.Equal(t, 2, sizes[TierHot])
	assert.Equal(t, 1, sizes[TierWarm], "evicted entry demotes, not disappears")

	// b now lives in the warm tier.
	v, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, "2", v)
	assert.Equal(t, uint64(1), c.Stats().Demotions)
}

func TestTiered_ColdEvictionDrops(t *testing.T) {
	cfg := testConfig()
	cfg.ColdCapacity = 2
	cfg.ColdPolicy = PolicyFIFO
	c := newTestCache(t, cfg)

	require.NoError(t, c.Put("a", "1", WithTier(TierCold)))
	require.NoError(t, c.Put("b", "2", WithTier(TierCold)))
	require.NoError(t, c.Put("c", "3", WithTier(TierCold)))

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest cold entry falls off the edge")
	_, ok = c.Get("b")
	assert.True(t, ok)
}

func TestTiered_PromotionOnRepeatedAccess(t *testing.T) {
	cfg := testConfig()
	cfg.PromoteThreshold = 3
	c := newTestCache(t, cfg)

	require.NoError(t, c.Put("k", "v", WithTier(TierWarm)))

	for i := 0; i < 2; i++ {
		_, ok := c.Get("k")
		require.True(t, ok)
	}
	assert.Equal(t, 1, c.Sizes()[TierWarm], "below threshold stays warm")

	_, ok := c.Get("k")
	require.True(t, ok)

	sizes := c.Sizes()
	assert.Equal(t, 1, sizes[TierHot], "third access promotes")
	assert.Equal(t, 0, sizes[TierWarm])
	assert.Equal(t, uint64(1), c.Stats().Promotions)
}

func TestTiered_ColdPromotesToWarm(t *testing.T) {
	cfg := testConfig()
	cfg.PromoteThreshold = 2
	c := newTestCache(t, cfg)

	require.NoError(t, c.Put("k", "v", WithTier(TierCold)))

	_, _ = c.Get("k")
	_, ok := c.Get("k")
	require.True(t, ok)

	sizes := c.Sizes()
	assert.Equal(t, 1, sizes[TierWarm])
	assert.Equal(t, 0, sizes[TierCold])
}

func TestTiered_TTLExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.TTL = 10 * time.Millisecond
	c := newTestCache(t, cfg)

	require.NoError(t, c.Put("k", "v"))
	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = c.Get("k")
	assert.False(t, ok, "expired entry must not be served")

	require.NoError(t, c.Put("k2", "v2"))
	time.Sleep(20 * time.Millisecond)
	expired, _ := c.Sweep()
	assert.Equal(t, 1, expired)
}

func TestTiered_PerEntryTTLOverride(t *testing.T) {
	cfg := testConfig()
	cfg.TTL = time.Hour
	c := newTestCache(t, cfg)

	require.NoError(t, c.Put("short", "v", WithTTL(5*time.Millisecond)))
	require.NoError(t, c.Put("long", "v"))

	time.Sleep(10 * time.Millisecond)
	_, ok := c.Get("short")
	assert.False(t, ok)
	_, ok = c.Get("long")
	assert.True(t, ok)
}

func TestTiered_SweepDemotesIdle(t *testing.T) {
	cfg := testConfig()
	cfg.DemoteAfter = 5 * time.Millisecond
	c := newTestCache(t, cfg)

	require.NoError(t, c.Put("k", "v"))
	time.Sleep(10 * time.Millisecond)

	_, demoted := c.Sweep()
	assert.Equal(t, 1, demoted)
	assert.Equal(t, 1, c.Sizes()[TierWarm])

	// One tier per sweep: an immediate second sweep leaves it warm.
	_, demoted = c.Sweep()
	assert.Zero(t, demoted)
	assert.Equal(t, 1, c.Sizes()[TierWarm])

	time.Sleep(10 * time.Millisecond)
	_, demoted = c.Sweep()
	assert.Equal(t, 1, demoted)
	assert.Equal(t, 1, c.Sizes()[TierCold])
}

func TestTiered_ColdCompression(t *testing.T) {
	codec, err := NewZstdCodec()
	require.NoError(t, err)
	defer codec.Close()

	cfg := testConfig()
	cfg.PromoteThreshold = 100 // keep entries cold
	c, err := New[string, []byte](cfg, WithCodec[string, []byte](codec),
		WithSizer[string, []byte](func(b []byte) int { return len(b) }))
	require.NoError(t, err)
	defer c.Close()

	payload := []byte("compressible compressible compressible compressible")
	require.NoError(t, c.Put("k", payload, WithTier(TierCold)))
	assert.Equal(t, uint64(1), c.Stats().Compressions)

	// First read decompresses, later reads serve the cached value.
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, payload, v)

	v, ok = c.Get("k")
	require.True(t, ok)
	assert.Equal(t, payload, v)
	assert.Equal(t, uint64(1), c.Stats().Compressions, "no recompression on read")
}

func TestTiered_RemoveContainsClear(t *testing.T) {
	c := newTestCache(t, testConfig())

	require.NoError(t, c.Put("h", "1"))
	require.NoError(t, c.Put("w", "2", WithTier(TierWarm)))
	require.NoError(t, c.Put("c", "3", WithTier(TierCold)))

	assert.True(t, c.Contains("h"))
	assert.True(t, c.Contains("w"))
	assert.True(t, c.Contains("c"))
	assert.False(t, c.Contains("x"))

	assert.True(t, c.Remove("w"))
	assert.False(t, c.Remove("w"))
	assert.False(t, c.Contains("w"))

	c.Clear()
	assert.Equal(t, [3]int{0, 0, 0}, c.Sizes())
}

func TestTiered_Prefetch(t *testing.T) {
	c := newTestCache(t, testConfig())
	require.NoError(t, c.Put("cached", "already here", WithTier(TierWarm)))

	var mu sync.Mutex
	loaded := map[string]int{}
	loader := func(_ context.Context, key string) (string, error) {
		mu.Lock()
		loaded[key]++
		mu.Unlock()
		return "value of " + key, nil
	}

	err := c.Prefetch(context.Background(), []string{"a", "b", "cached"}, loader)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"a": 1, "b": 1}, loaded, "present keys are not reloaded")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "value of a", v)
	assert.Equal(t, 1, c.Sizes()[TierWarm])
	assert.Equal(t, 2, c.Sizes()[TierCold], "prefetched keys land in the cold tier")

	s := c.Stats()
	assert.Equal(t, uint64(2), s.PrefetchLoads)
	assert.Equal(t, uint64(1), s.PrefetchSkipped)
}

func TestTiered_PrefetchRetries(t *testing.T) {
	cfg := testConfig()
	cfg.PrefetchRetries = 2
	c := newTestCache(t, cfg)

	attempts := 0
	var mu sync.Mutex
	loader := func(_ context.Context, key string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}

	require.NoError(t, c.Prefetch(context.Background(), []string{"k"}, loader))
	assert.Equal(t, 3, attempts)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "ok", v)
}

func TestTiered_PrefetchPersistentFailure(t *testing.T) {
	cfg := testConfig()
	cfg.PrefetchRetries = 1
	c := newTestCache(t, cfg)

	loader := func(_ context.Context, key string) (string, error) {
		if key == "bad" {
			return "", errors.New("backend down")
		}
		return "ok", nil
	}

	err := c.Prefetch(context.Background(), []string{"bad", "good"}, loader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
	assert.False(t, c.Contains("bad"))
	assert.True(t, c.Contains("good"), "a failed key must not stop the rest of the batch")
}

func TestTiered_Close(t *testing.T) {
	c, err := New[string, string](testConfig())
	require.NoError(t, err)

	require.NoError(t, c.Put("k", "v"))
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Close(), memerr.ErrShutdown)

	assert.ErrorIs(t, c.Put("x", "y"), memerr.ErrShutdown)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestTiered_ConcurrentAccess(t *testing.T) {
	cfg := testConfig()
	cfg.HotCapacity = 32
	cfg.WarmCapacity = 64
	cfg.ColdCapacity = 128
	cfg.PromoteThreshold = 2
	c := newTestCache(t, cfg)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("key-%d", i%50)
				switch i % 3 {
				case 0:
					_ = c.Put(key, "v", WithTier(Tier(i%3)))
				case 1:
					c.Get(key)
				default:
					c.Contains(key)
				}
			}
		}(g)
	}
	wg.Wait()

	// Tier invariant: at most one copy of a key across tiers.
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i)
		copies := 0
		for tier := TierHot; tier <= TierCold; tier++ {
			c.mus[tier].Lock()
			if _, ok := c.levels[tier].peek(key); ok {
				copies++
			}
			c.mus[tier].Unlock()
		}
		assert.LessOrEqual(t, copies, 1, "key %s present in %d tiers", key, copies)
	}
}
