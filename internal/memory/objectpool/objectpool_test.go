package objectpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dark-Knight-0817/ffplay0.1/internal/memerr"
)

type widget struct {
	id    int
	dirty bool
}

func TestPool_AcquireRelease(t *testing.T) {
	nextID := 0
	p := New(4, func() *widget {
		nextID++
		return &widget{id: nextID}
	}, WithReset(func(w *widget) { w.dirty = false }))

	lease, err := p.Acquire()
	require.NoError(t, err)
	w := lease.Value()
	w.dirty = true
	lease.Release()

	// Same object comes back, reset.
	lease2, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, w.id, lease2.Value().id)
	assert.False(t, lease2.Value().dirty)
	lease2.Release()

	s := p.Stats()
	assert.Equal(t, uint64(1), s.Created)
	assert.Equal(t, uint64(2), s.Acquired)
	assert.Equal(t, uint64(2), s.Released)
	assert.Equal(t, 0.5, s.HitRate)
}

func TestPool_BoundedAcquireNeverBlocks(t *testing.T) {
	p := New(3, func() *widget { return &widget{} })

	leases := make([]*Lease[*widget], 0, 3)
	for i := 0; i < 3; i++ {
		l, err := p.Acquire()
		require.NoError(t, err)
		leases = append(leases, l)
	}

	// Fourth acquire fails immediately instead of blocking.
	_, err := p.Acquire()
	assert.ErrorIs(t, err, memerr.ErrPoolFull)
	assert.Equal(t, 3, p.InUse())

	leases[0].Release()
	l, err := p.Acquire()
	require.NoError(t, err)
	l.Release()
	for _, l := range leases[1:] {
		l.Release()
	}
	assert.Equal(t, 0, p.InUse())
}

func TestLease_DoubleReleaseIsNoop(t *testing.T) {
	p := New(2, func() *widget { return &widget{} })

	l, err := p.Acquire()
	require.NoError(t, err)
	l.Release()
	l.Release()
	l.Release()

	assert.Equal(t, 0, p.InUse())
	assert.Equal(t, 1, p.Available())
	assert.Equal(t, uint64(1), p.Stats().Released)
}

func TestPool_Warm(t *testing.T) {
	p := New(8, func() *widget { return &widget{} })

	assert.Equal(t, 4, p.Warm(4))
	assert.Equal(t, 4, p.Available())

	// Warming past capacity stops at maxSize.
	assert.Equal(t, 4, p.Warm(100))
	assert.Equal(t, 8, p.Available())

	// Warmed objects serve acquisitions without the factory.
	l, err := p.Acquire()
	require.NoError(t, err)
	l.Release()
	assert.Equal(t, uint64(8), p.Stats().Created)
}

func TestPool_Shrink(t *testing.T) {
	p := New(8, func() *widget { return &widget{} })
	p.Warm(8)

	assert.Equal(t, 6, p.Shrink(2))
	assert.Equal(t, 2, p.Available())
	assert.Equal(t, 0, p.Shrink(2))
}

func TestPool_ReleaseAtCapacityDrops(t *testing.T) {
	p := New(2, func() *widget { return &widget{} })
	p.Warm(2)

	// Lease both objects, refill the queue behind them, then release:
	// the queue is already at capacity so both releases drop.
	l1, err := p.Acquire()
	require.NoError(t, err)
	l2, err := p.Acquire()
	require.NoError(t, err)
	p.Warm(2)

	l1.Release()
	l2.Release()
	assert.Equal(t, 2, p.Available(), "queue stays at capacity")
	assert.Equal(t, uint64(2), p.Stats().Dropped)
}

func TestPool_PeakTracksHighWater(t *testing.T) {
	p := New(5, func() *widget { return &widget{} })

	var leases []*Lease[*widget]
	for i := 0; i < 4; i++ {
		l, err := p.Acquire()
		require.NoError(t, err)
		leases = append(leases, l)
	}
	for _, l := range leases {
		l.Release()
	}

	l, err := p.Acquire()
	require.NoError(t, err)
	l.Release()

	assert.Equal(t, int64(4), p.Stats().Peak)
}

func TestPool_Close(t *testing.T) {
	p := New(2, func() *widget { return &widget{} })

	l, err := p.Acquire()
	require.NoError(t, err)

	p.Close()

	_, err = p.Acquire()
	assert.ErrorIs(t, err, memerr.ErrShutdown)

	// Releasing after close drops the object instead of re-queueing it.
	l.Release()
	assert.Equal(t, 0, p.Available())
}

func TestPool_ConcurrentAcquireRelease(t *testing.T) {
	p := New(16, func() *widget { return &widget{} })

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				l, err := p.Acquire()
				if err != nil {
					continue
				}
				l.Value().dirty = true
				l.Release()
			}
		}()
	}
	wg.Wait()

	s := p.Stats()
	assert.Equal(t, 0, s.InUse)
	assert.LessOrEqual(t, s.Peak, int64(16))
	assert.Equal(t, s.Acquired, s.Released)
}
