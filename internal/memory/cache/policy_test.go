package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUPolicy(t *testing.T) {
	p := newLRUPolicy[string](4)
	p.Add("a")
	p.Add("b")
	p.Add("c")

	// Touching a moves it past b in recency.
	p.Touch("a")
	v, ok := p.Victim()
	require.True(t, ok)
	assert.Equal(t, "b", v)

	p.Remove("b")
	v, ok = p.Victim()
	require.True(t, ok)
	assert.Equal(t, "c", v)
	assert.Equal(t, 2, p.Len())
}

func TestLFUPolicy(t *testing.T) {
	p := newLFUPolicy[string]()
	p.Add("a")
	p.Add("b")
	p.Add("c")

	p.Touch("a")
	p.Touch("a")
	p.Touch("b")

	// c was never touched: lowest frequency.
	v, ok := p.Victim()
	require.True(t, ok)
	assert.Equal(t, "c", v)

	p.Remove("c")
	// b has one access, a has two.
	v, ok = p.Victim()
	require.True(t, ok)
	assert.Equal(t, "b", v)

	p.Remove("b")
	p.Remove("a")
	_, ok = p.Victim()
	assert.False(t, ok)
	assert.Equal(t, 0, p.Len())
}

func TestFIFOPolicyIgnoresTouch(t *testing.T) {
	p := newFIFOPolicy[string]()
	p.Add("a")
	p.Add("b")
	p.Touch("a")
	p.Touch("a")

	v, ok := p.Victim()
	require.True(t, ok)
	assert.Equal(t, "a", v, "FIFO evicts insertion order regardless of access")

	// Ghost entries from removals are skipped.
	p.Remove("a")
	v, ok = p.Victim()
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestRandomPolicy(t *testing.T) {
	p := newRandomPolicy[int]()
	for i := 0; i < 10; i++ {
		p.Add(i)
	}
	assert.Equal(t, 10, p.Len())

	seen := make(map[int]struct{})
	for i := 0; i < 50; i++ {
		v, ok := p.Victim()
		require.True(t, ok)
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, 10)
		seen[v] = struct{}{}
	}
	assert.Greater(t, len(seen), 1, "random victims should vary")

	for i := 0; i < 10; i++ {
		p.Remove(i)
	}
	_, ok := p.Victim()
	assert.False(t, ok)
}

func TestTTLPolicyEvictsOldest(t *testing.T) {
	p := newTTLPolicy[string]()
	p.Add("first")
	p.Add("second")
	p.Add("third")

	v, ok := p.Victim()
	require.True(t, ok)
	assert.Equal(t, "first", v)

	p.Remove("first")
	v, ok = p.Victim()
	require.True(t, ok)
	assert.Equal(t, "second", v)
}

func TestNewPolicyNames(t *testing.T) {
	for _, name := range []string{PolicyLRU, PolicyLFU, PolicyFIFO, PolicyRandom, PolicyTTL} {
		p := newPolicy[string](name, 8)
		p.Add("x")
		v, ok := p.Victim()
		require.True(t, ok, "policy %s", name)
		assert.Equal(t, "x", v)
	}
}
