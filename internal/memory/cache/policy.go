package cache

import (
	"container/list"
	"math/rand/v2"

	"github.com/eapache/queue"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Policy names accepted by NewPolicy.
const (
	PolicyLRU    = "lru"
	PolicyLFU    = "lfu"
	PolicyFIFO   = "fifo"
	PolicyRandom = "random"
	PolicyTTL    = "ttl"
)

// policy tracks eviction order for one cache level.
// not thread safe. Internal use only.
type policy[K comparable] interface {
	// Add registers a new key.
	Add(key K)
	// Touch records an access to an existing key.
	Touch(key K)
	// Remove forgets a key.
	Remove(key K)
	// Victim returns the next key to evict, without removing it.
	Victim() (K, bool)
	// Len returns the number of tracked keys.
	Len() int
}

// newPolicy builds a policy by name; capacity sizes the underlying
// structures. Unknown names fall back to LRU.
func newPolicy[K comparable](name string, capacity int) policy[K] {
	switch name {
	case PolicyLFU:
		return newLFUPolicy[K]()
	case PolicyFIFO:
		return newFIFOPolicy[K]()
	case PolicyRandom:
		return newRandomPolicy[K]()
	case PolicyTTL:
		return newTTLPolicy[K]()
	default:
		return newLRUPolicy[K](capacity)
	}
}

// lruPolicy delegates recency order to simplelru. The level evicts before
// adding to a full policy, so simplelru's own eviction never fires; its
// capacity gets one slot of headroom to guarantee that.
type lruPolicy[K comparable] struct {
	lru *simplelru.LRU[K, struct{}]
}

func newLRUPolicy[K comparable](capacity int) *lruPolicy[K] {
	lru, _ := simplelru.NewLRU[K, struct{}](capacity+1, nil)
	return &lruPolicy[K]{lru: lru}
}

func (p *lruPolicy[K]) Add(key K)    { p.lru.Add(key, struct{}{}) }
func (p *lruPolicy[K]) Touch(key K)  { p.lru.Get(key) }
func (p *lruPolicy[K]) Remove(key K) { p.lru.Remove(key) }
func (p *lruPolicy[K]) Len() int     { return p.lru.Len() }

func (p *lruPolicy[K]) Victim() (K, bool) {
	key, _, ok := p.lru.GetOldest()
	return key, ok
}

// lfuPolicy keeps frequency buckets in a doubly linked list ordered by
// ascending count. Victim is the least recently added key of the lowest
// bucket.
type lfuPolicy[K comparable] struct {
	buckets *list.List          // of *lfuBucket[K], ascending count
	index   map[K]*list.Element // key -> owning bucket element
}

type lfuBucket[K comparable] struct {
	count int
	keys  map[K]struct{}
	order []K // insertion order, may contain removed keys
}

func newLFUPolicy[K comparable]() *lfuPolicy[K] {
	return &lfuPolicy[K]{
		buckets: list.New(),
		index:   make(map[K]*list.Element),
	}
}

func (p *lfuPolicy[K]) Add(key K) {
	front := p.buckets.Front()
	if front == nil || front.Value.(*lfuBucket[K]).count != 1 {
		front = p.buckets.PushFront(&lfuBucket[K]{count: 1, keys: make(map[K]struct{})})
	}
	b := front.Value.(*lfuBucket[K])
	b.keys[key] = struct{}{}
	b.order = append(b.order, key)
	p.index[key] = front
}

func (p *lfuPolicy[K]) Touch(key K) {
	el, ok := p.index[key]
	if !ok {
		return
	}
	b := el.Value.(*lfuBucket[K])
	delete(b.keys, key)

	next := el.Next()
	if next == nil || next.Value.(*lfuBucket[K]).count != b.count+1 {
		next = p.buckets.InsertAfter(&lfuBucket[K]{count: b.count + 1, keys: make(map[K]struct{})}, el)
	}
	nb := next.Value.(*lfuBucket[K])
	nb.keys[key] = struct{}{}
	nb.order = append(nb.order, key)
	p.index[key] = next

	if len(b.keys) == 0 {
		p.buckets.Remove(el)
	}
}

func (p *lfuPolicy[K]) Remove(key K) {
	el, ok := p.index[key]
	if !ok {
		return
	}
	delete(p.index, key)
	b := el.Value.(*lfuBucket[K])
	delete(b.keys, key)
	if len(b.keys) == 0 {
		p.buckets.Remove(el)
	}
}

func (p *lfuPolicy[K]) Victim() (K, bool) {
	var zero K
	for el := p.buckets.Front(); el != nil; el = el.Next() {
		b := el.Value.(*lfuBucket[K])
		// Compact ghosts left behind by Touch/Remove as we scan.
		for len(b.order) > 0 {
			key := b.order[0]
			if _, live := b.keys[key]; live {
				return key, true
			}
			b.order = b.order[1:]
		}
	}
	return zero, false
}

func (p *lfuPolicy[K]) Len() int { return len(p.index) }

// fifoPolicy evicts in insertion order regardless of access. Removed keys
// stay in the queue as ghosts and are skipped lazily.
type fifoPolicy[K comparable] struct {
	order *queue.Queue
	live  map[K]struct{}
}

func newFIFOPolicy[K comparable]() *fifoPolicy[K] {
	return &fifoPolicy[K]{
		order: queue.New(),
		live:  make(map[K]struct{}),
	}
}

func (p *fifoPolicy[K]) Add(key K) {
	p.order.Add(key)
	p.live[key] = struct{}{}
}

func (p *fifoPolicy[K]) Touch(K) {}

func (p *fifoPolicy[K]) Remove(key K) {
	delete(p.live, key)
}

func (p *fifoPolicy[K]) Victim() (K, bool) {
	var zero K
	for p.order.Length() > 0 {
		key := p.order.Peek().(K)
		if _, live := p.live[key]; live {
			return key, true
		}
		p.order.Remove()
	}
	return zero, false
}

func (p *fifoPolicy[K]) Len() int { return len(p.live) }

// randomPolicy evicts a uniformly random key. Removal swaps with the
// tail so the key slice stays dense.
type randomPolicy[K comparable] struct {
	keys  []K
	index map[K]int
}

func newRandomPolicy[K comparable]() *randomPolicy[K] {
	return &randomPolicy[K]{index: make(map[K]int)}
}

func (p *randomPolicy[K]) Add(key K) {
	p.index[key] = len(p.keys)
	p.keys = append(p.keys, key)
}

func (p *randomPolicy[K]) Touch(K) {}

func (p *randomPolicy[K]) Remove(key K) {
	i, ok := p.index[key]
	if !ok {
		return
	}
	last := len(p.keys) - 1
	p.keys[i] = p.keys[last]
	p.index[p.keys[i]] = i
	p.keys = p.keys[:last]
	delete(p.index, key)
}

func (p *randomPolicy[K]) Victim() (K, bool) {
	var zero K
	if len(p.keys) == 0 {
		return zero, false
	}
	return p.keys[rand.IntN(len(p.keys))], true
}

func (p *randomPolicy[K]) Len() int { return len(p.keys) }

// ttlPolicy evicts the entry that has lived longest. Insertion sequence
// numbers stand in for creation times; they order identically and avoid
// clock-resolution ties.
type ttlPolicy[K comparable] struct {
	created map[K]uint64
	seq     uint64
}

func newTTLPolicy[K comparable]() *ttlPolicy[K] {
	return &ttlPolicy[K]{created: make(map[K]uint64)}
}

func (p *ttlPolicy[K]) Add(key K) {
	p.seq++
	p.created[key] = p.seq
}

func (p *ttlPolicy[K]) Touch(K) {}

func (p *ttlPolicy[K]) Remove(key K) {
	delete(p.created, key)
}

func (p *ttlPolicy[K]) Victim() (K, bool) {
	var oldest K
	var oldestSeq uint64
	found := false
	for key, seq := range p.created {
		if !found || seq < oldestSeq {
			oldest, oldestSeq = key, seq
			found = true
		}
	}
	return oldest, found
}

func (p *ttlPolicy[K]) Len() int { return len(p.created) }
