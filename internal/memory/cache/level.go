package cache

import "time"

// entry is the stored unit. Either value or compressed is populated,
// never both.
type entry[V any] struct {
	value      V
	compressed []byte
	size       int
	createdAt  time.Time
	lastAccess time.Time
	accesses   int
	expiresAt  time.Time // zero means no expiry
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// level is one cache tier: a bounded key/entry map plus an eviction
// policy deciding victims.
// not thread safe. Internal use only; Tiered holds the locks.
type level[K comparable, V any] struct {
	name       string
	policyName string
	capacity   int
	entries  map[K]*entry[V]
	policy   policy[K]

	hits      uint64
	misses    uint64
	evictions uint64
	bytes     int64
}

func newLevel[K comparable, V any](name, policyName string, capacity int) *level[K, V] {
	return &level[K, V]{
		name:       name,
		policyName: policyName,
		capacity:   capacity,
		entries:    make(map[K]*entry[V], capacity),
		policy:     newPolicy[K](policyName, capacity),
	}
}

// get returns the entry and records the access. Expired entries are
// removed and reported as misses.
func (l *level[K, V]) get(key K, now time.Time) (*entry[V], bool) {
	e, ok := l.entries[key]
	if !ok {
		l.misses++
		return nil, false
	}
	if e.expired(now) {
		l.remove(key)
		l.misses++
		return nil, false
	}
	e.lastAccess = now
	e.accesses++
	l.policy.Touch(key)
	l.hits++
	return e, true
}

// peek returns the entry without touching access state or counters.
func (l *level[K, V]) peek(key K) (*entry[V], bool) {
	e, ok := l.entries[key]
	return e, ok
}

// put inserts or replaces an entry, evicting victims first when at
// capacity. Evicted entries are returned so the caller can demote them.
func (l *level[K, V]) put(key K, e *entry[V]) (evicted []K, victims []*entry[V]) {
	if old, ok := l.entries[key]; ok {
		l.bytes -= int64(old.size)
		l.entries[key] = e
		l.bytes += int64(e.size)
		l.policy.Touch(key)
		return nil, nil
	}

	for len(l.entries) >= l.capacity {
		vk, ok := l.policy.Victim()
		if !ok {
			break
		}
		ve := l.entries[vk]
		l.remove(vk)
		l.evictions++
		evicted = append(evicted, vk)
		victims = append(victims, ve)
	}

	l.entries[key] = e
	l.bytes += int64(e.size)
	l.policy.Add(key)
	return evicted, victims
}

// remove deletes a key, returning whether it was present.
func (l *level[K, V]) remove(key K) bool {
	e, ok := l.entries[key]
	if !ok {
		return false
	}
	delete(l.entries, key)
	l.bytes -= int64(e.size)
	l.policy.Remove(key)
	return true
}

func (l *level[K, V]) clear() {
	l.entries = make(map[K]*entry[V], l.capacity)
	l.policy = newPolicy[K](l.policyName, l.capacity)
	l.bytes = 0
}

func (l *level[K, V]) len() int { return len(l.entries) }
