package cmap

import "sync"

const shardCount = 32

// ConcurrentMap is a string-keyed map sharded across shardCount
// mutex-guarded segments to reduce lock contention.
type ConcurrentMap[V any] struct {
	shards []*shard[V]
}

type shard[V any] struct {
	sync.RWMutex
	items map[string]V
}

func New[V any]() ConcurrentMap[V] {
	m := ConcurrentMap[V]{shards: make([]*shard[V], shardCount)}
	for i := 0; i < shardCount; i++ {
		m.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return m
}

func fnv32(key string) uint32 {
	hash := uint32(2166136261)
	const prime32 = uint32(16777619)
	for i := 0; i < len(key); i++ {
		hash *= prime32
		hash ^= uint32(key[i])
	}
	return hash
}

func (m ConcurrentMap[V]) getShard(key string) *shard[V] {
	return m.shards[uint(fnv32(key))%uint(shardCount)]
}

func (m ConcurrentMap[V]) Set(key string, value V) {
	s := m.getShard(key)
	s.Lock()
	s.items[key] = value
	s.Unlock()
}

// SetIfAbsent stores value only when key is not already present and
// reports whether the value was stored.
func (m ConcurrentMap[V]) SetIfAbsent(key string, value V) bool {
	s := m.getShard(key)
	s.Lock()
	_, ok := s.items[key]
	if !ok {
		s.items[key] = value
	}
	s.Unlock()
	return !ok
}

func (m ConcurrentMap[V]) Get(key string) (V, bool) {
	s := m.getShard(key)
	s.RLock()
	val, ok := s.items[key]
	s.RUnlock()
	return val, ok
}

func (m ConcurrentMap[V]) Has(key string) bool {
	s := m.getShard(key)
	s.RLock()
	_, ok := s.items[key]
	s.RUnlock()
	return ok
}

func (m ConcurrentMap[V]) Remove(keys ...string) {
	for _, key := range keys {
		s := m.getShard(key)
		s.Lock()
		delete(s.items, key)
		s.Unlock()
	}
}

// Pop removes key and returns the value it held.
func (m ConcurrentMap[V]) Pop(key string) (V, bool) {
	s := m.getShard(key)
	s.Lock()
	val, ok := s.items[key]
	delete(s.items, key)
	s.Unlock()
	return val, ok
}

func (m ConcurrentMap[V]) Count() int {
	count := 0
	for i := 0; i < shardCount; i++ {
		s := m.shards[i]
		s.RLock()
		count += len(s.items)
		s.RUnlock()
	}
	return count
}

func (m ConcurrentMap[V]) Keys() []string {
	keys := make([]string, 0, m.Count())
	for i := 0; i < shardCount; i++ {
		s := m.shards[i]
		s.RLock()
		for key := range s.items {
			keys = append(keys, key)
		}
		s.RUnlock()
	}
	return keys
}

// IterCb calls fn for every entry until fn returns false. Each shard
// is read-locked only while its entries are visited; fn must not call
// back into the map.
func (m ConcurrentMap[V]) IterCb(fn func(key string, value V) bool) {
	for i := 0; i < shardCount; i++ {
		s := m.shards[i]
		s.RLock()
		for key, value := range s.items {
			if !fn(key, value) {
				s.RUnlock()
				return
			}
		}
		s.RUnlock()
	}
}

// Items returns a point-in-time copy of the map.
func (m ConcurrentMap[V]) Items() map[string]V {
	items := make(map[string]V, m.Count())
	for i := 0; i < shardCount; i++ {
		s := m.shards[i]
		s.RLock()
		for key, value := range s.items {
			items[key] = value
		}
		s.RUnlock()
	}
	return items
}

// Clear removes every entry and returns the number removed.
func (m ConcurrentMap[V]) Clear() int {
	count := 0
	for i := 0; i < shardCount; i++ {
		s := m.shards[i]
		s.Lock()
		count += len(s.items)
		s.items = make(map[string]V)
		s.Unlock()
	}
	return count
}
