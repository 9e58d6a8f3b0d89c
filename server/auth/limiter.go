package auth

import (
	"container/list"
	"sync"
	"time"
)

// Limiter is a per-IP token bucket with one-second refill granularity.
// The key set is bounded and LRU-evicted so an attacker cycling source
// addresses cannot grow memory without limit.
type Limiter struct {
	mu       sync.Mutex
	burst    float64
	perSec   float64
	maxKeys  int
	buckets  map[string]*list.Element
	eviction *list.List
}

type bucket struct {
	key    string
	tokens float64
	last   int64
}

// NewLimiter allows burst requests per key, refilled at a rate of
// burst per window.
func NewLimiter(burst int, window time.Duration, maxKeys int) *Limiter {
	return &Limiter{
		burst:    float64(burst),
		perSec:   float64(burst) / window.Seconds(),
		maxKeys:  maxKeys,
		buckets:  make(map[string]*list.Element),
		eviction: list.New(),
	}
}

// Allow consumes one token for key, reporting whether the request may
// proceed.
func (l *Limiter) Allow(key string) bool {
	now := time.Now().Unix()
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			oldest := l.eviction.Back()
			if oldest != nil {
				l.eviction.Remove(oldest)
				delete(l.buckets, oldest.Value.(*bucket).key)
			}
		}
		elem = l.eviction.PushFront(&bucket{key: key, tokens: l.burst, last: now})
		l.buckets[key] = elem
	}
	b := elem.Value.(*bucket)
	l.eviction.MoveToFront(elem)

	if elapsed := now - b.last; elapsed > 0 {
		b.tokens += float64(elapsed) * l.perSec
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Reset clears the bucket for key, forgiving past failures.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.buckets[key]; ok {
		l.eviction.Remove(elem)
		delete(l.buckets, key)
	}
}
