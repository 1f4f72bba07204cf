package api

import (
	"container/list"
	"math"
	"sync"
	"time"
)

const (
	maxBuckets      = 10000
	bucketTTL       = time.Hour
	cleanupInterval = 256 // operations between amortized TTL sweeps
)

// bucket is one client's token-bucket state.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
	key        string
}

// Limiter is an in-process token-bucket registry keyed by client
// identifier. Buckets are evicted LRU at maxBuckets and swept by TTL every
// cleanupInterval operations.
type Limiter struct {
	mu      sync.Mutex
	rps     float64
	burst   float64
	buckets map[string]*list.Element
	lru     *list.List // front = most recently used
	ops     int
	now     func() time.Time
}

func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		rps:     rps,
		burst:   float64(burst),
		buckets: make(map[string]*list.Element),
		lru:     list.New(),
		now:     time.Now,
	}
}

// Consume takes one token for the identifier. When denied it reports how
// many whole seconds the client should wait before retrying. The remaining
// count is what is left after this call.
func (l *Limiter) Consume(identifier string) (allowed bool, retryAfter, remaining int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.ops++
	if l.ops%cleanupInterval == 0 {
		l.sweep(now)
	}

	b := l.bucketFor(identifier, now)
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = math.Min(l.burst, b.tokens+elapsed*l.rps)
	b.lastRefill = now
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0, int(b.tokens)
	}

	wait := (1 - b.tokens) / l.rps
	retryAfter = int(math.Ceil(wait))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, 0
}

// bucketFor returns the identifier's bucket, creating it full and evicting
// the LRU tail when the registry is at capacity.
func (l *Limiter) bucketFor(identifier string, now time.Time) *bucket {
	if el, ok := l.buckets[identifier]; ok {
		l.lru.MoveToFront(el)
		return el.Value.(*bucket)
	}
	if l.lru.Len() >= maxBuckets {
		tail := l.lru.Back()
		if tail != nil {
			l.lru.Remove(tail)
			delete(l.buckets, tail.Value.(*bucket).key)
		}
	}
	b := &bucket{tokens: l.burst, lastRefill: now, lastSeen: now, key: identifier}
	l.buckets[identifier] = l.lru.PushFront(b)
	return b
}

// sweep drops buckets idle past the TTL. Runs under the lock.
func (l *Limiter) sweep(now time.Time) {
	for el := l.lru.Back(); el != nil; {
		prev := el.Prev()
		b := el.Value.(*bucket)
		if now.Sub(b.lastSeen) > bucketTTL {
			l.lru.Remove(el)
			delete(l.buckets, b.key)
		}
		el = prev
	}
}

// Len reports the number of live buckets, for tests.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lru.Len()
}
