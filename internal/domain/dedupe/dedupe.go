// Package dedupe tracks in-flight job keys so the same payout is never
// queued twice while an earlier attempt is still pending.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
)

// Deduper records in-flight keys.
type Deduper interface {
	// Acquire atomically records id. It returns false when id is already held.
	Acquire(ctx context.Context, id string) bool
	// Release forgets id so it may be acquired again.
	Release(ctx context.Context, id string)
	// Size returns the number of held keys.
	Size() int64
}

// inMemoryDeduper keeps keys in a map plus an insertion-ordered list. When
// bounded and full, the oldest key is evicted: a lost key can at worst let a
// duplicate job through, which the store's idempotency keys absorb.
type inMemoryDeduper struct {
	mu      sync.Mutex
	held    map[string]*list.Element
	order   *list.List
	maxSize int // <= 0 means unbounded
	size    atomic.Int64
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: 50_000,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.held = make(map[string]*list.Element)
	d.order = list.New()
	return d
}

func (d *inMemoryDeduper) Acquire(_ context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.held[id]; ok {
		return false
	}
	if d.maxSize > 0 && len(d.held) >= d.maxSize {
		if oldest := d.order.Front(); oldest != nil {
			delete(d.held, oldest.Value.(string))
			d.order.Remove(oldest)
			d.size.Add(-1)
		}
	}
	d.held[id] = d.order.PushBack(id)
	d.size.Add(1)
	return true
}

func (d *inMemoryDeduper) Release(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.held[id]; ok {
		d.order.Remove(el)
		delete(d.held, id)
		d.size.Add(-1)
	}
}

func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
