package periscope

import (
	"sync"

	"github.com/periscope-sec/periscope/internal/models"
)

// writeBuffer holds items that could not be written during a store outage.
// When it fills, the collection engine stops enqueuing new fetches until the
// store recovers; watermarks are never advanced for unflushed items.
type writeBuffer struct {
	mu      sync.Mutex
	items   []*models.Item
	byID    map[string]int
	maxSize int
}

func newWriteBuffer(maxSize int) *writeBuffer {
	return &writeBuffer{
		byID:    make(map[string]int),
		maxSize: maxSize,
	}
}

// Add enqueues an item, replacing any buffered version with the same id.
// Returns false when the buffer is at capacity.
func (b *writeBuffer) Add(item *models.Item) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idx, ok := b.byID[item.ItemID]; ok {
		b.items[idx] = item
		return true
	}
	if len(b.items) >= b.maxSize {
		return false
	}
	b.byID[item.ItemID] = len(b.items)
	b.items = append(b.items, item)
	return true
}

// Drain removes and returns up to n buffered items in insertion order.
func (b *writeBuffer) Drain(n int) []*models.Item {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > len(b.items) {
		n = len(b.items)
	}
	out := b.items[:n]
	rest := make([]*models.Item, len(b.items)-n)
	copy(rest, b.items[n:])
	b.items = rest

	b.byID = make(map[string]int, len(b.items))
	for i, it := range b.items {
		b.byID[it.ItemID] = i
	}
	return out
}

// Requeue puts items back at the front after a failed flush.
func (b *writeBuffer) Requeue(items []*models.Item) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(items, b.items...)
	b.byID = make(map[string]int, len(b.items))
	for i, it := range b.items {
		b.byID[it.ItemID] = i
	}
}

// Len returns the number of buffered items.
func (b *writeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Full reports whether the buffer is at capacity.
func (b *writeBuffer) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items) >= b.maxSize
}
