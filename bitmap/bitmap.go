// Package bitmap provides a thread-safe mutable roaring bitmap over 32-bit
// document IDs. It backs the per-segment validity and queryability sets.
package bitmap

import (
	"iter"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// ThreadSafe wraps a roaring bitmap with a read-write mutex. Mutations from
// the upsert path and reads from the query path may interleave freely.
type ThreadSafe struct {
	mu sync.RWMutex
	rb *roaring.Bitmap
}

// New creates a new empty bitmap.
func New() *ThreadSafe {
	return &ThreadSafe{
		rb: roaring.New(),
	}
}

// FromArray creates a bitmap containing the given doc IDs.
func FromArray(docIDs []uint32) *ThreadSafe {
	return &ThreadSafe{
		rb: roaring.BitmapOf(docIDs...),
	}
}

// Add sets the bit for docID.
func (b *ThreadSafe) Add(docID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rb.Add(docID)
}

// Remove clears the bit for docID.
func (b *ThreadSafe) Remove(docID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rb.Remove(docID)
}

// Contains checks whether the bit for docID is set.
func (b *ThreadSafe) Contains(docID uint32) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rb.Contains(docID)
}

// IsEmpty returns true if no bits are set.
func (b *ThreadSafe) IsEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rb.IsEmpty()
}

// Cardinality returns the number of set bits.
func (b *ThreadSafe) Cardinality() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rb.GetCardinality()
}

// Snapshot returns a point-in-time deep copy. The copy is not synchronized;
// callers own it exclusively.
func (b *ThreadSafe) Snapshot() *roaring.Bitmap {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rb.Clone()
}

// ToArray returns the set bits in ascending order.
func (b *ThreadSafe) ToArray() []uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rb.ToArray()
}

// Iterator iterates a point-in-time snapshot of the set bits in ascending
// order. Mutations during iteration are not observed.
func (b *ThreadSafe) Iterator() iter.Seq[uint32] {
	snap := b.Snapshot()
	return func(yield func(uint32) bool) {
		it := snap.Iterator()
		for it.HasNext() {
			if !yield(it.Next()) {
				return
			}
		}
	}
}
