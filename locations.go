package upsertmeta

import (
	"hash/fnv"
	"sync"

	"github.com/quartzdb/upsertmeta/codec"
	"github.com/quartzdb/upsertmeta/model"
	"github.com/quartzdb/upsertmeta/segment"
)

// Location is the current winner for a primary key: the segment and doc that
// hold its latest copy, plus the comparison value that won.
type Location struct {
	Segment         segment.Segment
	DocID           uint32
	ComparisonValue model.ComparisonValue
}

const numShards = 64

type locationShard struct {
	mu      sync.Mutex
	entries map[codec.Key]Location
}

// locationTable is the sharded primary-key index. Sharding keeps the
// per-key critical sections short without a table-wide lock; winner
// decisions and their paired bitmap mutations run inside one shard-lock
// section so concurrent upserts of the same key serialize.
type locationTable struct {
	shards [numShards]locationShard
}

func newLocationTable() *locationTable {
	t := &locationTable{}
	for i := range t.shards {
		t.shards[i].entries = make(map[codec.Key]Location)
	}
	return t
}

func (t *locationTable) shardFor(key codec.Key) *locationShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &t.shards[h.Sum32()&(numShards-1)]
}

// update runs fn under the key's shard lock. fn sees the current entry and
// returns the next one; returning store=false leaves the table unchanged.
// Bitmap mutations belonging to the decision must happen inside fn.
func (t *locationTable) update(key codec.Key, fn func(cur Location, exists bool) (next Location, store bool)) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.entries[key]
	if next, store := fn(cur, exists); store {
		s.entries[key] = next
	}
}

// removeIf deletes the entry under the shard lock when pred holds. Returns
// whether a deletion happened. Side effects tied to the removal run inside
// pred.
func (t *locationTable) removeIf(key codec.Key, pred func(cur Location) bool) bool {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.entries[key]
	if !exists || !pred(cur) {
		return false
	}
	delete(s.entries, key)
	return true
}

// sweep visits every entry shard by shard, holding each shard's lock for the
// duration of its visit. Entries for which fn returns true are deleted.
// Returns the number of deletions.
func (t *locationTable) sweep(fn func(key codec.Key, cur Location) bool) int {
	removed := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for key, cur := range s.entries {
			if fn(key, cur) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// get reads the entry for key.
func (t *locationTable) get(key codec.Key) (Location, bool) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.entries[key]
	return cur, exists
}

// size counts the tracked primary keys.
func (t *locationTable) size() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
