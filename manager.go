package upsertmeta

import (
	"context"
	"fmt"
	"iter"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/quartzdb/upsertmeta/codec"
	"github.com/quartzdb/upsertmeta/model"
	"github.com/quartzdb/upsertmeta/segment"
)

// Manager maintains the upsert metadata of one table partition: which doc in
// which segment holds the latest copy of each primary key, the per-segment
// validity and queryability bitmaps, and the TTL watermark.
//
// All methods are safe for concurrent use. Lifecycle operations after Stop
// are silent no-ops so late async callers need no coordination.
type Manager struct {
	table     string
	partition int

	opts    Options
	codec   *codec.Codec
	logger  *Logger
	metrics MetricsObserver

	gate      *operationGate
	locations *locationTable

	// Watermark as float64 bits, -Inf until first set.
	wmBits atomic.Uint64
	wmSet  atomic.Bool

	mu      sync.Mutex
	tracked map[segment.Segment]struct{}
}

// New creates a Manager for the given table partition. When a watermark
// store is configured its persisted value seeds the watermark.
func New(table string, partition int, opts ...Option) (*Manager, error) {
	if table == "" {
		return nil, fmt.Errorf("upsertmeta: empty table name")
	}
	if partition < 0 {
		return nil, fmt.Errorf("upsertmeta: negative partition %d", partition)
	}

	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = NoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = &NoopMetricsObserver{}
	}

	m := &Manager{
		table:     table,
		partition: partition,
		opts:      o,
		codec:     codec.New(o.HashFunction),
		logger:    o.Logger.WithPartition(table, partition),
		metrics:   o.Metrics,
		gate:      newOperationGate(),
		locations: newLocationTable(),
		tracked:   make(map[segment.Segment]struct{}),
	}
	m.wmBits.Store(math.Float64bits(math.Inf(-1)))

	if o.WatermarkStore != nil {
		v, ok, err := o.WatermarkStore.Load()
		if err != nil {
			return nil, fmt.Errorf("upsertmeta: load watermark: %w", err)
		}
		if ok {
			m.SetWatermark(v)
		}
	}
	return m, nil
}

// Table returns the table name.
func (m *Manager) Table() string { return m.table }

// Partition returns the partition ID.
func (m *Manager) Partition() int { return m.partition }

// NumPrimaryKeys returns the number of tracked primary keys.
func (m *Manager) NumPrimaryKeys() int { return m.locations.size() }

// NumTrackedSegments returns the number of tracked segments.
func (m *Manager) NumTrackedSegments() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// GetRecordLocation reads the current winner for pk.
func (m *Manager) GetRecordLocation(pk model.PrimaryKey) (Location, bool, error) {
	key, err := m.codec.Encode(pk)
	if err != nil {
		return Location{}, false, err
	}
	loc, ok := m.locations.get(key)
	return loc, ok, nil
}

// AddSegment loads a sealed segment's records into the metadata. With
// snapshots enabled and a persisted validity snapshot present, only the
// snapshot docs are loaded; otherwise the full segment is scanned and
// duplicate keys within the segment resolve among themselves.
func (m *Manager) AddSegment(ctx context.Context, seg segment.Immutable) error {
	return m.AddSegmentWithRecords(ctx, seg, m.recordsOf(seg))
}

// AddSegmentWithRecords loads a segment from an explicit record sequence.
// The watermark and the metadata TTL gate use the segment-declared maximum
// comparison value, never the records themselves.
func (m *Manager) AddSegmentWithRecords(ctx context.Context, seg segment.Segment, records iter.Seq[model.RecordInfo]) error {
	if !m.gate.start() {
		return nil
	}
	defer m.gate.finish()
	start := time.Now()

	skipped := m.observeSegmentBound(seg)
	m.track(seg)

	count := 0
	if !skipped {
		for rec := range records {
			if _, err := m.applyUpsert(seg, rec, false); err != nil {
				return err
			}
			count++
		}
	}

	m.logger.LogAddSegment(ctx, seg.Name(), count, skipped)
	m.metrics.OnSegmentAdd(time.Since(start), count, skipped)
	m.metrics.OnKeyCount(m.locations.size())
	return nil
}

// ReplaceSegment swaps newSeg in for oldSeg. Entries owned by oldSeg are
// repointed to newSeg without comparison and oldSeg's bitmaps stay
// untouched; entries owned by other segments go through the normal winner
// decision, so a copy that raced ahead keeps winning. oldSeg stays tracked
// until RemoveSegment.
func (m *Manager) ReplaceSegment(ctx context.Context, oldSeg segment.Segment, newSeg segment.Immutable) error {
	return m.ReplaceSegmentWithRecords(ctx, oldSeg, newSeg, m.recordsOf(newSeg))
}

// ReplaceSegmentWithRecords is ReplaceSegment with an explicit record
// sequence for the new segment.
func (m *Manager) ReplaceSegmentWithRecords(ctx context.Context, oldSeg, newSeg segment.Segment, records iter.Seq[model.RecordInfo]) error {
	if !m.gate.start() {
		return nil
	}
	defer m.gate.finish()

	m.observeSegmentBound(newSeg)
	m.track(newSeg)

	count := 0
	for rec := range records {
		key, err := m.codec.Encode(rec.PrimaryKey)
		if err != nil {
			return err
		}
		m.locations.update(key, func(cur Location, exists bool) (Location, bool) {
			if exists && cur.Segment == oldSeg {
				setLocation(newSeg, rec)
				return Location{Segment: newSeg, DocID: rec.DocID, ComparisonValue: rec.ComparisonValue}, true
			}
			if exists && rec.ComparisonValue.Compare(cur.ComparisonValue) < 0 {
				return Location{}, false
			}
			if exists {
				clearLocation(cur)
			}
			setLocation(newSeg, rec)
			return Location{Segment: newSeg, DocID: rec.DocID, ComparisonValue: rec.ComparisonValue}, true
		})
		count++
	}

	m.logger.LogReplaceSegment(ctx, oldSeg.Name(), newSeg.Name(), count)
	m.metrics.OnKeyCount(m.locations.size())
	return nil
}

// RemoveSegment drops a segment from the metadata. Only the segment's own
// validity bits are visited; entries it still wins are removed from the key
// index and their bits cleared, entries lost to other segments are left
// alone. Silent no-op after Stop.
func (m *Manager) RemoveSegment(ctx context.Context, seg segment.Segment) (int, error) {
	if !m.gate.start() {
		return 0, nil
	}
	defer m.gate.finish()
	start := time.Now()

	removed := 0
	for docID := range seg.ValidDocIDs().Iterator() {
		pk, ok := seg.PrimaryKeyAt(docID)
		if !ok {
			continue
		}
		key, err := m.codec.Encode(pk)
		if err != nil {
			return removed, err
		}
		if m.locations.removeIf(key, func(cur Location) bool {
			return cur.Segment == seg && cur.DocID == docID
		}) {
			seg.ValidDocIDs().Remove(docID)
			if q := seg.QueryableDocIDs(); q != nil {
				q.Remove(docID)
			}
			removed++
		}
	}
	m.untrack(seg)

	m.logger.LogRemoveSegment(ctx, seg.Name(), removed)
	m.metrics.OnSegmentRemove(time.Since(start), removed)
	m.metrics.OnKeyCount(m.locations.size())
	return removed, nil
}

// AddRecord applies one ingested record from a consuming segment. Returns
// whether the record won its key; an out-of-order record (older comparison
// value than the current winner) is rejected and leaves the metadata
// unchanged. The watermark advances regardless of acceptance. Returns false
// after Stop.
func (m *Manager) AddRecord(ctx context.Context, seg segment.Mutable, rec model.RecordInfo) bool {
	if !m.gate.start() {
		return false
	}
	defer m.gate.finish()

	m.track(seg)
	m.advanceWatermark(rec.ComparisonValue.Float64())

	accepted, err := m.applyUpsert(seg, rec, false)
	if err != nil {
		m.logger.ErrorContext(ctx, "record rejected",
			"segment", seg.Name(),
			"error", err,
		)
		return false
	}
	return accepted
}

// PreloadSegment loads a segment whose validity bitmaps were persisted as
// authoritative: every record is accepted unconditionally, overwriting
// whatever the key index holds. Used during restart before regular ingestion
// resumes.
func (m *Manager) PreloadSegment(ctx context.Context, seg segment.Immutable) error {
	return m.PreloadSegmentWithRecords(ctx, seg, m.recordsOf(seg))
}

// PreloadSegmentWithRecords is PreloadSegment with an explicit record
// sequence.
func (m *Manager) PreloadSegmentWithRecords(ctx context.Context, seg segment.Segment, records iter.Seq[model.RecordInfo]) error {
	if !m.gate.start() {
		return nil
	}
	defer m.gate.finish()
	start := time.Now()

	skipped := m.observeSegmentBound(seg)
	m.track(seg)

	count := 0
	var err error
	if !skipped {
		for rec := range records {
			if _, err = m.applyUpsert(seg, rec, true); err != nil {
				break
			}
			count++
		}
	}

	m.logger.LogPreload(ctx, seg.Name(), count, err)
	m.metrics.OnPreload(time.Since(start), count, err)
	m.metrics.OnKeyCount(m.locations.size())
	return err
}

// PreloadSegments preloads segments in parallel, at most concurrency at a
// time (unbounded when concurrency <= 0). Stops on the first error.
func (m *Manager) PreloadSegments(ctx context.Context, concurrency int, segs ...segment.Immutable) error {
	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, seg := range segs {
		g.Go(func() error {
			return m.PreloadSegment(ctx, seg)
		})
	}
	return g.Wait()
}

// RemoveExpiredPrimaryKeys ages delete markers out of the key index: every
// entry whose winner is delete-flagged and whose comparison value fell below
// watermark - deletedKeysTTL is removed and its validity bit cleared.
// Returns the number of removed keys. No-op without a deleted-keys TTL or a
// watermark, and after Stop.
func (m *Manager) RemoveExpiredPrimaryKeys(ctx context.Context) int {
	if m.opts.DeletedKeysTTL <= 0 {
		return 0
	}
	if !m.gate.start() {
		return 0
	}
	defer m.gate.finish()

	w, ok := m.Watermark()
	if !ok {
		return 0
	}
	cutoff := w - m.opts.DeletedKeysTTL

	removed := m.locations.sweep(func(key codec.Key, cur Location) bool {
		if cur.ComparisonValue.Float64() >= cutoff {
			return false
		}
		q := cur.Segment.QueryableDocIDs()
		if q == nil || q.Contains(cur.DocID) {
			// Not a delete marker, keep.
			return false
		}
		cur.Segment.ValidDocIDs().Remove(cur.DocID)
		return true
	})

	m.logger.LogExpiredKeysRemoval(ctx, removed, cutoff)
	m.metrics.OnExpiredKeysRemoved(removed)
	m.metrics.OnKeyCount(m.locations.size())
	return removed
}

// GetQueryableDocIDs derives the queryability bitmap for a validity
// snapshot: docs whose delete value reads true are excluded, absent values
// count as not deleted. Returns nil when no delete column is configured.
func (m *Manager) GetQueryableDocIDs(seg segment.Immutable, validDocIDs *roaring.Bitmap) *roaring.Bitmap {
	if m.opts.DeleteRecordColumn == "" {
		return nil
	}
	result := roaring.New()
	it := validDocIDs.Iterator()
	for it.HasNext() {
		docID := it.Next()
		if deleted, ok := seg.DeleteFlagAt(docID); ok && deleted {
			continue
		}
		result.Add(docID)
	}
	return result
}

// Watermark returns the TTL watermark, false when nothing has advanced it
// yet.
func (m *Manager) Watermark() (float64, bool) {
	if !m.wmSet.Load() {
		return 0, false
	}
	return math.Float64frombits(m.wmBits.Load()), true
}

// SetWatermark overrides the watermark without monotonicity. Recovery path.
func (m *Manager) SetWatermark(v float64) {
	m.wmBits.Store(math.Float64bits(v))
	m.wmSet.Store(true)
	m.metrics.OnWatermark(v)
}

// advanceWatermark raises the watermark to v if higher.
func (m *Manager) advanceWatermark(v float64) {
	for {
		curBits := m.wmBits.Load()
		cur := math.Float64frombits(curBits)
		if m.wmSet.Load() && v <= cur {
			return
		}
		next := max(cur, v)
		if m.wmBits.CompareAndSwap(curBits, math.Float64bits(next)) {
			m.wmSet.Store(true)
			m.metrics.OnWatermark(next)
			return
		}
	}
}

// StartOperation registers an external operation against the lifecycle gate.
// Returns false once the manager is stopped.
func (m *Manager) StartOperation() bool { return m.gate.start() }

// FinishOperation deregisters an operation started with StartOperation.
func (m *Manager) FinishOperation() { m.gate.finish() }

// Stop rejects new operations. Pending ones keep running; Close waits for
// them.
func (m *Manager) Stop() { m.gate.stop() }

// Close stops the manager if needed, waits for pending operations to drain,
// persists the watermark and closes the store. Idempotent; persistence
// failures propagate.
func (m *Manager) Close() error {
	if !m.gate.close() {
		return nil
	}

	var err error
	persisted := false
	w, ok := m.Watermark()
	if m.opts.WatermarkStore != nil {
		if ok {
			if perr := m.opts.WatermarkStore.Persist(w); perr != nil {
				err = fmt.Errorf("upsertmeta: persist watermark: %w", perr)
			} else {
				persisted = true
			}
		}
		if cerr := m.opts.WatermarkStore.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("upsertmeta: close watermark store: %w", cerr)
		}
	}
	m.logger.LogClose(context.Background(), w, persisted, err)
	return err
}

// applyUpsert runs one winner decision under the key's shard lock. In
// preload mode the candidate always wins; otherwise it wins iff its
// comparison value is at least the current winner's, ties favoring the
// candidate. On acceptance the loser's bits clear and the winner's set
// inside the same critical section.
func (m *Manager) applyUpsert(seg segment.Segment, rec model.RecordInfo, preload bool) (bool, error) {
	key, err := m.codec.Encode(rec.PrimaryKey)
	if err != nil {
		return false, err
	}
	accepted := false
	m.locations.update(key, func(cur Location, exists bool) (Location, bool) {
		if exists && !preload && rec.ComparisonValue.Compare(cur.ComparisonValue) < 0 {
			return Location{}, false
		}
		if exists {
			clearLocation(cur)
		}
		setLocation(seg, rec)
		accepted = true
		return Location{Segment: seg, DocID: rec.DocID, ComparisonValue: rec.ComparisonValue}, true
	})
	m.metrics.OnUpsert(accepted)
	return accepted, nil
}

// observeSegmentBound feeds the segment-declared comparison bound into the
// watermark and reports whether the metadata TTL gate skips the segment.
func (m *Manager) observeSegmentBound(seg segment.Segment) bool {
	imm, ok := seg.(segment.Immutable)
	if !ok {
		return false
	}
	maxCmp, ok := imm.MaxComparisonValue()
	if !ok {
		return false
	}
	v := maxCmp.Float64()
	m.advanceWatermark(v)
	if m.opts.MetadataTTL <= 0 {
		return false
	}
	w, ok := m.Watermark()
	return ok && v < w-m.opts.MetadataTTL
}

func (m *Manager) track(seg segment.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[seg] = struct{}{}
}

func (m *Manager) untrack(seg segment.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, seg)
}

// recordsOf derives a segment's record sequence: the persisted validity
// snapshot when snapshots are enabled and one exists, a full scan otherwise.
func (m *Manager) recordsOf(seg segment.Immutable) iter.Seq[model.RecordInfo] {
	if m.opts.EnableSnapshot {
		if snap := seg.SnapshotValidDocIDs(); snap != nil {
			return recordsFromSnapshot(seg, snap)
		}
	}
	return allRecords(seg)
}

func allRecords(seg segment.Immutable) iter.Seq[model.RecordInfo] {
	return func(yield func(model.RecordInfo) bool) {
		n := seg.NumDocs()
		for docID := uint32(0); docID < n; docID++ {
			rec, ok := recordAt(seg, docID)
			if !ok {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

func recordsFromSnapshot(seg segment.Immutable, snap *roaring.Bitmap) iter.Seq[model.RecordInfo] {
	return func(yield func(model.RecordInfo) bool) {
		it := snap.Iterator()
		for it.HasNext() {
			rec, ok := recordAt(seg, it.Next())
			if !ok {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

func recordAt(seg segment.Immutable, docID uint32) (model.RecordInfo, bool) {
	pk, ok := seg.PrimaryKeyAt(docID)
	if !ok {
		return model.RecordInfo{}, false
	}
	cmp, ok := seg.ComparisonValueAt(docID)
	if !ok {
		return model.RecordInfo{}, false
	}
	deleted, _ := seg.DeleteFlagAt(docID)
	return model.RecordInfo{
		PrimaryKey:      pk,
		DocID:           docID,
		ComparisonValue: cmp,
		Deleted:         deleted,
	}, true
}

// clearLocation drops a losing doc from its segment's bitmaps.
func clearLocation(cur Location) {
	cur.Segment.ValidDocIDs().Remove(cur.DocID)
	if q := cur.Segment.QueryableDocIDs(); q != nil {
		q.Remove(cur.DocID)
	}
}

// setLocation marks a winning doc valid, and queryable unless delete-flagged.
func setLocation(seg segment.Segment, rec model.RecordInfo) {
	seg.ValidDocIDs().Add(rec.DocID)
	if q := seg.QueryableDocIDs(); q != nil && !rec.Deleted {
		q.Add(rec.DocID)
	}
}
