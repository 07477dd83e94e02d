package upsertmeta

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartzdb/upsertmeta/codec"
	"github.com/quartzdb/upsertmeta/model"
	"github.com/quartzdb/upsertmeta/segment"
	"github.com/quartzdb/upsertmeta/watermark"
)

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := New("testTable", 0, opts...)
	require.NoError(t, err)
	return m
}

func intPK(v int) model.PrimaryKey { return model.PrimaryKey{int64(v)} }

func intPKs(vals ...int) []model.PrimaryKey {
	pks := make([]model.PrimaryKey, len(vals))
	for i, v := range vals {
		pks[i] = intPK(v)
	}
	return pks
}

func intCmps(vals ...int) []model.ComparisonValue {
	cmps := make([]model.ComparisonValue, len(vals))
	for i, v := range vals {
		cmps[i] = model.Int(int64(v))
	}
	return cmps
}

func TestNewValidation(t *testing.T) {
	_, err := New("", 0)
	require.Error(t, err)

	_, err = New("testTable", -1)
	require.Error(t, err)
}

func TestAddSegmentDeduplicatesWithinSegment(t *testing.T) {
	ctx := context.Background()

	for _, h := range []codec.HashFunction{codec.Identity, codec.MD5, codec.Murmur3} {
		t.Run(h.String(), func(t *testing.T) {
			m := newManager(t, WithHashFunction(h))
			seg := segment.NewMemory("seg01",
				segment.WithRecords(intPKs(0, 1, 2, 0, 1, 0), intCmps(100, 100, 100, 80, 120, 100)),
			)

			// 1. Load: duplicates resolve among themselves, ties favor
			// the later doc
			require.NoError(t, m.AddSegment(ctx, seg))
			assert.Equal(t, []uint32{2, 4, 5}, seg.ValidDocIDs().ToArray())
			assert.Equal(t, 3, m.NumPrimaryKeys())
			assert.Equal(t, 1, m.NumTrackedSegments())

			// 2. Winners
			loc, ok, err := m.GetRecordLocation(intPK(0))
			require.NoError(t, err)
			require.True(t, ok)
			assert.EqualValues(t, 5, loc.DocID)
			assert.Equal(t, 0, loc.ComparisonValue.Compare(model.Int(100)))

			loc, _, _ = m.GetRecordLocation(intPK(1))
			assert.EqualValues(t, 4, loc.DocID)

			// 3. Watermark follows the segment bound
			w, ok := m.Watermark()
			require.True(t, ok)
			assert.Equal(t, 120.0, w)
		})
	}
}

func TestAddSegmentAcrossSegments(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	seg1 := segment.NewMemory("seg01",
		segment.WithRecords(intPKs(0, 1, 2, 0, 1, 0), intCmps(100, 100, 100, 80, 120, 100)),
	)
	require.NoError(t, m.AddSegment(ctx, seg1))

	// Second segment: ties move keys over, older copies are rejected
	seg2 := segment.NewMemory("seg02",
		segment.WithRecords(intPKs(0, 1, 2, 3, 0), intCmps(100, 100, 120, 80, 80)),
	)
	require.NoError(t, m.AddSegment(ctx, seg2))

	assert.Equal(t, []uint32{4}, seg1.ValidDocIDs().ToArray())
	assert.Equal(t, []uint32{0, 2, 3}, seg2.ValidDocIDs().ToArray())
	assert.Equal(t, 4, m.NumPrimaryKeys())
	assert.Equal(t, 2, m.NumTrackedSegments())
}

func TestAddSegmentDeleteFlags(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, WithDeleteRecordColumn("deleted"))

	seg := segment.NewMemory("seg01",
		segment.WithRecords(intPKs(0, 1, 2, 0, 1, 0), intCmps(100, 100, 100, 80, 120, 100)),
		segment.WithDeleteFlags([]bool{false, false, false, true, true, false}),
	)
	require.NoError(t, m.AddSegment(ctx, seg))

	// Delete-flagged winners stay valid but not queryable
	assert.Equal(t, []uint32{2, 4, 5}, seg.ValidDocIDs().ToArray())
	assert.Equal(t, []uint32{2, 5}, seg.QueryableDocIDs().ToArray())
}

func TestAddSegmentFromSnapshot(t *testing.T) {
	ctx := context.Background()

	newSeg := func() *segment.Memory {
		return segment.NewMemory("seg01",
			segment.WithRecords(intPKs(0, 1, 2, 0, 1, 0), intCmps(100, 100, 100, 80, 120, 100)),
			segment.WithValidDocIDsSnapshot(roaring.BitmapOf(0, 1, 2)),
		)
	}

	// 1. Snapshots enabled: only snapshot docs are loaded
	m := newManager(t, WithEnableSnapshot())
	seg := newSeg()
	require.NoError(t, m.AddSegment(ctx, seg))
	assert.Equal(t, []uint32{0, 1, 2}, seg.ValidDocIDs().ToArray())

	// 2. Snapshots disabled: full scan, later docs win
	m2 := newManager(t)
	seg2 := newSeg()
	require.NoError(t, m2.AddSegment(ctx, seg2))
	assert.Equal(t, []uint32{2, 4, 5}, seg2.ValidDocIDs().ToArray())
}

func TestAddSegmentWatermarkUsesDeclaredBound(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	// Records run ahead of the declared bound; the bound wins
	seg := segment.NewMemory("seg01",
		segment.WithRecords(intPKs(0, 1), intCmps(100, 120)),
		segment.WithMaxComparisonValue(model.Int(80)),
	)
	require.NoError(t, m.AddSegment(ctx, seg))

	w, ok := m.Watermark()
	require.True(t, ok)
	assert.Equal(t, 80.0, w)
	assert.Equal(t, 2, m.NumPrimaryKeys())
}

func TestAddSegmentMetadataTTL(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, WithMetadataTTL(30))

	// 1. In-TTL segment loads normally
	seg1 := segment.NewMemory("seg01",
		segment.WithRecords(intPKs(0), intCmps(100)),
	)
	require.NoError(t, m.AddSegment(ctx, seg1))
	assert.Equal(t, 1, m.NumPrimaryKeys())

	// 2. Segment older than watermark - TTL is tracked without records
	seg2 := segment.NewMemory("seg02",
		segment.WithRecords(intPKs(5), intCmps(60)),
	)
	require.NoError(t, m.AddSegment(ctx, seg2))
	assert.Equal(t, 1, m.NumPrimaryKeys())
	assert.True(t, seg2.ValidDocIDs().IsEmpty())
	assert.Equal(t, 2, m.NumTrackedSegments())

	// 3. Watermark unchanged by the skipped segment
	w, _ := m.Watermark()
	assert.Equal(t, 100.0, w)
}

func TestAddSegmentMetadataTTLNegativeValues(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, WithMetadataTTL(30))

	seg1 := segment.NewMemory("seg01",
		segment.WithRecords(intPKs(0), intCmps(-10)),
	)
	require.NoError(t, m.AddSegment(ctx, seg1))
	assert.Equal(t, 1, m.NumPrimaryKeys())

	seg2 := segment.NewMemory("seg02",
		segment.WithRecords(intPKs(1), intCmps(-50)),
	)
	require.NoError(t, m.AddSegment(ctx, seg2))
	assert.Equal(t, 1, m.NumPrimaryKeys())
	assert.True(t, seg2.ValidDocIDs().IsEmpty())
}

func TestAddRecord(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, WithDeleteRecordColumn("deleted"))
	seg := segment.NewMemory("consuming", segment.WithConsuming(), segment.WithDeleteColumn())

	// 1. First record wins
	ok := m.AddRecord(ctx, seg, model.RecordInfo{PrimaryKey: intPK(0), DocID: 0, ComparisonValue: model.Int(100)})
	assert.True(t, ok)
	assert.Equal(t, []uint32{0}, seg.ValidDocIDs().ToArray())
	assert.Equal(t, []uint32{0}, seg.QueryableDocIDs().ToArray())

	// 2. Out-of-order record is rejected and changes nothing
	ok = m.AddRecord(ctx, seg, model.RecordInfo{PrimaryKey: intPK(0), DocID: 1, ComparisonValue: model.Int(80)})
	assert.False(t, ok)
	assert.Equal(t, []uint32{0}, seg.ValidDocIDs().ToArray())

	// 3. Tie favors the new record
	ok = m.AddRecord(ctx, seg, model.RecordInfo{PrimaryKey: intPK(0), DocID: 2, ComparisonValue: model.Int(100)})
	assert.True(t, ok)
	assert.Equal(t, []uint32{2}, seg.ValidDocIDs().ToArray())

	// 4. Delete record: valid but not queryable
	ok = m.AddRecord(ctx, seg, model.RecordInfo{PrimaryKey: intPK(1), DocID: 3, ComparisonValue: model.Int(50), Deleted: true})
	assert.True(t, ok)
	assert.Equal(t, []uint32{2, 3}, seg.ValidDocIDs().ToArray())
	assert.Equal(t, []uint32{2}, seg.QueryableDocIDs().ToArray())

	// 5. Revive restores queryability
	ok = m.AddRecord(ctx, seg, model.RecordInfo{PrimaryKey: intPK(1), DocID: 4, ComparisonValue: model.Int(60)})
	assert.True(t, ok)
	assert.Equal(t, []uint32{2, 4}, seg.ValidDocIDs().ToArray())
	assert.Equal(t, []uint32{2, 4}, seg.QueryableDocIDs().ToArray())

	// 6. Watermark follows the records
	w, ok2 := m.Watermark()
	require.True(t, ok2)
	assert.Equal(t, 100.0, w)

	// 7. Rejected after stop
	m.Stop()
	ok = m.AddRecord(ctx, seg, model.RecordInfo{PrimaryKey: intPK(9), DocID: 5, ComparisonValue: model.Int(999)})
	assert.False(t, ok)
	assert.Equal(t, 2, m.NumPrimaryKeys())
}

func TestPreloadSegmentAcceptsUnconditionally(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	seg1 := segment.NewMemory("seg01",
		segment.WithRecords(intPKs(0, 1), intCmps(100, 120)),
	)
	require.NoError(t, m.AddSegment(ctx, seg1))

	// Preloaded bitmaps are authoritative even with older comparison values
	seg2 := segment.NewMemory("seg02",
		segment.WithRecords(intPKs(0, 1), intCmps(1, 2)),
	)
	require.NoError(t, m.PreloadSegment(ctx, seg2))

	assert.True(t, seg1.ValidDocIDs().IsEmpty())
	assert.Equal(t, []uint32{0, 1}, seg2.ValidDocIDs().ToArray())

	loc, ok, err := m.GetRecordLocation(intPK(0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, loc.ComparisonValue.Compare(model.Int(1)))
}

func TestPreloadSegmentMetadataTTLSkip(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, WithMetadataTTL(30))

	seg1 := segment.NewMemory("seg01",
		segment.WithRecords(intPKs(0), intCmps(100)),
	)
	require.NoError(t, m.PreloadSegment(ctx, seg1))

	seg2 := segment.NewMemory("seg02",
		segment.WithRecords(intPKs(1), intCmps(60)),
	)
	require.NoError(t, m.PreloadSegment(ctx, seg2))

	assert.Equal(t, 1, m.NumPrimaryKeys())
	assert.True(t, seg2.ValidDocIDs().IsEmpty())
	assert.Equal(t, 2, m.NumTrackedSegments())
}

func TestPreloadSegmentsParallel(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	var segs []segment.Immutable
	for i := 0; i < 8; i++ {
		pks := make([]model.PrimaryKey, 10)
		cmps := make([]model.ComparisonValue, 10)
		for j := 0; j < 10; j++ {
			pks[j] = intPK(i*10 + j)
			cmps[j] = model.Int(int64(j))
		}
		segs = append(segs, segment.NewMemory("seg"+string(rune('a'+i)),
			segment.WithRecords(pks, cmps),
		))
	}

	require.NoError(t, m.PreloadSegments(ctx, 4, segs...))

	assert.Equal(t, 80, m.NumPrimaryKeys())
	assert.Equal(t, 8, m.NumTrackedSegments())
	for _, seg := range segs {
		assert.EqualValues(t, 10, seg.ValidDocIDs().Cardinality())
	}
}

func TestReplaceSegment(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	seg1 := segment.NewMemory("seg01",
		segment.WithRecords(intPKs(0, 1), intCmps(100, 120)),
	)
	require.NoError(t, m.AddSegment(ctx, seg1))

	// A consuming segment races ahead on key 1
	racer := segment.NewMemory("consuming", segment.WithConsuming())
	require.True(t, m.AddRecord(ctx, racer, model.RecordInfo{PrimaryKey: intPK(1), DocID: 0, ComparisonValue: model.Int(150)}))
	assert.Equal(t, []uint32{0}, seg1.ValidDocIDs().ToArray())

	// Replacement: same key 0, key 1 older than the racer, key 2 new
	seg1r := segment.NewMemory("seg01-rebuilt",
		segment.WithRecords(intPKs(0, 1, 2), intCmps(100, 120, 50)),
	)
	require.NoError(t, m.ReplaceSegment(ctx, seg1, seg1r))

	// 1. Owned entry repointed without comparison, old bitmaps untouched
	loc, ok, err := m.GetRecordLocation(intPK(0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, seg1r, loc.Segment)
	assert.Equal(t, []uint32{0}, seg1.ValidDocIDs().ToArray())

	// 2. Raced-ahead entry stays with the racer
	loc, _, _ = m.GetRecordLocation(intPK(1))
	assert.Same(t, racer, loc.Segment)

	// 3. Absent key inserted
	_, ok, _ = m.GetRecordLocation(intPK(2))
	assert.True(t, ok)
	assert.Equal(t, []uint32{0, 2}, seg1r.ValidDocIDs().ToArray())

	// 4. Removing the replaced segment afterwards removes nothing repointed
	removed, err := m.RemoveSegment(ctx, seg1)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	loc, _, _ = m.GetRecordLocation(intPK(0))
	assert.Same(t, seg1r, loc.Segment)
}

func TestRemoveSegment(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	seg1 := segment.NewMemory("seg01",
		segment.WithRecords(intPKs(0, 1), intCmps(100, 100)),
	)
	require.NoError(t, m.AddSegment(ctx, seg1))

	seg2 := segment.NewMemory("seg02",
		segment.WithRecords(intPKs(1), intCmps(120)),
	)
	require.NoError(t, m.AddSegment(ctx, seg2))
	assert.Equal(t, []uint32{0}, seg1.ValidDocIDs().ToArray())

	// 1. Only keys the segment still wins are removed
	removed, err := m.RemoveSegment(ctx, seg1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, m.NumPrimaryKeys())
	assert.True(t, seg1.ValidDocIDs().IsEmpty())
	assert.Equal(t, 1, m.NumTrackedSegments())

	_, ok, _ := m.GetRecordLocation(intPK(1))
	assert.True(t, ok)

	// 2. Silent no-op after stop
	m.Stop()
	removed, err = m.RemoveSegment(ctx, seg2)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, []uint32{0}, seg2.ValidDocIDs().ToArray())
	assert.Equal(t, 1, m.NumTrackedSegments())
}

func TestRemoveExpiredPrimaryKeys(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, WithDeleteRecordColumn("deleted"), WithDeletedKeysTTL(20))
	seg := segment.NewMemory("consuming", segment.WithConsuming(), segment.WithDeleteColumn())

	require.True(t, m.AddRecord(ctx, seg, model.RecordInfo{PrimaryKey: intPK(0), DocID: 0, ComparisonValue: model.Int(120), Deleted: true}))
	require.True(t, m.AddRecord(ctx, seg, model.RecordInfo{PrimaryKey: intPK(1), DocID: 1, ComparisonValue: model.Int(140), Deleted: true}))
	require.True(t, m.AddRecord(ctx, seg, model.RecordInfo{PrimaryKey: intPK(2), DocID: 2, ComparisonValue: model.Int(100)}))

	m.SetWatermark(150)

	// Only the delete marker below watermark - TTL is evicted
	removed := m.RemoveExpiredPrimaryKeys(ctx)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, m.NumPrimaryKeys())
	assert.Equal(t, []uint32{1, 2}, seg.ValidDocIDs().ToArray())

	_, ok, _ := m.GetRecordLocation(intPK(0))
	assert.False(t, ok)
	_, ok, _ = m.GetRecordLocation(intPK(1))
	assert.True(t, ok)

	// No-op after stop
	m.Stop()
	assert.Equal(t, 0, m.RemoveExpiredPrimaryKeys(ctx))
}

func TestRemoveExpiredPrimaryKeysDisabled(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, WithDeleteRecordColumn("deleted"))
	seg := segment.NewMemory("consuming", segment.WithConsuming(), segment.WithDeleteColumn())

	require.True(t, m.AddRecord(ctx, seg, model.RecordInfo{PrimaryKey: intPK(0), DocID: 0, ComparisonValue: model.Int(1), Deleted: true}))
	m.SetWatermark(1000)

	assert.Equal(t, 0, m.RemoveExpiredPrimaryKeys(ctx))
	assert.Equal(t, 1, m.NumPrimaryKeys())
}

func TestGetQueryableDocIDs(t *testing.T) {
	m := newManager(t, WithDeleteRecordColumn("deleted"))

	seg := segment.NewMemory("seg01",
		segment.WithRecords(intPKs(0, 1, 2), intCmps(1, 2, 3)),
		segment.WithDeleteFlags([]bool{false, true, false}),
	)

	// 1. Delete-flagged docs are excluded
	q := m.GetQueryableDocIDs(seg, roaring.BitmapOf(0, 1, 2))
	require.NotNil(t, q)
	assert.Equal(t, []uint32{0, 2}, q.ToArray())

	// 2. Absent delete values count as not deleted
	q = m.GetQueryableDocIDs(seg, roaring.BitmapOf(0, 5))
	assert.Equal(t, []uint32{0, 5}, q.ToArray())

	// 3. Nil without a delete column
	m2 := newManager(t)
	assert.Nil(t, m2.GetQueryableDocIDs(seg, roaring.BitmapOf(0)))
}

func TestWatermarkManagement(t *testing.T) {
	m := newManager(t)

	// 1. Unset until something advances it
	_, ok := m.Watermark()
	assert.False(t, ok)

	// 2. SetWatermark overrides without monotonicity
	m.SetWatermark(100)
	w, ok := m.Watermark()
	require.True(t, ok)
	assert.Equal(t, 100.0, w)

	m.SetWatermark(50)
	w, _ = m.Watermark()
	assert.Equal(t, 50.0, w)
}

func TestWatermarkLoadedFromStore(t *testing.T) {
	store := watermark.NewMemoryStore()
	require.NoError(t, store.Persist(55))

	m := newManager(t, WithWatermarkStore(store))
	w, ok := m.Watermark()
	require.True(t, ok)
	assert.Equal(t, 55.0, w)
}

func TestClosePersistsWatermark(t *testing.T) {
	store := watermark.NewMemoryStore()
	m := newManager(t, WithWatermarkStore(store))

	m.SetWatermark(77)
	require.NoError(t, m.Close())

	v, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 77.0, v)

	// Idempotent
	require.NoError(t, m.Close())
}

type failingStore struct{}

func (failingStore) Load() (float64, bool, error) { return 0, false, nil }
func (failingStore) Persist(float64) error        { return errors.New("disk full") }
func (failingStore) Close() error                 { return nil }

func TestClosePropagatesPersistError(t *testing.T) {
	m := newManager(t, WithWatermarkStore(failingStore{}))
	m.SetWatermark(1)

	err := m.Close()
	require.Error(t, err)

	// Second close is a no-op
	require.NoError(t, m.Close())
}

func TestLifecycleGate(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	// 1. Two operations in flight
	require.True(t, m.StartOperation())
	require.True(t, m.StartOperation())

	// 2. Stop rejects new work but keeps pending operations running
	m.Stop()
	assert.False(t, m.StartOperation())

	closed := make(chan error, 1)
	go func() {
		closed <- m.Close()
	}()

	select {
	case <-closed:
		t.Fatal("close returned with pending operations")
	case <-time.After(50 * time.Millisecond):
	}

	m.FinishOperation()
	m.FinishOperation()

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return after operations finished")
	}

	// 3. Everything is a no-op after close
	assert.False(t, m.AddRecord(ctx, segment.NewMemory("late", segment.WithConsuming()), model.RecordInfo{
		PrimaryKey:      intPK(0),
		DocID:           0,
		ComparisonValue: model.Int(1),
	}))
}

func TestMultiComponentKeysOrderSensitive(t *testing.T) {
	ctx := context.Background()

	for _, h := range []codec.HashFunction{codec.Identity, codec.MD5, codec.Murmur3} {
		t.Run(h.String(), func(t *testing.T) {
			m := newManager(t, WithHashFunction(h))
			seg := segment.NewMemory("seg01",
				segment.WithRecords(
					[]model.PrimaryKey{
						{"uuid-1", "uuid-2", "uuid-3"},
						{"uuid-3", "uuid-2", "uuid-1"},
					},
					intCmps(100, 100),
				),
			)
			require.NoError(t, m.AddSegment(ctx, seg))

			// Reordered components form a distinct key
			assert.Equal(t, 2, m.NumPrimaryKeys())
			assert.Equal(t, []uint32{0, 1}, seg.ValidDocIDs().ToArray())
		})
	}
}

func TestConcurrentAddRecords(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	seg := segment.NewMemory("consuming", segment.WithConsuming())

	// Racing writers on overlapping keys; the highest comparison value
	// must win every key
	done := make(chan struct{})
	for w := 0; w < 4; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 250; i++ {
				docID := uint32(w*250 + i)
				m.AddRecord(ctx, seg, model.RecordInfo{
					PrimaryKey:      intPK(int(docID) % 10),
					DocID:           docID,
					ComparisonValue: model.Int(int64(docID)),
				})
			}
		}(w)
	}
	for w := 0; w < 4; w++ {
		<-done
	}

	assert.Equal(t, 10, m.NumPrimaryKeys())
	assert.EqualValues(t, 10, seg.ValidDocIDs().Cardinality())
	for k := 0; k < 10; k++ {
		loc, ok, err := m.GetRecordLocation(intPK(k))
		require.NoError(t, err)
		require.True(t, ok)
		// Highest docID with this key modulo 10
		assert.EqualValues(t, 990+k, loc.DocID)
	}

	w, ok := m.Watermark()
	require.True(t, ok)
	assert.Equal(t, 999.0, w)
}
