package segment

import (
	"iter"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quartzdb/upsertmeta/bitmap"
	"github.com/quartzdb/upsertmeta/model"
)

// Memory is a columnar in-memory segment. It implements both Mutable and
// Immutable so it can serve as an ingestion buffer or a sealed segment.
type Memory struct {
	name         string
	creationTime time.Time
	consuming    bool

	primaryKeys []model.PrimaryKey
	cmpValues   []model.ComparisonValue
	deleteFlags []bool
	hasDeletes  bool

	maxCmp    model.ComparisonValue
	hasMaxCmp bool

	valid     *bitmap.ThreadSafe
	queryable *bitmap.ThreadSafe
	snapshot  *roaring.Bitmap
}

// MemoryOption configures a Memory segment.
type MemoryOption func(*Memory)

// WithCreationTime sets the segment creation time. Defaults to time.Now.
func WithCreationTime(t time.Time) MemoryOption {
	return func(m *Memory) {
		m.creationTime = t
	}
}

// WithRecords sets the segment's columns. Doc i holds primaryKeys[i] and
// cmpValues[i]; the slices must be equal length.
func WithRecords(primaryKeys []model.PrimaryKey, cmpValues []model.ComparisonValue) MemoryOption {
	return func(m *Memory) {
		m.primaryKeys = primaryKeys
		m.cmpValues = cmpValues
	}
}

// WithDeleteFlags sets the delete column. Enables the queryability bitmap.
func WithDeleteFlags(flags []bool) MemoryOption {
	return func(m *Memory) {
		m.deleteFlags = flags
		m.hasDeletes = true
	}
}

// WithDeleteColumn enables the queryability bitmap without column data.
// Used for consuming segments whose delete flags arrive per record.
func WithDeleteColumn() MemoryOption {
	return func(m *Memory) {
		m.hasDeletes = true
	}
}

// WithMaxComparisonValue overrides the segment-declared comparison bound.
// Without it the bound is computed from the records.
func WithMaxComparisonValue(v model.ComparisonValue) MemoryOption {
	return func(m *Memory) {
		m.maxCmp = v
		m.hasMaxCmp = true
	}
}

// WithValidDocIDsSnapshot attaches a persisted validity snapshot.
func WithValidDocIDsSnapshot(bm *roaring.Bitmap) MemoryOption {
	return func(m *Memory) {
		m.snapshot = bm
	}
}

// WithConsuming marks the segment as a still-consuming ingestion buffer.
func WithConsuming() MemoryOption {
	return func(m *Memory) {
		m.consuming = true
	}
}

// NewMemory creates a Memory segment.
func NewMemory(name string, opts ...MemoryOption) *Memory {
	m := &Memory{
		name:         name,
		creationTime: time.Now(),
		valid:        bitmap.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.hasDeletes {
		m.queryable = bitmap.New()
	}
	if !m.hasMaxCmp {
		for _, v := range m.cmpValues {
			if !m.hasMaxCmp || v.Compare(m.maxCmp) > 0 {
				m.maxCmp = v
				m.hasMaxCmp = true
			}
		}
	}
	return m
}

func (m *Memory) Name() string                     { return m.name }
func (m *Memory) CreationTime() time.Time          { return m.creationTime }
func (m *Memory) ValidDocIDs() *bitmap.ThreadSafe  { return m.valid }
func (m *Memory) Consuming() bool                  { return m.consuming }
func (m *Memory) NumDocs() uint32                  { return uint32(len(m.primaryKeys)) }
func (m *Memory) SnapshotValidDocIDs() *roaring.Bitmap { return m.snapshot }

// QueryableDocIDs returns the queryability bitmap, nil when the segment has
// no delete column.
func (m *Memory) QueryableDocIDs() *bitmap.ThreadSafe {
	if m.queryable == nil {
		return nil
	}
	return m.queryable
}

func (m *Memory) PrimaryKeyAt(docID uint32) (model.PrimaryKey, bool) {
	if int(docID) >= len(m.primaryKeys) {
		return nil, false
	}
	return m.primaryKeys[docID], true
}

func (m *Memory) ComparisonValueAt(docID uint32) (model.ComparisonValue, bool) {
	if int(docID) >= len(m.cmpValues) {
		return model.ComparisonValue{}, false
	}
	return m.cmpValues[docID], true
}

func (m *Memory) DeleteFlagAt(docID uint32) (deleted bool, ok bool) {
	if m.deleteFlags == nil || int(docID) >= len(m.deleteFlags) {
		return false, false
	}
	return m.deleteFlags[docID], true
}

func (m *Memory) MaxComparisonValue() (model.ComparisonValue, bool) {
	return m.maxCmp, m.hasMaxCmp
}

// Records iterates the full segment in doc-ID order.
func (m *Memory) Records() iter.Seq[model.RecordInfo] {
	return func(yield func(model.RecordInfo) bool) {
		for i := range m.primaryKeys {
			if !yield(m.recordAt(uint32(i))) {
				return
			}
		}
	}
}

// RecordsFromSnapshot iterates only the docs set in bm, in ascending order.
func (m *Memory) RecordsFromSnapshot(bm *roaring.Bitmap) iter.Seq[model.RecordInfo] {
	return func(yield func(model.RecordInfo) bool) {
		it := bm.Iterator()
		for it.HasNext() {
			docID := it.Next()
			if int(docID) >= len(m.primaryKeys) {
				continue
			}
			if !yield(m.recordAt(docID)) {
				return
			}
		}
	}
}

func (m *Memory) recordAt(docID uint32) model.RecordInfo {
	rec := model.RecordInfo{
		PrimaryKey:      m.primaryKeys[docID],
		DocID:           docID,
		ComparisonValue: m.cmpValues[docID],
	}
	if m.deleteFlags != nil {
		rec.Deleted = m.deleteFlags[docID]
	}
	return rec
}
