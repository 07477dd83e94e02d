// Package segment defines the capability interfaces a partition's upsert
// metadata needs from its segments, plus an in-memory implementation used for
// ingestion buffers and tests.
//
// Segments own their validity and queryability bitmaps; the metadata layer
// mutates them but never stores copies.
package segment

import (
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quartzdb/upsertmeta/bitmap"
	"github.com/quartzdb/upsertmeta/model"
)

// Segment is the minimal view required to track a segment's records.
// Implementations must be pointer-shaped: the metadata layer tracks segments
// and record locations by interface identity.
type Segment interface {
	// Name identifies the segment within its table.
	Name() string

	// CreationTime orders segments for diagnostics. It plays no part in
	// winner resolution.
	CreationTime() time.Time

	// ValidDocIDs is the segment's validity bitmap: the set of docs that
	// currently hold the latest copy of their primary key.
	ValidDocIDs() *bitmap.ThreadSafe

	// QueryableDocIDs is the validity bitmap minus delete-flagged docs.
	// Nil when the table has no delete column.
	QueryableDocIDs() *bitmap.ThreadSafe

	// PrimaryKeyAt reads the primary key of a doc. Returns false when the
	// doc ID is out of range.
	PrimaryKeyAt(docID uint32) (model.PrimaryKey, bool)
}

// Mutable marks a segment that is still accepting new records. Only mutable
// segments are valid ingestion targets.
type Mutable interface {
	Segment

	// Consuming reports whether the segment still accepts records.
	Consuming() bool
}

// Immutable is a sealed segment whose full contents can be read back. Bulk
// operations derive record sequences and TTL bounds from it.
type Immutable interface {
	Segment

	// NumDocs returns the doc count. Doc IDs are dense in [0, NumDocs).
	NumDocs() uint32

	// ComparisonValueAt reads the comparison value of a doc. Returns
	// false when the doc ID is out of range.
	ComparisonValueAt(docID uint32) (model.ComparisonValue, bool)

	// DeleteFlagAt reads the delete flag of a doc. The second result is
	// false when the table has no delete column or the value is absent;
	// absent means not deleted.
	DeleteFlagAt(docID uint32) (deleted bool, ok bool)

	// MaxComparisonValue returns the segment-declared maximum of the
	// comparison column, false when the segment is empty or the bound is
	// unknown.
	MaxComparisonValue() (model.ComparisonValue, bool)

	// SnapshotValidDocIDs returns the validity snapshot persisted when
	// the segment was sealed, nil when none exists.
	SnapshotValidDocIDs() *roaring.Bitmap
}
