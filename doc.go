// Package upsertmeta tracks per-partition upsert metadata for a real-time
// columnar store: for every primary key, which doc in which segment holds
// its latest copy.
//
// The manager keeps a sharded key index and drives each segment's validity
// and queryability bitmaps so queries can filter superseded and soft-deleted
// docs with a bitmap intersection. Recency is decided by a per-record
// comparison value; the highest value wins, ties favoring the most recently
// applied record. A TTL watermark tracks the newest comparison value seen
// and gates segment loading and delete-marker retention.
//
// Typical lifecycle:
//
//	m, err := upsertmeta.New("orders", 3,
//		upsertmeta.WithHashFunction(codec.Murmur3),
//		upsertmeta.WithDeleteRecordColumn("deleted"),
//		upsertmeta.WithMetadataTTL(3600),
//	)
//	...
//	m.PreloadSegments(ctx, 4, sealed...)
//	m.AddRecord(ctx, consuming, rec)
//	...
//	m.Stop()
//	err = m.Close()
package upsertmeta
