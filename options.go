package upsertmeta

import (
	"github.com/quartzdb/upsertmeta/codec"
	"github.com/quartzdb/upsertmeta/watermark"
)

// Options configures a Manager.
type Options struct {
	// HashFunction canonicalizes primary keys. Defaults to codec.Identity.
	HashFunction codec.HashFunction

	// PrimaryKeyColumns names the key columns, for diagnostics.
	PrimaryKeyColumns []string

	// ComparisonColumns names the column(s) feeding the comparison value,
	// for diagnostics.
	ComparisonColumns []string

	// DeleteRecordColumn names the soft-delete column. Empty disables
	// delete handling and queryability tracking.
	DeleteRecordColumn string

	// EnableSnapshot loads sealed segments from their persisted validity
	// snapshot when one exists, instead of a full scan.
	EnableSnapshot bool

	// MetadataTTL skips loading segments whose newest record is older
	// than watermark - MetadataTTL. Zero disables the gate.
	MetadataTTL float64

	// DeletedKeysTTL ages delete markers out of the key index once their
	// comparison value falls below watermark - DeletedKeysTTL. Zero
	// disables the sweep.
	DeletedKeysTTL float64

	// WatermarkStore persists the TTL watermark across restarts.
	WatermarkStore watermark.Store

	// Logger receives structured operation logs. Defaults to no logging.
	Logger *Logger

	// Metrics receives operation metrics. Defaults to a no-op observer.
	Metrics MetricsObserver
}

// Option configures Options.
type Option func(*Options)

// WithHashFunction sets the primary-key canonicalization strategy.
func WithHashFunction(h codec.HashFunction) Option {
	return func(o *Options) {
		o.HashFunction = h
	}
}

// WithPrimaryKeyColumns records the key column names.
func WithPrimaryKeyColumns(columns ...string) Option {
	return func(o *Options) {
		o.PrimaryKeyColumns = columns
	}
}

// WithComparisonColumns records the comparison column names.
func WithComparisonColumns(columns ...string) Option {
	return func(o *Options) {
		o.ComparisonColumns = columns
	}
}

// WithDeleteRecordColumn enables soft-delete handling on the named column.
func WithDeleteRecordColumn(column string) Option {
	return func(o *Options) {
		o.DeleteRecordColumn = column
	}
}

// WithEnableSnapshot enables snapshot-based segment loading.
func WithEnableSnapshot() Option {
	return func(o *Options) {
		o.EnableSnapshot = true
	}
}

// WithMetadataTTL sets the metadata TTL in comparison-value units.
func WithMetadataTTL(ttl float64) Option {
	return func(o *Options) {
		o.MetadataTTL = ttl
	}
}

// WithDeletedKeysTTL sets the deleted-keys TTL in comparison-value units.
func WithDeletedKeysTTL(ttl float64) Option {
	return func(o *Options) {
		o.DeletedKeysTTL = ttl
	}
}

// WithWatermarkStore sets the watermark persistence backend.
func WithWatermarkStore(s watermark.Store) Option {
	return func(o *Options) {
		o.WatermarkStore = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithMetricsObserver sets the metrics observer.
func WithMetricsObserver(m MetricsObserver) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}
