package upsertmeta

import "time"

// MetricsObserver defines the interface for observing upsert metadata events.
type MetricsObserver interface {
	// OnUpsert is called after every winner decision.
	OnUpsert(accepted bool)

	// OnSegmentAdd is called when a bulk segment load completes.
	OnSegmentAdd(duration time.Duration, records int, skippedTTL bool)

	// OnSegmentRemove is called when a segment removal completes.
	OnSegmentRemove(duration time.Duration, removedKeys int)

	// OnPreload is called when a segment preload completes.
	OnPreload(duration time.Duration, records int, err error)

	// OnExpiredKeysRemoved reports the size of a deleted-keys TTL sweep.
	OnExpiredKeysRemoved(count int)

	// OnKeyCount reports the number of tracked primary keys.
	OnKeyCount(count int)

	// OnWatermark reports a watermark advance.
	OnWatermark(value float64)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (o *NoopMetricsObserver) OnUpsert(accepted bool)                                          {}
func (o *NoopMetricsObserver) OnSegmentAdd(duration time.Duration, records int, skippedTTL bool) {}
func (o *NoopMetricsObserver) OnSegmentRemove(duration time.Duration, removedKeys int)         {}
func (o *NoopMetricsObserver) OnPreload(duration time.Duration, records int, err error)        {}
func (o *NoopMetricsObserver) OnExpiredKeysRemoved(count int)                                  {}
func (o *NoopMetricsObserver) OnKeyCount(count int)                                            {}
func (o *NoopMetricsObserver) OnWatermark(value float64)                                       {}
