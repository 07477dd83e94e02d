// Package observability provides a Prometheus-backed metrics observer for
// the upsert metadata manager.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver implements upsertmeta.MetricsObserver on Prometheus
// collectors. Register one observer per partition with distinct table and
// partition labels.
type PrometheusObserver struct {
	upsertsTotal    *prometheus.CounterVec
	segmentAddTime  prometheus.Histogram
	segmentsSkipped prometheus.Counter
	segmentRemoves  prometheus.Histogram
	preloadTime     prometheus.Histogram
	preloadErrors   prometheus.Counter
	expiredKeys     prometheus.Counter
	primaryKeys     prometheus.Gauge
	watermark       prometheus.Gauge
}

// NewPrometheusObserver creates an observer registered with reg. A nil
// registerer uses the default registry.
func NewPrometheusObserver(reg prometheus.Registerer, table string, partition int) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{
		"table":     table,
		"partition": strconv.Itoa(partition),
	}
	factory := promauto.With(reg)

	return &PrometheusObserver{
		upsertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "upsert_records_total",
				Help:        "Total number of winner decisions by outcome",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		segmentAddTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "upsert_segment_add_duration_seconds",
				Help:        "Duration of bulk segment loads in seconds",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
		),
		segmentsSkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "upsert_segments_skipped_total",
				Help:        "Total number of segments skipped by the metadata TTL gate",
				ConstLabels: labels,
			},
		),
		segmentRemoves: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "upsert_segment_remove_duration_seconds",
				Help:        "Duration of segment removals in seconds",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
		),
		preloadTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "upsert_preload_duration_seconds",
				Help:        "Duration of segment preloads in seconds",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
		),
		preloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "upsert_preload_errors_total",
				Help:        "Total number of failed segment preloads",
				ConstLabels: labels,
			},
		),
		expiredKeys: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "upsert_expired_keys_removed_total",
				Help:        "Total number of primary keys removed by the deleted-keys TTL sweep",
				ConstLabels: labels,
			},
		),
		primaryKeys: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "upsert_primary_keys",
				Help:        "Number of tracked primary keys",
				ConstLabels: labels,
			},
		),
		watermark: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "upsert_watermark",
				Help:        "Current TTL watermark in comparison-value units",
				ConstLabels: labels,
			},
		),
	}
}

// OnUpsert implements upsertmeta.MetricsObserver.
func (o *PrometheusObserver) OnUpsert(accepted bool) {
	if accepted {
		o.upsertsTotal.WithLabelValues("accepted").Inc()
	} else {
		o.upsertsTotal.WithLabelValues("rejected").Inc()
	}
}

// OnSegmentAdd implements upsertmeta.MetricsObserver.
func (o *PrometheusObserver) OnSegmentAdd(duration time.Duration, records int, skippedTTL bool) {
	o.segmentAddTime.Observe(duration.Seconds())
	if skippedTTL {
		o.segmentsSkipped.Inc()
	}
}

// OnSegmentRemove implements upsertmeta.MetricsObserver.
func (o *PrometheusObserver) OnSegmentRemove(duration time.Duration, removedKeys int) {
	o.segmentRemoves.Observe(duration.Seconds())
}

// OnPreload implements upsertmeta.MetricsObserver.
func (o *PrometheusObserver) OnPreload(duration time.Duration, records int, err error) {
	o.preloadTime.Observe(duration.Seconds())
	if err != nil {
		o.preloadErrors.Inc()
	}
}

// OnExpiredKeysRemoved implements upsertmeta.MetricsObserver.
func (o *PrometheusObserver) OnExpiredKeysRemoved(count int) {
	o.expiredKeys.Add(float64(count))
}

// OnKeyCount implements upsertmeta.MetricsObserver.
func (o *PrometheusObserver) OnKeyCount(count int) {
	o.primaryKeys.Set(float64(count))
}

// OnWatermark implements upsertmeta.MetricsObserver.
func (o *PrometheusObserver) OnWatermark(value float64) {
	o.watermark.Set(value)
}
