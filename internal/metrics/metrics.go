// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 同期コンポーネントやクエリ実行層から利用する。
type MetricsCollector interface {
	RecordSyncCycle(component string)
	RecordStaleResult(component string)
	RecordQueryRetry(kind string)
	RecordQueryFailure(kind string)
	RecordQueryLatency(duration time.Duration)
	RecordCounterAdjustFailure(procedure string)
	RecordOptimisticRevert()
	RecordAuthEvent(event string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncCycles       *prometheus.CounterVec
	staleResults     *prometheus.CounterVec
	queryRetries     *prometheus.CounterVec
	queryFailures    *prometheus.CounterVec
	queryLatency     prometheus.Histogram
	counterAdjustErr *prometheus.CounterVec
	optimisticRevert prometheus.Counter
	authEvents       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hospiboard_sync_cycles_total",
			Help: "コンポーネント別の同期サイクル実行数",
		}, []string{"component"}),
		staleResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hospiboard_stale_results_total",
			Help: "世代不一致により破棄された結果の数",
		}, []string{"component"}),
		queryRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hospiboard_query_retries_total",
			Help: "エラー種別ごとのリモートクエリ再試行数",
		}, []string{"kind"}),
		queryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hospiboard_query_failures_total",
			Help: "エラー種別ごとのリモートクエリ最終失敗数",
		}, []string{"kind"}),
		queryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hospiboard_query_latency_seconds",
			Help:    "リモートクエリ1回あたりのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		counterAdjustErr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hospiboard_counter_adjust_failures_total",
			Help: "カウンター調整プロシージャの失敗数",
		}, []string{"procedure"}),
		optimisticRevert: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hospiboard_optimistic_reverts_total",
			Help: "楽観的更新の巻き戻し数",
		}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hospiboard_auth_events_total",
			Help: "認証状態変化イベントの数",
		}, []string{"event"}),
	}

	reg.MustRegister(
		c.syncCycles,
		c.staleResults,
		c.queryRetries,
		c.queryFailures,
		c.queryLatency,
		c.counterAdjustErr,
		c.optimisticRevert,
		c.authEvents,
	)

	return c
}

// RecordSyncCycle は同期サイクルの実行を記録する。
func (c *Collector) RecordSyncCycle(component string) {
	c.syncCycles.WithLabelValues(component).Inc()
}

// RecordStaleResult は破棄された古い結果を記録する。
func (c *Collector) RecordStaleResult(component string) {
	c.staleResults.WithLabelValues(component).Inc()
}

// RecordQueryRetry はクエリの再試行を記録する。
func (c *Collector) RecordQueryRetry(kind string) {
	c.queryRetries.WithLabelValues(kind).Inc()
}

// RecordQueryFailure はクエリの最終失敗を記録する。
func (c *Collector) RecordQueryFailure(kind string) {
	c.queryFailures.WithLabelValues(kind).Inc()
}

// RecordQueryLatency はクエリ1回のレイテンシを記録する。
func (c *Collector) RecordQueryLatency(duration time.Duration) {
	c.queryLatency.Observe(duration.Seconds())
}

// RecordCounterAdjustFailure はカウンター調整の失敗を記録する。
func (c *Collector) RecordCounterAdjustFailure(procedure string) {
	c.counterAdjustErr.WithLabelValues(procedure).Inc()
}

// RecordOptimisticRevert は楽観的更新の巻き戻しを記録する。
func (c *Collector) RecordOptimisticRevert() {
	c.optimisticRevert.Inc()
}

// RecordAuthEvent は認証イベントを記録する。
func (c *Collector) RecordAuthEvent(event string) {
	c.authEvents.WithLabelValues(event).Inc()
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordSyncCycle(string)            {}
func (NopCollector) RecordStaleResult(string)          {}
func (NopCollector) RecordQueryRetry(string)           {}
func (NopCollector) RecordQueryFailure(string)         {}
func (NopCollector) RecordQueryLatency(time.Duration)  {}
func (NopCollector) RecordCounterAdjustFailure(string) {}
func (NopCollector) RecordOptimisticRevert()           {}
func (NopCollector) RecordAuthEvent(string)            {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
