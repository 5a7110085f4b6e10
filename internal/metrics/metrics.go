// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ランクチェックワーカーとプロバイダクライアントから利用する。
type MetricsCollector interface {
	RecordCheckOutcome(outcome string)
	RecordProviderStatus(statusCode int)
	RecordProviderLatency(duration time.Duration)
	RecordProviderRetry()
	RecordReservation(result string)
	RecordTenantQuotaDenied()
	SetSweepRunning(running bool)
	RecordSweepDuration(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	checkOutcomes   *prometheus.CounterVec
	providerStatus  *prometheus.CounterVec
	providerLatency prometheus.Histogram
	providerRetries prometheus.Counter
	reservations    *prometheus.CounterVec
	quotaDenied     prometheus.Counter
	sweepRunning    prometheus.Gauge
	sweepDuration   prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		checkOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rankwatch_check_outcomes_total",
			Help: "キーワードチェックの結果別件数",
		}, []string{"outcome"}),
		providerStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rankwatch_provider_http_status_total",
			Help: "順位取得プロバイダのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		providerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rankwatch_provider_latency_seconds",
			Help:    "順位取得プロバイダ呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		providerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rankwatch_provider_retries_total",
			Help: "順位取得プロバイダ呼び出しのリトライ回数",
		}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rankwatch_provider_reservations_total",
			Help: "プロバイダクォータ予約の結果別件数",
		}, []string{"result"}),
		quotaDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rankwatch_tenant_quota_denied_total",
			Help: "テナントクォータ枯渇により拒否されたチェック数",
		}),
		sweepRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rankwatch_sweep_running",
			Help: "スイープ実行中なら1",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rankwatch_sweep_duration_seconds",
			Help:    "スイープ1回の所要時間（秒）",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}

	reg.MustRegister(
		c.checkOutcomes,
		c.providerStatus,
		c.providerLatency,
		c.providerRetries,
		c.reservations,
		c.quotaDenied,
		c.sweepRunning,
		c.sweepDuration,
	)

	return c
}

// RecordCheckOutcome はキーワードチェックの結果を記録する。
// outcomeは succeeded, failed, skipped_quota, skipped_provider_quota, skipped_in_flight のいずれか。
func (c *Collector) RecordCheckOutcome(outcome string) {
	c.checkOutcomes.WithLabelValues(outcome).Inc()
}

// RecordProviderStatus はプロバイダのHTTPステータスコードを記録する。
func (c *Collector) RecordProviderStatus(statusCode int) {
	c.providerStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordProviderLatency はプロバイダ呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(duration time.Duration) {
	c.providerLatency.Observe(duration.Seconds())
}

// RecordProviderRetry はプロバイダ呼び出しのリトライを記録する。
func (c *Collector) RecordProviderRetry() {
	c.providerRetries.Inc()
}

// RecordReservation はプロバイダクォータ予約の結果を記録する。
func (c *Collector) RecordReservation(result string) {
	c.reservations.WithLabelValues(result).Inc()
}

// RecordTenantQuotaDenied はテナントクォータ枯渇による拒否を記録する。
func (c *Collector) RecordTenantQuotaDenied() {
	c.quotaDenied.Inc()
}

// SetSweepRunning はスイープ実行状態を記録する。
func (c *Collector) SetSweepRunning(running bool) {
	if running {
		c.sweepRunning.Set(1)
		return
	}
	c.sweepRunning.Set(0)
}

// RecordSweepDuration はスイープの所要時間を記録する。
func (c *Collector) RecordSweepDuration(duration time.Duration) {
	c.sweepDuration.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// workerモードでAPIサーバーを起動しない場合に使用する。
// healthがnilでなければ/healthと/readyにも応答し、コンテナのヘルスチェックに使えるようにする。
func SetupMetricsRoute(gatherer prometheus.Gatherer, health, ready http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	if health != nil {
		mux.Handle("/health", health)
	}
	if ready != nil {
		mux.Handle("/ready", ready)
	}
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
