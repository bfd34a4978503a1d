// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// オーケストレーター、リスナー、Webhook送信から利用する。
type MetricsCollector interface {
	RecordSessionStarted(accountType string)
	RecordAuthTransition(status string)
	RecordContainerOp(op string, success bool)
	RecordListenerReconnect()
	SetListenersActive(n int)
	RecordWebhookDelivery(success bool, duration time.Duration)
	SetPortLeasesUsed(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sessionsStarted    *prometheus.CounterVec
	authTransitions    *prometheus.CounterVec
	containerOps       *prometheus.CounterVec
	listenerReconnects prometheus.Counter
	listenersActive    prometheus.Gauge
	webhookDeliveries  *prometheus.CounterVec
	webhookLatency     prometheus.Histogram
	portLeasesUsed     prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasgate_sessions_started_total",
			Help: "ログイン開始したセッションの合計数",
		}, []string{"type"}),
		authTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasgate_auth_transitions_total",
			Help: "遷移先ステート別の認証ステート遷移数",
		}, []string{"status"}),
		containerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasgate_container_ops_total",
			Help: "Dockerコンテナ操作の合計数",
		}, []string{"op", "result"}),
		listenerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasgate_listener_reconnects_total",
			Help: "イベントリスナーの再接続回数",
		}),
		listenersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tasgate_listeners_active",
			Help: "稼働中のイベントリスナー数",
		}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasgate_webhook_deliveries_total",
			Help: "Webhook送信の合計数",
		}, []string{"result"}),
		webhookLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tasgate_webhook_latency_seconds",
			Help:    "Webhook送信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		portLeasesUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tasgate_port_leases_used",
			Help: "使用中のホストポート数",
		}),
	}

	reg.MustRegister(
		c.sessionsStarted,
		c.authTransitions,
		c.containerOps,
		c.listenerReconnects,
		c.listenersActive,
		c.webhookDeliveries,
		c.webhookLatency,
		c.portLeasesUsed,
	)

	return c
}

// RecordSessionStarted はログイン開始を記録する。
func (c *Collector) RecordSessionStarted(accountType string) {
	c.sessionsStarted.WithLabelValues(accountType).Inc()
}

// RecordAuthTransition はステート遷移を記録する。
func (c *Collector) RecordAuthTransition(status string) {
	c.authTransitions.WithLabelValues(status).Inc()
}

// RecordContainerOp はコンテナ操作の結果を記録する。
func (c *Collector) RecordContainerOp(op string, success bool) {
	c.containerOps.WithLabelValues(op, result(success)).Inc()
}

// RecordListenerReconnect はリスナーの再接続を記録する。
func (c *Collector) RecordListenerReconnect() {
	c.listenerReconnects.Inc()
}

// SetListenersActive は稼働中リスナー数を設定する。
func (c *Collector) SetListenersActive(n int) {
	c.listenersActive.Set(float64(n))
}

// RecordWebhookDelivery はWebhook送信の結果とレイテンシを記録する。
func (c *Collector) RecordWebhookDelivery(success bool, duration time.Duration) {
	c.webhookDeliveries.WithLabelValues(result(success)).Inc()
	c.webhookLatency.Observe(duration.Seconds())
}

// SetPortLeasesUsed は使用中ポート数を設定する。
func (c *Collector) SetPortLeasesUsed(n int) {
	c.portLeasesUsed.Set(float64(n))
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
