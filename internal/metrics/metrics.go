// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・webhook取り込み・スイープワーカーから利用する。
type MetricsCollector interface {
	RecordGrant(outcome string)
	RecordInviteIssued()
	RecordInviteConsumed()
	RecordJoinApproved()
	RecordJoinDeclined()
	RecordExpiration()
	RecordRemoval()
	RecordRemovalFailure()
	RecordWebhookProcessed(kind string)
	RecordWebhookDuplicate()
	RecordTelegramAPILatency(method string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	grants             *prometheus.CounterVec
	invitesIssued      prometheus.Counter
	invitesConsumed    prometheus.Counter
	joinsApproved      prometheus.Counter
	joinsDeclined      prometheus.Counter
	expirations        prometheus.Counter
	removals           prometheus.Counter
	removalFailures    prometheus.Counter
	webhookProcessed   *prometheus.CounterVec
	webhookDuplicates  prometheus.Counter
	telegramAPILatency *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeep_grants_total",
			Help: "アクセス付与の結果別合計数",
		}, []string{"outcome"}),
		invitesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeep_invites_issued_total",
			Help: "発行された招待リンクの合計数",
		}),
		invitesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeep_invites_consumed_total",
			Help: "消費された招待リンクの合計数",
		}),
		joinsApproved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeep_joins_approved_total",
			Help: "承認された参加リクエストの合計数",
		}),
		joinsDeclined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeep_joins_declined_total",
			Help: "拒否された参加リクエストの合計数",
		}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeep_expirations_total",
			Help: "期限切れに遷移したメンバーシップの合計数",
		}),
		removals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeep_removals_total",
			Help: "チャンネルから除去されたメンバーシップの合計数",
		}),
		removalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeep_removal_failures_total",
			Help: "リモート除去に失敗した回数の合計",
		}),
		webhookProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeep_webhook_processed_total",
			Help: "処理されたwebhook更新の種別別合計数",
		}, []string{"kind"}),
		webhookDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeep_webhook_duplicates_total",
			Help: "重複排除されたwebhook更新の合計数",
		}),
		telegramAPILatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatekeep_telegram_api_latency_seconds",
			Help:    "Telegram API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}

	reg.MustRegister(
		c.grants,
		c.invitesIssued,
		c.invitesConsumed,
		c.joinsApproved,
		c.joinsDeclined,
		c.expirations,
		c.removals,
		c.removalFailures,
		c.webhookProcessed,
		c.webhookDuplicates,
		c.telegramAPILatency,
	)

	return c
}

// RecordGrant はアクセス付与の結果を記録する。
func (c *Collector) RecordGrant(outcome string) {
	c.grants.WithLabelValues(outcome).Inc()
}

// RecordInviteIssued は招待リンクの発行を記録する。
func (c *Collector) RecordInviteIssued() {
	c.invitesIssued.Inc()
}

// RecordInviteConsumed は招待リンクの消費を記録する。
func (c *Collector) RecordInviteConsumed() {
	c.invitesConsumed.Inc()
}

// RecordJoinApproved は参加リクエストの承認を記録する。
func (c *Collector) RecordJoinApproved() {
	c.joinsApproved.Inc()
}

// RecordJoinDeclined は参加リクエストの拒否を記録する。
func (c *Collector) RecordJoinDeclined() {
	c.joinsDeclined.Inc()
}

// RecordExpiration はメンバーシップの期限切れ遷移を記録する。
func (c *Collector) RecordExpiration() {
	c.expirations.Inc()
}

// RecordRemoval はメンバーシップの除去完了を記録する。
func (c *Collector) RecordRemoval() {
	c.removals.Inc()
}

// RecordRemovalFailure はリモート除去の失敗を記録する。
func (c *Collector) RecordRemovalFailure() {
	c.removalFailures.Inc()
}

// RecordWebhookProcessed は処理されたwebhook更新を種別付きで記録する。
func (c *Collector) RecordWebhookProcessed(kind string) {
	c.webhookProcessed.WithLabelValues(kind).Inc()
}

// RecordWebhookDuplicate は重複排除されたwebhook更新を記録する。
func (c *Collector) RecordWebhookDuplicate() {
	c.webhookDuplicates.Inc()
}

// RecordTelegramAPILatency はTelegram API呼び出しのレイテンシを記録する。
func (c *Collector) RecordTelegramAPILatency(method string, duration time.Duration) {
	c.telegramAPILatency.WithLabelValues(method).Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
