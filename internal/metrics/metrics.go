// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はアプリケーション全体で使うメトリクス記録のインターフェース。
// auth.Metrics, ledger.Metrics, playback.Metrics, stream.Metricsをまとめて満たす。
type Recorder interface {
	RecordLogin(result string)
	RecordTokenExchangeLatency(d time.Duration)
	RecordLedgerRead(result string)
	RecordLedgerWrite(result string)
	RecordMinutes(minutes int64)
	RecordPlaybackReport(outcome string)
	RecordStreamProbe(result string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	exchangeLatency prometheus.Histogram
	ledgerReads     *prometheus.CounterVec
	ledgerWrites    *prometheus.CounterVec
	minutes         prometheus.Counter
	playback        *prometheus.CounterVec
	streamProbes    *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chillatc_login_total",
			Help: "ログイン完了処理の結果別の回数",
		}, []string{"result"}),
		exchangeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chillatc_token_exchange_latency_seconds",
			Help:    "認可コードとトークンの交換にかかった時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		ledgerReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chillatc_ledger_reads_total",
			Help: "台帳読み込みの結果別の回数",
		}, []string{"result"}),
		ledgerWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chillatc_ledger_writes_total",
			Help: "台帳書き込みの結果別の回数",
		}, []string{"result"}),
		minutes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chillatc_minutes_recorded_total",
			Help: "記録された再生時間の合計（分）",
		}),
		playback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chillatc_playback_reports_total",
			Help: "再生レポートの処理結果別の回数",
		}, []string{"outcome"}),
		streamProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chillatc_stream_probe_total",
			Help: "ATCストリーム確認の結果別の回数",
		}, []string{"result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chillatc_http_responses_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.logins,
		c.exchangeLatency,
		c.ledgerReads,
		c.ledgerWrites,
		c.minutes,
		c.playback,
		c.streamProbes,
		c.httpStatus,
	)

	return c
}

// RecordLogin はログイン完了処理の結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordTokenExchangeLatency はトークン交換のレイテンシを記録する。
func (c *Collector) RecordTokenExchangeLatency(d time.Duration) {
	c.exchangeLatency.Observe(d.Seconds())
}

// RecordLedgerRead は台帳読み込みの結果を記録する。
func (c *Collector) RecordLedgerRead(result string) {
	c.ledgerReads.WithLabelValues(result).Inc()
}

// RecordLedgerWrite は台帳書き込みの結果を記録する。
func (c *Collector) RecordLedgerWrite(result string) {
	c.ledgerWrites.WithLabelValues(result).Inc()
}

// RecordMinutes は加算された分数を記録する。
func (c *Collector) RecordMinutes(minutes int64) {
	c.minutes.Add(float64(minutes))
}

// RecordPlaybackReport は再生レポートの処理結果を記録する。
func (c *Collector) RecordPlaybackReport(outcome string) {
	c.playback.WithLabelValues(outcome).Inc()
}

// RecordStreamProbe はストリーム確認の結果を記録する。
func (c *Collector) RecordStreamProbe(result string) {
	c.streamProbes.WithLabelValues(result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないRecorder。テストやmigrateサブコマンドで使う。
type Nop struct{}

func (Nop) RecordLogin(string)                       {}
func (Nop) RecordTokenExchangeLatency(time.Duration) {}
func (Nop) RecordLedgerRead(string)                  {}
func (Nop) RecordLedgerWrite(string)                 {}
func (Nop) RecordMinutes(int64)                      {}
func (Nop) RecordPlaybackReport(string)              {}
func (Nop) RecordStreamProbe(string)                 {}
func (Nop) RecordHTTPStatus(int)                     {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
