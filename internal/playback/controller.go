// Package playback はブラウザの再生状況から計上対象の再生時間を判定し、台帳へ記録する。
package playback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/chillatc/internal/config"
	"github.com/hitoshi/chillatc/internal/model"
)

var (
	// ErrPolicyMismatch は設定中の計測ポリシーでは受け付けない操作であることを表す。
	ErrPolicyMismatch = errors.New("operation not allowed by counting policy")
	// ErrInvalidReport はレポートの内容が不正であることを表す。
	ErrInvalidReport = errors.New("invalid playback report")
)

// 記録しなかった理由
const (
	ReasonNotBothPlaying = "not_both_playing"
	ReasonUnderOneMinute = "under_one_minute"
	ReasonStarted        = "started"
	ReasonAlreadyRunning = "already_running"
	ReasonStopped        = "stopped"
	ReasonNotRunning     = "not_running"
	ReasonOverflow       = "counter_overflow"
)

// reportSlack はレポート間隔に対して許容する経過秒数の遅れ。
const reportSlack = 10 * time.Second

const (
	warningLedgerRead  = "台帳を読み込めなかったため、今回の記録は保存していません。このセッション内の記録は保持され、次回の記録時に反映されます。"
	warningLedgerWrite = "台帳に書き込めませんでした。このセッション内の記録は保持され、次回の記録時に再送されます。"
)

// Report はブラウザ側の再生面から定期的に届く再生状況。
type Report struct {
	ElapsedSeconds int  `json:"elapsed_seconds"`
	ATCPlaying     bool `json:"atc_playing"`
	MusicPlaying   bool `json:"music_playing"`
}

// StopwatchStatus は手動計測ポリシーのストップウォッチ状態。
type StopwatchStatus struct {
	Running            bool `json:"running"`
	AccumulatedSeconds int  `json:"accumulated_seconds"`
}

// Outcome は1回の操作の結果。台帳の失敗はWarningとして返し、操作自体は失敗させない。
type Outcome struct {
	Recorded     bool                `json:"recorded"`
	Persisted    bool                `json:"persisted"`
	MinutesAdded int64               `json:"minutes_added"`
	Snapshot     []model.LedgerEntry `json:"snapshot,omitempty"`
	Warning      string              `json:"warning,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	Stopwatch    *StopwatchStatus    `json:"stopwatch,omitempty"`
}

// Recorder は台帳への記録を行うインターフェース。ledger.Ledgerが実装する。
type Recorder interface {
	Record(ctx context.Context, pending model.Table, userID string, elapsedSeconds int) (model.Table, error)
}

// Metrics はレポート処理のメトリクス記録に必要なインターフェース。
type Metrics interface {
	RecordPlaybackReport(outcome string)
}

// Controller はセッションごとの再生状況を計測ポリシーに従って台帳へ記録する。
// 状態はすべてmodel.Sessionに保持し、Controller自体はセッション間で共有される。
type Controller struct {
	policy     config.CountingPolicy
	maxElapsed int
	recorder   Recorder
	metrics    Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewController はControllerを生成する。
// 1回のレポートで受け付ける経過秒数はreportIntervalに少しの遅れを加えた値までとする。
func NewController(policy config.CountingPolicy, reportInterval time.Duration, recorder Recorder, metrics Metrics, logger *slog.Logger) *Controller {
	return &Controller{
		policy:     policy,
		maxElapsed: int((reportInterval + reportSlack) / time.Second),
		recorder:   recorder,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// Policy は設定中の計測ポリシーを返す。
func (c *Controller) Policy() config.CountingPolicy {
	return c.policy
}

// HandleReport はboth_playingポリシーの定期レポートを処理する。
// ATCと音楽の両方が再生中の場合のみ経過秒数を記録する。
func (c *Controller) HandleReport(ctx context.Context, sess *model.Session, report Report) (*Outcome, error) {
	if c.policy != config.PolicyBothPlaying {
		c.metrics.RecordPlaybackReport("policy_mismatch")
		return nil, ErrPolicyMismatch
	}
	if report.ElapsedSeconds < 0 || report.ElapsedSeconds > c.maxElapsed {
		c.metrics.RecordPlaybackReport("invalid")
		return nil, ErrInvalidReport
	}
	if !report.ATCPlaying || !report.MusicPlaying {
		c.metrics.RecordPlaybackReport("dropped")
		return &Outcome{Reason: ReasonNotBothPlaying}, nil
	}

	out := c.record(ctx, sess, report.ElapsedSeconds)
	c.metrics.RecordPlaybackReport(reportResult(out))
	return out, nil
}

// Start は手動計測のストップウォッチを開始する。計測中の場合は何もしない。
func (c *Controller) Start(sess *model.Session) (*Outcome, error) {
	if c.policy != config.PolicyManual {
		return nil, ErrPolicyMismatch
	}
	if sess.Stopwatch.Running() {
		return &Outcome{Reason: ReasonAlreadyRunning, Stopwatch: c.status(sess)}, nil
	}
	now := c.now()
	sess.Stopwatch.StartedAt = &now
	return &Outcome{Reason: ReasonStarted, Stopwatch: c.status(sess)}, nil
}

// Stop はストップウォッチを停止し、経過時間を累積に加える。
func (c *Controller) Stop(sess *model.Session) (*Outcome, error) {
	if c.policy != config.PolicyManual {
		return nil, ErrPolicyMismatch
	}
	if !sess.Stopwatch.Running() {
		return &Outcome{Reason: ReasonNotRunning, Stopwatch: c.status(sess)}, nil
	}
	c.stopwatchStop(sess)
	return &Outcome{Reason: ReasonStopped, Stopwatch: c.status(sess)}, nil
}

// Submit はストップウォッチを停止し、累積秒数を記録してリセットする。
func (c *Controller) Submit(ctx context.Context, sess *model.Session) (*Outcome, error) {
	if c.policy != config.PolicyManual {
		return nil, ErrPolicyMismatch
	}
	if sess.Stopwatch.Running() {
		c.stopwatchStop(sess)
	}
	seconds := sess.Stopwatch.AccumulatedSeconds
	sess.Stopwatch = model.Stopwatch{}

	out := c.record(ctx, sess, seconds)
	out.Stopwatch = c.status(sess)
	c.metrics.RecordPlaybackReport(reportResult(out))
	return out, nil
}

// Status は現在のストップウォッチ状態を返す。
func (c *Controller) Status(sess *model.Session) *StopwatchStatus {
	return c.status(sess)
}

func (c *Controller) record(ctx context.Context, sess *model.Session, seconds int) *Outcome {
	table, err := c.recorder.Record(ctx, sess.PendingTable(), sess.UserID, seconds)
	if err == nil && table == nil {
		return &Outcome{Reason: ReasonUnderOneMinute}
	}
	if errors.Is(err, model.ErrCounterOverflow) {
		return &Outcome{Reason: ReasonOverflow, Snapshot: table.Rows()}
	}

	out := &Outcome{
		Recorded:     true,
		MinutesAdded: int64(seconds / 60),
		Snapshot:     table.Rows(),
	}
	switch {
	case err == nil:
		out.Persisted = true
	case errors.Is(err, model.ErrLedgerRead):
		out.Warning = warningLedgerRead
	case errors.Is(err, model.ErrLedgerWrite):
		out.Warning = warningLedgerWrite
	default:
		c.logger.Error("unexpected ledger error",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		out.Warning = warningLedgerWrite
	}
	return out
}

func (c *Controller) stopwatchStop(sess *model.Session) {
	elapsed := c.now().Sub(*sess.Stopwatch.StartedAt)
	if elapsed > 0 {
		sess.Stopwatch.AccumulatedSeconds += int(elapsed / time.Second)
	}
	sess.Stopwatch.StartedAt = nil
}

func (c *Controller) status(sess *model.Session) *StopwatchStatus {
	st := &StopwatchStatus{
		Running:            sess.Stopwatch.Running(),
		AccumulatedSeconds: sess.Stopwatch.AccumulatedSeconds,
	}
	if st.Running {
		if elapsed := c.now().Sub(*sess.Stopwatch.StartedAt); elapsed > 0 {
			st.AccumulatedSeconds += int(elapsed / time.Second)
		}
	}
	return st
}

func reportResult(out *Outcome) string {
	switch {
	case out.Persisted:
		return "recorded"
	case out.Recorded:
		return "pending"
	default:
		return "dropped"
	}
}
