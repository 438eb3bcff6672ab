// Package ledger は全ユーザー共有の再生時間台帳への記録と読み込みを提供する。
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/chillatc/internal/model"
	"github.com/hitoshi/chillatc/internal/repository"
)

// ErrNegativeElapsed は負の経過秒数が渡されたことを表す。
var ErrNegativeElapsed = errors.New("elapsed seconds must not be negative")

// Metrics は台帳操作のメトリクス記録に必要なインターフェース。
type Metrics interface {
	RecordLedgerRead(result string)
	RecordLedgerWrite(result string)
	RecordMinutes(minutes int64)
}

// Ledger は台帳ストアに対する読み込みと加算記録を行う。
//
// 記録は「全体を読む → 加算 → 集計行を再計算 → 全体を上書き」で行う。
// セッション間のロックは行わないため、同時に記録した場合は後勝ちとなり
// 先の加算が失われることがある。
type Ledger struct {
	repo    repository.LedgerRepository
	timeout time.Duration
	metrics Metrics
	logger  *slog.Logger
}

// New はLedgerを生成する。timeoutはストア呼び出し1回あたりの上限。
func New(repo repository.LedgerRepository, timeout time.Duration, metrics Metrics, logger *slog.Logger) *Ledger {
	return &Ledger{
		repo:    repo,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
	}
}

// Load は台帳全体を読み込む。失敗した場合は空のテーブルを返す（エラーにしない）。
func (l *Ledger) Load(ctx context.Context) model.Table {
	table, err := l.Read(ctx)
	if err != nil {
		return model.Table{}
	}
	return table
}

// Read は台帳全体を読み込む。失敗した場合は空のテーブルと*model.LedgerErrorを返す。
func (l *Ledger) Read(ctx context.Context) (model.Table, error) {
	table, err := l.readStore(ctx)
	if err != nil {
		return model.Table{}, err
	}
	return table, nil
}

func (l *Ledger) readStore(ctx context.Context) (model.Table, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	table, err := l.repo.ReadAll(ctx)
	if err != nil {
		l.metrics.RecordLedgerRead("error")
		l.logger.Warn("ledger read failed", slog.String("error", err.Error()))
		return nil, &model.LedgerError{Op: model.LedgerOpRead, Err: err}
	}
	l.metrics.RecordLedgerRead("success")
	if table == nil {
		table = model.Table{}
	}
	return table, nil
}

// Record はelapsedSeconds分の再生時間をuserIDの行に加算し、更新後の台帳を返す。
//
// pendingは呼び出し元セッションの未反映分で、今回の加算もここに積まれる。
// 書き込みに成功した時点でpendingは空になる。読み込みまたは書き込みに失敗した
// 場合はpendingを残したまま*model.LedgerErrorを返し、次回の記録で再適用される。
// 1分未満の端数は切り捨て、持ち越さない。分数が0の場合は何もせずnil, nilを返す。
// 加算で台帳の値がint64を超える場合は書き込まずmodel.ErrCounterOverflowを返し、
// 今回の加算はpendingにも残さない。
func (l *Ledger) Record(ctx context.Context, pending model.Table, userID string, elapsedSeconds int) (model.Table, error) {
	if elapsedSeconds < 0 {
		return nil, ErrNegativeElapsed
	}
	minutes := int64(elapsedSeconds / 60)
	if minutes == 0 {
		return nil, nil
	}

	if !pending.CanAdd(userID, minutes, 1) {
		return nil, l.rejectOverflow(userID, minutes)
	}
	pending.Add(userID, minutes, 1)

	stored, err := l.readStore(ctx)
	if err != nil {
		// 読めなかった台帳に書き込むと他ユーザーの行を消してしまうため、書き込まない
		l.metrics.RecordMinutes(minutes)
		return model.Table{}.Merge(pending).Reconcile(), err
	}

	merged := stored.Merge(pending).Reconcile()
	if merged.Validate() != nil {
		// 桁あふれした行は全ユーザーの読み込みを壊すため、今回の加算ごと破棄する
		pending.Add(userID, -minutes, -1)
		if e := pending[userID]; e.Minutes == 0 && e.Submissions == 0 {
			delete(pending, userID)
		}
		return stored, l.rejectOverflow(userID, minutes)
	}
	l.metrics.RecordMinutes(minutes)

	wctx, cancel := l.withTimeout(ctx)
	defer cancel()
	if err := l.repo.OverwriteAll(wctx, merged.Rows()); err != nil {
		l.metrics.RecordLedgerWrite("error")
		l.logger.Warn("ledger write failed, keeping pending increments",
			slog.String("user_id", userID),
			slog.Int64("minutes", minutes),
			slog.String("error", err.Error()),
		)
		return merged, &model.LedgerError{Op: model.LedgerOpWrite, Err: err}
	}

	l.metrics.RecordLedgerWrite("success")
	for k := range pending {
		delete(pending, k)
	}
	l.logger.Info("listening time recorded",
		slog.String("user_id", userID),
		slog.Int64("minutes", minutes),
		slog.Int64("total_minutes", merged.Total().Minutes),
	)
	return merged, nil
}

func (l *Ledger) rejectOverflow(userID string, minutes int64) error {
	l.logger.Warn("ledger increment rejected: counter overflow",
		slog.String("user_id", userID),
		slog.Int64("minutes", minutes),
	)
	return fmt.Errorf("failed to record %d minutes for %s: %w", minutes, userID, model.ErrCounterOverflow)
}

func (l *Ledger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.timeout)
}
