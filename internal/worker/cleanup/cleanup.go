// Package cleanup は期限切れセッションの自動削除ジョブを提供する。
// 放棄されたログイン（code verifierを保持したままのセッション）も
// セッションの有効期限切れと同時に削除される。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SessionPurger は期限切れセッションを削除するインターフェース。
// repository.SessionRepositoryが実装する。
type SessionPurger interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は期限切れセッションの定期削除ジョブ。
// 冪等な削除処理のため、何度実行しても結果は変わらない。
type CleanupJob struct {
	sessions SessionPurger
	logger   *slog.Logger
	now      func() time.Time
	Interval time.Duration // 実行間隔（デフォルト: 1時間）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(sessions SessionPurger, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
		Interval: time.Hour,
	}
}

// Run は現在時刻で期限切れのセッションを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	deletedCount, err := j.sessions.DeleteExpired(ctx, start)
	if err != nil {
		j.logger.Error("session cleanup failed",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	j.logger.Info("session cleanup completed",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、以降Intervalごとに実行する。
// ctxがキャンセルされるまでブロックする。失敗はログに記録して次回に持ち越す。
func (j *CleanupJob) Start(ctx context.Context) {
	j.Run(ctx)

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}
