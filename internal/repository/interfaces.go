// Package repository はデータ永続化のインターフェースと実装を定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/chillatc/internal/model"
)

// LedgerRepository は再生時間台帳ストアの永続化インターフェース。
// 台帳は行単位の更新ではなく、全体の読み込みと全体の上書きで扱う。
type LedgerRepository interface {
	// ReadAll は台帳全体を読み込む。ストアが空の場合は空のテーブルを返す。
	ReadAll(ctx context.Context) (model.Table, error)

	// OverwriteAll は台帳全体をrowsで置き換える。
	// 途中で失敗した場合、ストアは書き込み前の内容のまま残らなければならない。
	OverwriteAll(ctx context.Context, rows []model.LedgerEntry) error

	// Close はストアが保持するリソースを解放する。
	Close() error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Load は指定IDのセッションを取得する。存在しないか期限切れの場合はnilを返す。
	Load(ctx context.Context, id string) (*model.Session, error)
	// Save はセッションを作成または更新する。
	Save(ctx context.Context, session *model.Session) error
	// Delete は指定IDのセッションを削除する。
	Delete(ctx context.Context, id string) error
	// DeleteExpired はbefore時点で期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
