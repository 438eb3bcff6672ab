package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/chillatc/internal/model"
)

const sqliteLedgerSchema = `CREATE TABLE IF NOT EXISTS listening_ledger (
	user_id     TEXT PRIMARY KEY,
	minutes     INTEGER NOT NULL DEFAULT 0 CHECK (minutes >= 0),
	submissions INTEGER NOT NULL DEFAULT 0 CHECK (submissions >= 0),
	updated_at  TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

var sqliteLedgerQueries = ledgerQueries{
	selectAll: `SELECT user_id, minutes, submissions FROM listening_ledger`,
	deleteAll: `DELETE FROM listening_ledger`,
	insert: `INSERT INTO listening_ledger (user_id, minutes, submissions, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
}

// SQLiteLedgerRepo はローカルのSQLiteファイルを台帳ストアとして使用する。
type SQLiteLedgerRepo struct {
	db *sql.DB
}

// NewSQLiteLedgerRepo はスキーマを作成してSQLiteLedgerRepoを生成する。
// dbの所有権はリポジトリに移り、Closeで閉じられる。
func NewSQLiteLedgerRepo(ctx context.Context, db *sql.DB) (*SQLiteLedgerRepo, error) {
	if _, err := db.ExecContext(ctx, sqliteLedgerSchema); err != nil {
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return &SQLiteLedgerRepo{db: db}, nil
}

// ReadAll は台帳全体を読み込む。
func (r *SQLiteLedgerRepo) ReadAll(ctx context.Context) (model.Table, error) {
	return readLedger(ctx, r.db, sqliteLedgerQueries)
}

// OverwriteAll は台帳全体をrowsで置き換える。
func (r *SQLiteLedgerRepo) OverwriteAll(ctx context.Context, rows []model.LedgerEntry) error {
	return overwriteLedger(ctx, r.db, sqliteLedgerQueries, rows)
}

// Close はデータベースを閉じる。
func (r *SQLiteLedgerRepo) Close() error {
	return r.db.Close()
}

// compile-time interface check
var _ LedgerRepository = (*SQLiteLedgerRepo)(nil)
