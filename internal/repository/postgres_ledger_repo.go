package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/chillatc/internal/model"
)

var postgresLedgerQueries = ledgerQueries{
	selectAll: `SELECT user_id, minutes, submissions FROM listening_ledger`,
	deleteAll: `DELETE FROM listening_ledger`,
	insert: `INSERT INTO listening_ledger (user_id, minutes, submissions, updated_at)
		 VALUES ($1, $2, $3, now())`,
}

// PostgresLedgerRepo はPostgreSQLのlistening_ledgerテーブルを台帳ストアとして使用する。
// テーブルはマイグレーションで作成される。
type PostgresLedgerRepo struct {
	db    *sql.DB
	owned bool
}

// NewPostgresLedgerRepo はPostgresLedgerRepoを生成する。
// dbは呼び出し元が所有し、Closeでは閉じない。
func NewPostgresLedgerRepo(db *sql.DB) *PostgresLedgerRepo {
	return &PostgresLedgerRepo{db: db}
}

// ReadAll は台帳全体を読み込む。
func (r *PostgresLedgerRepo) ReadAll(ctx context.Context) (model.Table, error) {
	return readLedger(ctx, r.db, postgresLedgerQueries)
}

// OverwriteAll は台帳全体をrowsで置き換える。
func (r *PostgresLedgerRepo) OverwriteAll(ctx context.Context, rows []model.LedgerEntry) error {
	return overwriteLedger(ctx, r.db, postgresLedgerQueries, rows)
}

// Close はOpenLedgerで開いた接続のみを閉じる。
func (r *PostgresLedgerRepo) Close() error {
	if r.owned {
		return r.db.Close()
	}
	return nil
}

// compile-time interface check
var _ LedgerRepository = (*PostgresLedgerRepo)(nil)
