package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/chillatc/internal/model"
)

// ledgerQueries はSQL方言ごとの台帳クエリ。
type ledgerQueries struct {
	selectAll string
	deleteAll string
	insert    string
}

// readLedger はクエリ結果を台帳テーブルとして読み込む。
func readLedger(ctx context.Context, db *sql.DB, q ledgerQueries) (model.Table, error) {
	rows, err := db.QueryContext(ctx, q.selectAll)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	table := model.Table{}
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.UserID, &e.Minutes, &e.Submissions); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		table[e.UserID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger rows: %w", err)
	}
	return table, nil
}

// overwriteLedger は1トランザクション内で全行を削除し、rowsを挿入する。
// いずれかの文が失敗した場合はロールバックし、元の内容を残す。
func overwriteLedger(ctx context.Context, db *sql.DB, q ledgerQueries, rows []model.LedgerEntry) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, q.deleteAll); err != nil {
		return fmt.Errorf("failed to clear ledger: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, q.insert, r.UserID, r.Minutes, r.Submissions); err != nil {
			return fmt.Errorf("failed to insert ledger row %q: %w", r.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger: %w", err)
	}
	return nil
}
