package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/hitoshi/chillatc/internal/database"
)

// OpenLedger はロケーター文字列に応じた台帳ストアを開く。
//
//	postgres://… / postgresql://…  PostgreSQLのlistening_ledgerテーブル
//	sqlite://path                  SQLiteファイル
//	sheet://path.csv / file://…    CSVシート
//	memory://                      プロセス内メモリ
func OpenLedger(ctx context.Context, locator string) (LedgerRepository, error) {
	scheme, rest, ok := strings.Cut(locator, "://")
	if !ok {
		return nil, fmt.Errorf("invalid ledger locator %q: missing scheme", locator)
	}

	switch scheme {
	case "postgres", "postgresql":
		db, err := database.Open(locator)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to ledger database: %w", err)
		}
		return &PostgresLedgerRepo{db: db, owned: true}, nil

	case "sqlite":
		if rest == "" {
			return nil, fmt.Errorf("invalid ledger locator %q: missing path", locator)
		}
		db, err := database.OpenSQLite(rest)
		if err != nil {
			return nil, err
		}
		repo, err := NewSQLiteLedgerRepo(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return repo, nil

	case "sheet", "file":
		if rest == "" {
			return nil, fmt.Errorf("invalid ledger locator %q: missing path", locator)
		}
		return NewSheetLedgerRepo(rest), nil

	case "memory":
		return NewMemoryLedgerRepo(), nil

	default:
		return nil, fmt.Errorf("unsupported ledger scheme %q", scheme)
	}
}
