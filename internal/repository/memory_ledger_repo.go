package repository

import (
	"context"
	"sync"

	"github.com/hitoshi/chillatc/internal/model"
)

// MemoryLedgerRepo はプロセス内メモリに台帳を保持する。開発・テスト用。
type MemoryLedgerRepo struct {
	mu    sync.Mutex
	table model.Table
}

// NewMemoryLedgerRepo はMemoryLedgerRepoを生成する。
func NewMemoryLedgerRepo() *MemoryLedgerRepo {
	return &MemoryLedgerRepo{table: model.Table{}}
}

// ReadAll は台帳のコピーを返す。
func (r *MemoryLedgerRepo) ReadAll(ctx context.Context) (model.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.Clone(), nil
}

// OverwriteAll は台帳全体をrowsで置き換える。
func (r *MemoryLedgerRepo) OverwriteAll(ctx context.Context, rows []model.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table = model.TableFromRows(rows)
	return nil
}

// Close は何もしない。
func (r *MemoryLedgerRepo) Close() error {
	return nil
}

// compile-time interface check
var _ LedgerRepository = (*MemoryLedgerRepo)(nil)
