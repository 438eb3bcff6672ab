package repository

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/hitoshi/chillatc/internal/model"
)

// SheetLedgerRepo はCSV形式のシートファイルを台帳ストアとして使用する。
// 1行目はヘッダー（user_id, minutes, submissions）。
// 書き込みは一時ファイルへの出力とrenameで行うため、途中で失敗しても元のシートは壊れない。
type SheetLedgerRepo struct {
	path string
	mu   sync.Mutex
}

// NewSheetLedgerRepo はSheetLedgerRepoを生成する。ファイルは最初の書き込み時に作成される。
func NewSheetLedgerRepo(path string) *SheetLedgerRepo {
	return &SheetLedgerRepo{path: path}
}

// ReadAll はシート全体を読み込む。ファイルが存在しない場合は空のテーブルを返す。
func (r *SheetLedgerRepo) ReadAll(ctx context.Context) (model.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open sheet: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse sheet: %w", err)
	}
	return parseSheet(records)
}

func parseSheet(records [][]string) (model.Table, error) {
	table := model.Table{}
	if len(records) == 0 {
		return table, nil
	}

	header := records[0]
	if len(header) != len(model.LedgerHeader) {
		return nil, fmt.Errorf("unexpected sheet header: %v", header)
	}
	for i, name := range model.LedgerHeader {
		if header[i] != name {
			return nil, fmt.Errorf("unexpected sheet header: %v", header)
		}
	}

	for i, rec := range records[1:] {
		line := i + 2
		if len(rec) != 3 || rec[0] == "" {
			return nil, fmt.Errorf("malformed sheet row at line %d", line)
		}
		minutes, err := strconv.ParseInt(rec[1], 10, 64)
		if err != nil || minutes < 0 {
			return nil, fmt.Errorf("invalid minutes at line %d: %q", line, rec[1])
		}
		submissions, err := strconv.ParseInt(rec[2], 10, 64)
		if err != nil || submissions < 0 {
			return nil, fmt.Errorf("invalid submissions at line %d: %q", line, rec[2])
		}
		table[rec[0]] = model.LedgerEntry{UserID: rec[0], Minutes: minutes, Submissions: submissions}
	}
	return table, nil
}

// OverwriteAll はシート全体をrowsで置き換える。
func (r *SheetLedgerRepo) OverwriteAll(ctx context.Context, rows []model.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".ledger-*.csv")
	if err != nil {
		return fmt.Errorf("failed to create temp sheet: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := csv.NewWriter(tmp)
	if err := w.Write(model.LedgerHeader); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write sheet header: %w", err)
	}
	for _, row := range rows {
		rec := []string{
			row.UserID,
			strconv.FormatInt(row.Minutes, 10),
			strconv.FormatInt(row.Submissions, 10),
		}
		if err := w.Write(rec); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write sheet row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush sheet: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync sheet: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close sheet: %w", err)
	}

	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("failed to replace sheet: %w", err)
	}
	return nil
}

// Close は何もしない。
func (r *SheetLedgerRepo) Close() error {
	return nil
}

// compile-time interface check
var _ LedgerRepository = (*SheetLedgerRepo)(nil)
