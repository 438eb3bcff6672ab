package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/chillatc/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
// セッション本体はJSONBのdataカラムに保存する。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Load は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *PostgresSessionRepo) Load(ctx context.Context, id string) (*model.Session, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT data
		 FROM sessions
		 WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	session := &model.Session{}
	if err := json.Unmarshal(data, session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return session, nil
}

// Save はセッションを作成または更新する。
func (r *PostgresSessionRepo) Save(ctx context.Context, session *model.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, data, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET user_id = EXCLUDED.user_id,
		     data = EXCLUDED.data,
		     expires_at = EXCLUDED.expires_at,
		     updated_at = EXCLUDED.updated_at`,
		session.ID, session.UserID, data, session.ExpiresAt, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れセッションを削除する。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted sessions: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
