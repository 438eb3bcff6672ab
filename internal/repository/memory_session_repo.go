package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/chillatc/internal/model"
)

// MemorySessionRepo はプロセス内メモリにセッションを保持する。
// 保存時にJSONへ変換して保持するため、呼び出し元が保持するポインタとは共有しない。
type MemorySessionRepo struct {
	mu       sync.Mutex
	sessions map[string][]byte
	expires  map[string]time.Time
	now      func() time.Time
}

// NewMemorySessionRepo はMemorySessionRepoを生成する。
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{
		sessions: make(map[string][]byte),
		expires:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// Load は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *MemorySessionRepo) Load(_ context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	data, ok := r.sessions[id]
	exp := r.expires[id]
	r.mu.Unlock()

	if !ok || !exp.After(r.now()) {
		return nil, nil
	}
	session := &model.Session{}
	if err := json.Unmarshal(data, session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return session, nil
}

// Save はセッションを作成または更新する。
func (r *MemorySessionRepo) Save(_ context.Context, session *model.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = data
	r.expires[session.ID] = session.ExpiresAt
	return nil
}

// Delete は指定IDのセッションを削除する。
func (r *MemorySessionRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	delete(r.expires, id)
	return nil
}

// DeleteExpired はbefore時点で期限切れのセッションを削除する。
func (r *MemorySessionRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, exp := range r.expires {
		if !exp.After(before) {
			delete(r.sessions, id)
			delete(r.expires, id)
			n++
		}
	}
	return n, nil
}

// compile-time interface check
var _ SessionRepository = (*MemorySessionRepo)(nil)
