// Package session はブラウザセッションの読み込み・作成・保存と、セッション単位の排他を提供する。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chillatc/internal/model"
	"github.com/hitoshi/chillatc/internal/repository"
)

// saveTimeout はリクエスト終了後のセッション保存に許す時間。
const saveTimeout = 5 * time.Second

// Manager はセッションストアへのアクセスとセッション単位のロックを管理する。
//
// 同一セッションへのリクエストはAcquireからreleaseまで直列化されるため、
// 1つのセッション内の記録は到着順に1件ずつ完了する。
type Manager struct {
	repo   repository.SessionRepository
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager はManagerを生成する。
func NewManager(repo repository.SessionRepository, maxAge time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		repo:   repo,
		maxAge: maxAge,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*keyLock),
	}
}

// MaxAge はセッションの有効期間を返す。
func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

// Acquire はidのセッションをロックして読み込む。
//
// セッションが存在しない（または期限切れの）場合、createがtrueなら新しいIDで
// 匿名セッションを作成し、falseならnilを返す。クライアントが提示したIDを
// そのまま新規セッションに使うことはない。
// 返されたreleaseは必ず1回呼び出すこと。呼び出すとセッションを保存してロックを解放する。
func (m *Manager) Acquire(ctx context.Context, id string, create bool) (*model.Session, func(), error) {
	if id != "" {
		m.lock(id)
		sess, err := m.repo.Load(ctx, id)
		if err != nil {
			m.unlock(id)
			return nil, func() {}, fmt.Errorf("failed to load session: %w", err)
		}
		if sess != nil {
			return sess, m.releaseFunc(ctx, sess), nil
		}
		m.unlock(id)
	}

	if !create {
		return nil, func() {}, nil
	}

	sess, err := m.newSession()
	if err != nil {
		return nil, func() {}, err
	}
	m.lock(sess.ID)
	m.logger.Info("session created", slog.String("session_id", sess.ID))
	return sess, m.releaseFunc(ctx, sess), nil
}

// Rotate はセッションの状態を新しいIDへ移し、古いIDのセッションを削除する。
// CSRFトークンも作り直す。AcquireしたセッションにreleaseFuncを呼ぶ前に使うこと。
// 以降のreleaseは新しいIDで保存し、ロックも新しいIDのものを解放する。
func (m *Manager) Rotate(ctx context.Context, sess *model.Session) error {
	id, err := randomHex(32)
	if err != nil {
		return fmt.Errorf("failed to generate session ID: %w", err)
	}
	csrf, err := randomHex(32)
	if err != nil {
		return fmt.Errorf("failed to generate CSRF token: %w", err)
	}

	oldID := sess.ID
	if err := m.repo.Delete(ctx, oldID); err != nil {
		return fmt.Errorf("failed to delete rotated session: %w", err)
	}

	// 呼び出し元が保持している古いIDのロックを新しいIDに付け替える
	m.lock(id)
	sess.ID = id
	sess.CSRFToken = csrf
	m.unlock(oldID)

	m.logger.Info("session rotated",
		slog.String("old_session_id", oldID),
		slog.String("session_id", id),
	)
	return nil
}

func (m *Manager) releaseFunc(ctx context.Context, sess *model.Session) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			defer m.unlock(sess.ID)

			now := m.now()
			sess.UpdatedAt = now
			sess.ExpiresAt = now.Add(m.maxAge)

			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
			defer cancel()
			if err := m.repo.Save(sctx, sess); err != nil {
				m.logger.Error("failed to save session",
					slog.String("session_id", sess.ID),
					slog.String("error", err.Error()),
				)
			}
		})
	}
}

func (m *Manager) newSession() (*model.Session, error) {
	id, err := randomHex(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}
	csrf, err := randomHex(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CSRF token: %w", err)
	}

	now := m.now()
	return &model.Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.maxAge),
		Phase:     model.PhaseUnauthenticated,
		UserID:    "anon-" + uuid.NewString(),
		Anonymous: true,
		CSRFToken: csrf,
	}, nil
}

func (m *Manager) lock(id string) {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &keyLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
}

func (m *Manager) unlock(id string) {
	m.mu.Lock()
	l := m.locks[id]
	l.refs--
	if l.refs == 0 {
		delete(m.locks, id)
	}
	m.mu.Unlock()

	l.mu.Unlock()
}

// randomHex は暗号的に安全な乱数をhex文字列で返す。
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
