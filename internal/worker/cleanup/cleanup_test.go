package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/chillatc/internal/model"
	"github.com/hitoshi/chillatc/internal/repository"
)

// SessionPurger インターフェースに対するモック実装
type mockPurger struct {
	mu      sync.Mutex
	calls   int
	before  time.Time
	deleted int64
	err     error
}

func (m *mockPurger) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.before = before
	return m.deleted, m.err
}

func (m *mockPurger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestNewCleanupJob_DefaultInterval(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockPurger{}, newTestLogger(&buf))

	if job == nil {
		t.Fatal("NewCleanupJob は nil を返してはならない")
	}
	if job.Interval != time.Hour {
		t.Errorf("Interval = %v, want 1h", job.Interval)
	}
}

func TestCleanupJob_Run_PassesCurrentTime(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockPurger{deleted: 3}
	job := NewCleanupJob(mock, newTestLogger(&buf))
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if !mock.before.Equal(now) {
		t.Errorf("before = %v, want %v", mock.before, now)
	}
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockPurger{deleted: 42}, newTestLogger(&buf))

	_ = job.Run(context.Background())

	// ログ出力に削除件数が含まれること
	found := false
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["deleted_count"] == float64(42) {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("ログに deleted_count=42 が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_ReturnsErrorOnStoreFailure(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockPurger{err: sql.ErrConnDone}, newTestLogger(&buf))

	err := job.Run(context.Background())
	if !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("Run() should wrap the store error, got %v", err)
	}
	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("エラーログが出力されていない: %s", buf.String())
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockPurger{}
	job := NewCleanupJob(mock, newTestLogger(&buf))
	job.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for mock.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start はキャンセル後に終了しなければならない")
	}
	if mock.callCount() < 3 {
		t.Errorf("expected at least 3 runs, got %d", mock.callCount())
	}
}

// メモリストアの期限切れセッションが実際に削除されること
func TestCleanupJob_Run_WithMemoryStore(t *testing.T) {
	var buf bytes.Buffer
	repo := repository.NewMemorySessionRepo()
	ctx := context.Background()

	repo.Save(ctx, &model.Session{ID: "expired", ExpiresAt: time.Now().Add(-time.Minute)})
	repo.Save(ctx, &model.Session{ID: "active", ExpiresAt: time.Now().Add(time.Hour)})

	job := NewCleanupJob(repo, newTestLogger(&buf))
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if sess, _ := repo.Load(ctx, "active"); sess == nil {
		t.Error("有効なセッションは残っていなければならない")
	}
	if !strings.Contains(buf.String(), `"deleted_count":1`) {
		t.Errorf("期限切れセッション1件が削除されていない: %s", buf.String())
	}
}
