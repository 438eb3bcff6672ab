package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/chillatc/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）
	GeneralBurst    int           // API全般のバーストサイズ
	ReportRate      rate.Limit    // 再生レポートのレート（req/sec）
	ReportBurst     int           // 再生レポートのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// NewRateLimiterConfig は1分あたりのリクエスト数からレート制限設定を作る。
func NewRateLimiterConfig(generalPerMin, reportsPerMin int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMin) / 60.0),
		GeneralBurst:    generalPerMin,
		ReportRate:      rate.Limit(float64(reportsPerMin) / 60.0),
		ReportBurst:     reportsPerMin,
		CleanupInterval: 5 * time.Minute,
	}
}

// keyedLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet はキー（セッションID）ごとのリミッターの集合。
type limiterSet struct {
	name  string
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*keyedLimiter
}

func newLimiterSet(name string, limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		name:     name,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*keyedLimiter),
	}
}

func (s *limiterSet) allow(key string, now time.Time) bool {
	s.mu.Lock()
	kl, ok := s.limiters[key]
	if !ok {
		kl = &keyedLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[key] = kl
	}
	kl.lastAccess = now
	s.mu.Unlock()

	return kl.limiter.AllowN(now, 1)
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

func (s *limiterSet) evict(before time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, kl := range s.limiters {
		if kl.lastAccess.Before(before) {
			delete(s.limiters, key)
		}
	}
}

// RateLimiter はセッションごとのレート制限を管理する。
// API全般と再生レポートの2種類を独立に制限する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterSet
	reports *limiterSet
	logger  *slog.Logger
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		general: newLimiterSet("general", config.GeneralRate, config.GeneralBurst),
		reports: newLimiterSet("reports", config.ReportRate, config.ReportBurst),
		logger:  logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// NewSessionMiddlewareの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general)
}

// ReportMiddleware は再生レポート専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) ReportMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.reports)
}

// AllowReport はWebSocket経由の再生レポート1件を許可するかどうかを返す。
func (rl *RateLimiter) AllowReport(sessionID string) bool {
	return rl.allow(rl.reports, sessionID)
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// ReportLimiterCount は現在管理されている再生レポートリミッターのエントリ数を返す。
func (rl *RateLimiter) ReportLimiterCount() int {
	return rl.reports.len()
}

func (rl *RateLimiter) middleware(set *limiterSet) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := SessionFromContext(r.Context())
			if sess == nil {
				WriteInternalServerError(w)
				return
			}

			if !rl.allow(set, sess.ID) {
				writeRateLimitResponse(w, set.limit)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(set *limiterSet, key string) bool {
	if set.allow(key, rl.now()) {
		return true
	}
	rl.logger.Warn("rate limit exceeded",
		slog.String("session_id", key),
		slog.String("limit_type", set.name),
	)
	return false
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍より古いエントリを削除する。
func (rl *RateLimiter) cleanup() {
	before := rl.now().Add(-2 * rl.config.CleanupInterval)
	rl.general.evict(before)
	rl.reports.evict(before)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, limit rate.Limit) {
	retryAfterSec := 1
	if limit > 0 {
		retryAfterSec = int(math.Max(1, math.Ceil(1.0/float64(limit))))
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:     model.ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
