package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/chillatc/internal/middleware"
	"github.com/hitoshi/chillatc/internal/model"
)

// HealthChecker はヘルスチェックで依存先の疎通を確認する。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// SessionManager はセッションの取得とIDの付け替えを行う。session.Managerが実装する。
type SessionManager interface {
	middleware.SessionStore
	Rotate(ctx context.Context, sess *model.Session) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	Sessions      SessionManager
	Cookie        middleware.CookieConfig
	RateLimiter   *middleware.RateLimiter
	StatusMetrics middleware.StatusMetrics
	HSTS          bool

	// 運用
	HealthChecker  HealthChecker // nilの場合はDB確認を省略する
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	Sanitizer   TextSanitizer

	// カタログ・ストリーム
	Catalog CatalogSource
	Prober  StreamProber

	// 台帳・再生
	Ledger         LedgerReader
	Playback       PlaybackControllerInterface
	ReportInterval time.Duration
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → Session → CSRF → RateLimit(General)
//
// /health, /metrics, /static/* とWebSocketのルートはセッションミドルウェアの外に配置する。
// WebSocketはメッセージごとにセッションをロックするため。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.StatusMetrics))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))

	authHandler := NewAuthHandler(deps.AuthService, deps.Sessions, deps.Cookie, deps.Sanitizer, deps.Logger)
	pageHandler := NewPageHandler(deps.AuthService, deps.Catalog, deps.Ledger, deps.Playback, deps.ReportInterval, deps.Logger)
	sessionHandler := NewSessionHandler(deps.AuthService, deps.Playback, deps.ReportInterval)
	catalogHandler := NewCatalogHandler(deps.Catalog, deps.Prober, deps.Logger)
	ledgerHandler := NewLedgerHandler(deps.Ledger)
	playbackHandler := NewPlaybackHandler(deps.Playback, deps.Sessions, deps.RateLimiter, deps.Logger)

	// --- セッション不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/static/*", StaticHandler())

	// WebSocketブリッジ（認証とCSRFはアップグレード前にハンドラー内で確認）
	r.Get("/api/playback/ws", playbackHandler.ServeWS)

	// --- セッションを使うルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Sessions, deps.Cookie, deps.Logger))
		r.Use(middleware.NewCSRFMiddleware(deps.Logger))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// ページとOAuthフロー
		r.Get("/", pageHandler.Index)
		r.Get("/login", authHandler.Login)
		r.Get("/callback", authHandler.Callback)
		r.Post("/logout", authHandler.Logout)

		// 認証不要のAPI
		r.Get("/api/session", sessionHandler.GetSession)
		r.Get("/api/catalog", catalogHandler.GetCatalog)
		r.Get("/api/csrf-token", middleware.CSRFTokenHandler)

		// Spotifyログインが必要なAPI
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth)

			r.Get("/api/token", sessionHandler.GetToken)
			r.Get("/api/ledger", ledgerHandler.GetLedger)

			r.Route("/api/selection", func(r chi.Router) {
				r.Get("/", catalogHandler.GetSelection)
				r.Put("/", catalogHandler.UpdateSelection)
			})
			r.Get("/api/streams/{airport}/status", catalogHandler.GetStreamStatus)

			r.Route("/api/playback", func(r chi.Router) {
				// POST /api/playback/report - 定期レポート（レポート専用レート制限を追加）
				r.With(deps.RateLimiter.ReportMiddleware()).Post("/report", playbackHandler.Report)
				r.Post("/start", playbackHandler.Start)
				r.Post("/stop", playbackHandler.Stop)
				r.With(deps.RateLimiter.ReportMiddleware()).Post("/submit", playbackHandler.Submit)
			})
		})
	})

	return r
}

// healthHandler はプロセスと（設定されていれば）データベースの疎通を返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
