package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/chillatc/internal/auth"
	"github.com/hitoshi/chillatc/internal/config"
	"github.com/hitoshi/chillatc/internal/database"
	"github.com/hitoshi/chillatc/internal/handler"
	"github.com/hitoshi/chillatc/internal/ledger"
	"github.com/hitoshi/chillatc/internal/logger"
	"github.com/hitoshi/chillatc/internal/metrics"
	"github.com/hitoshi/chillatc/internal/middleware"
	"github.com/hitoshi/chillatc/internal/playback"
	"github.com/hitoshi/chillatc/internal/repository"
	"github.com/hitoshi/chillatc/internal/security"
	"github.com/hitoshi/chillatc/internal/session"
	"github.com/hitoshi/chillatc/internal/stream"
	"github.com/hitoshi/chillatc/internal/worker/cleanup"
)

// maxProviderTextLen はプロバイダー由来テキストを画面に表示する際の最大文字数。
const maxProviderTextLen = 200

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)
	if cmd == CommandHelp {
		Usage(w)
		return nil
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("counting_policy", string(cfg.CountingPolicy)),
		slog.String("session_store", cfg.SessionStore),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// application はserveモードで動作する全コンポーネントを保持する。
type application struct {
	handler  http.Handler
	catalog  *config.CatalogWatcher
	cleanup  *cleanup.CleanupJob
	limiter  *middleware.RateLimiter
	ledger   repository.LedgerRepository
	db       *sql.DB // SESSION_STORE=postgres の場合のみ
	registry *prometheus.Registry
}

// newApplication は設定から全依存関係をワイヤリングする。
// 途中で失敗した場合は確保済みのリソースを解放してエラーを返す。
func newApplication(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *application, err error) {
	a := &application{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// 1. メトリクス
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(a.registry)

	// 2. カタログ（初回読み込みに失敗した場合は起動しない）
	a.catalog, err = config.NewCatalogWatcher(cfg.CatalogPath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	// 3. セッションストア
	var sessionRepo repository.SessionRepository
	switch cfg.SessionStore {
	case "postgres":
		a.db, err = database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err = a.db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Info("database connection established")
		sessionRepo = repository.NewPostgresSessionRepo(a.db)
	default:
		sessionRepo = repository.NewMemorySessionRepo()
	}
	sessions := session.NewManager(sessionRepo, time.Duration(cfg.SessionMaxAge)*time.Second, log)

	// 4. 台帳ストア
	a.ledger, err = repository.OpenLedger(ctx, cfg.LedgerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	led := ledger.New(a.ledger, cfg.LedgerTimeout, collector, log)

	// 5. 認証
	provider := auth.NewSpotifyOAuthProvider(auth.SpotifyOAuthConfig{
		ClientID:     cfg.SpotifyClientID,
		ClientSecret: cfg.SpotifyClientSecret,
		RedirectURL:  cfg.SpotifyRedirectURL,
		Scopes:       cfg.SpotifyScopes,
	}, &http.Client{Timeout: cfg.HTTPTimeout})
	authService := auth.NewService(provider, collector, log)

	// 6. 外部ストリームとプロバイダー由来テキストの防御
	guard := security.NewOutboundGuard()
	prober := stream.NewProber(a.catalog, guard, cfg.StreamProbeTimeout, collector, log)
	sanitizer := security.NewTextSanitizer(maxProviderTextLen)

	// 7. 再生コントローラー
	controller := playback.NewController(cfg.CountingPolicy, cfg.ReportInterval, led, collector, log)

	// 8. レート制限と期限切れセッションの削除
	a.limiter = middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitReports), log)
	a.cleanup = cleanup.NewCleanupJob(sessionRepo, log)

	// 9. ルーターの構築
	deps := &handler.RouterDeps{
		Logger:   log,
		Sessions: sessions,
		Cookie: middleware.CookieConfig{
			Secure: cfg.CookieSecure,
			Domain: cfg.CookieDomain,
		},
		RateLimiter:    a.limiter,
		StatusMetrics:  collector,
		HSTS:           cfg.CookieSecure,
		MetricsHandler: metrics.Handler(a.registry),

		AuthService: authService,
		Sanitizer:   sanitizer,

		Catalog: a.catalog,
		Prober:  prober,

		Ledger:         led,
		Playback:       controller,
		ReportInterval: cfg.ReportInterval,
	}
	if a.db != nil {
		deps.HealthChecker = a.db
	}
	a.handler = handler.NewRouter(deps)

	return a, nil
}

// start はバックグラウンドジョブを起動する。ctxのキャンセルで停止する。
func (a *application) start(ctx context.Context) {
	go a.catalog.Run(ctx)
	go a.cleanup.Start(ctx)
}

// close は確保したリソースを解放する。
func (a *application) close() {
	if a.catalog != nil {
		a.catalog.Close()
	}
	if a.limiter != nil {
		a.limiter.Stop()
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			slog.Warn("failed to close ledger store", slog.String("error", err.Error()))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

// runServe はHTTPサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApplication(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.close()

	a.start(ctx)

	// WebSocket接続を維持するため、WriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("HTTP server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// セッションストアと台帳ストアのうちPostgreSQLを使うものすべてに適用する。
func runMigrate(cfg *config.Config) error {
	targets := migrationTargets(cfg)
	if len(targets) == 0 {
		slog.Info("no PostgreSQL store configured, skipping migrations")
		return nil
	}

	for _, url := range targets {
		slog.Info("running database migrations",
			slog.String("database_url", maskDatabaseURL(url)),
		)
		if err := database.RunMigrations(url); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// migrationTargets はマイグレーション対象のPostgreSQL URLを重複なく返す。
func migrationTargets(cfg *config.Config) []string {
	var targets []string
	if cfg.SessionStore == "postgres" && cfg.DatabaseURL != "" {
		targets = append(targets, cfg.DatabaseURL)
	}
	if isPostgresURL(cfg.LedgerURL) && !slices.Contains(targets, cfg.LedgerURL) {
		targets = append(targets, cfg.LedgerURL)
	}
	return targets
}

func isPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
