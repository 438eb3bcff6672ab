package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/chillatc/internal/model"
)

// CountingPolicy は再生時間をいつ計上するかの方針。
type CountingPolicy string

const (
	// PolicyBothPlaying はATCと音楽の両方が再生中の時間のみを計上する。
	PolicyBothPlaying CountingPolicy = "both_playing"
	// PolicyManual はユーザーの開始・停止・送信操作の区間のみを計上する。
	PolicyManual CountingPolicy = "manual"
)

// Valid は既知のポリシーかどうかを返す。
func (p CountingPolicy) Valid() bool {
	return p == PolicyBothPlaying || p == PolicyManual
}

// defaultSpotifyScopes はWeb Playback SDKでの再生制御に必要なスコープ。
const defaultSpotifyScopes = "streaming user-read-email user-read-private user-read-playback-state user-modify-playback-state user-read-currently-playing"

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Spotify OAuth
	SpotifyClientID     string
	SpotifyClientSecret string // 空の場合はPKCEのみのパブリッククライアント
	SpotifyRedirectURL  string
	SpotifyScopes       string

	// Ledger
	LedgerURL     string
	LedgerTimeout time.Duration

	// Catalog
	CatalogPath string

	// Playback
	CountingPolicy CountingPolicy
	ReportInterval time.Duration

	// Outbound HTTP
	HTTPTimeout        time.Duration
	StreamProbeTimeout time.Duration

	// Session
	SessionStore  string // memory | postgres
	SessionMaxAge int
	DatabaseURL   string

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitReports int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定、または値が不正な場合は*model.ConfigErrorを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	cerr := &model.ConfigError{}

	cfg.SpotifyClientID = requireEnv(cerr, "SPOTIFY_CLIENT_ID")
	cfg.SpotifyRedirectURL = requireEnv(cerr, "SPOTIFY_REDIRECT_URL")
	cfg.BaseURL = requireEnv(cerr, "BASE_URL")
	cfg.LedgerURL = requireEnv(cerr, "LEDGER_URL")

	// Optional fields with defaults
	cfg.SpotifyClientSecret = os.Getenv("SPOTIFY_CLIENT_SECRET")
	cfg.SpotifyScopes = getEnvString("SPOTIFY_SCOPES", defaultSpotifyScopes)
	cfg.LedgerTimeout = getEnvDuration("LEDGER_TIMEOUT", 5*time.Second)
	cfg.CatalogPath = getEnvString("CATALOG_PATH", "resources/config.yml")
	cfg.CountingPolicy = CountingPolicy(getEnvString("COUNTING_POLICY", string(PolicyBothPlaying)))
	cfg.ReportInterval = getEnvDuration("REPORT_INTERVAL", 60*time.Second)
	cfg.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", 5*time.Second)
	cfg.StreamProbeTimeout = getEnvDuration("STREAM_PROBE_TIMEOUT", 4*time.Second)
	cfg.SessionStore = getEnvString("SESSION_STORE", "memory")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitReports = getEnvInt("RATE_LIMIT_REPORTS", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")

	cfg.validate(cerr)
	if !cerr.Empty() {
		return nil, cerr
	}

	return cfg, nil
}

// ConfidentialClient はクライアントシークレットによる認証を行うかどうかを返す。
func (c *Config) ConfidentialClient() bool {
	return c.SpotifyClientSecret != ""
}

// validate は値の整合性を検証し、問題をcerrに追記する。
func (c *Config) validate(cerr *model.ConfigError) {
	if !c.CountingPolicy.Valid() {
		cerr.Invalid = append(cerr.Invalid,
			fmt.Sprintf("COUNTING_POLICY must be %q or %q, got %q", PolicyBothPlaying, PolicyManual, c.CountingPolicy))
	}
	// 1分未満の間隔では毎回の端数切り捨てで再生時間が記録されない
	if c.ReportInterval < time.Minute {
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("REPORT_INTERVAL must be at least 1m, got %s", c.ReportInterval))
	}
	if c.SessionStore != "memory" && c.SessionStore != "postgres" {
		cerr.Invalid = append(cerr.Invalid,
			fmt.Sprintf("SESSION_STORE must be memory or postgres, got %q", c.SessionStore))
	}
	if c.SessionStore == "postgres" && c.DatabaseURL == "" {
		cerr.Missing = append(cerr.Missing, "DATABASE_URL")
	}
	if c.SpotifyRedirectURL != "" && !isAbsoluteHTTPURL(c.SpotifyRedirectURL) {
		cerr.Invalid = append(cerr.Invalid, "SPOTIFY_REDIRECT_URL must be an absolute http(s) URL")
	}
	if c.BaseURL != "" && !isAbsoluteHTTPURL(c.BaseURL) {
		cerr.Invalid = append(cerr.Invalid, "BASE_URL must be an absolute http(s) URL")
	}
}

func requireEnv(cerr *model.ConfigError, key string) string {
	v := os.Getenv(key)
	if v == "" {
		cerr.Missing = append(cerr.Missing, key)
	}
	return v
}

func isAbsoluteHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
