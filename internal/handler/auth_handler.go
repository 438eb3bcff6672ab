// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chillatc/internal/auth"
	"github.com/hitoshi/chillatc/internal/middleware"
	"github.com/hitoshi/chillatc/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	BeginLogin(sess *model.Session) (string, error)
	CompleteLogin(ctx context.Context, sess *model.Session, code, state string) (*model.Credential, error)
	ResolveIdentity(ctx context.Context, sess *model.Session) error
	GetCredential(sess *model.Session) *model.Credential
	Invalidate(sess *model.Session, reason string)
}

// TextSanitizer は外部由来のテキストを表示用に整える。
type TextSanitizer interface {
	Sanitize(raw string) string
}

// SessionRotator はログイン状態が変わったセッションのIDを付け替える。session.Managerが実装する。
type SessionRotator interface {
	Rotate(ctx context.Context, sess *model.Session) error
	MaxAge() time.Duration
}

// AuthHandler はSpotifyログインのHTTPハンドラー。
type AuthHandler struct {
	service   AuthServiceInterface
	sessions  SessionRotator
	cookie    middleware.CookieConfig
	sanitizer TextSanitizer
	logger    *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, sessions SessionRotator, cookie middleware.CookieConfig, sanitizer TextSanitizer, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service:   service,
		sessions:  sessions,
		cookie:    cookie,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// Login はPKCEの認可フローを開始する。
// GET /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())

	loginURL, err := h.service.BeginLogin(sess)
	if err != nil {
		h.logger.Error("failed to begin login",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// Callback は認可サーバーからのリダイレクトを処理する。
// 成否にかかわらずトップページへリダイレクトし、URLから認可コードを取り除く。
// GET /callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	q := r.URL.Query()

	// 1. ユーザーが同意画面で拒否した場合
	if providerErr := q.Get("error"); providerErr != "" {
		h.logger.Info("login declined at provider",
			slog.String("session_id", sess.ID),
			slog.String("error", providerErr),
		)
		h.service.Invalidate(sess, "provider_error")
		sess.AddNotice(model.NoticeWarning, "Spotifyへのログインがキャンセルされました: "+h.sanitizer.Sanitize(providerErr))
		redirectHome(w, r)
		return
	}

	// 2. 認可コードをトークンに交換
	if _, err := h.service.CompleteLogin(r.Context(), sess, q.Get("code"), q.Get("state")); err != nil {
		sess.AddNotice(model.NoticeError, h.loginFailureText(err))
		redirectHome(w, r)
		return
	}

	// 3. アカウントからユーザーIDを導出
	if err := h.service.ResolveIdentity(r.Context(), sess); err != nil {
		sess.AddNotice(model.NoticeError, "Spotifyがアクセストークンを受け付けませんでした。もう一度ログインしてください。")
		redirectHome(w, r)
		return
	}

	// 4. ログイン前のセッションIDを引き継がない
	if err := h.rotate(w, r, sess); err != nil {
		h.service.Invalidate(sess, "session_rotation_failed")
		sess.AddNotice(model.NoticeError, "ログインに失敗しました。もう一度お試しください。")
		redirectHome(w, r)
		return
	}

	sess.AddNotice(model.NoticeInfo, "Spotifyにログインしました。")
	redirectHome(w, r)
}

// Logout はクレデンシャルを破棄し、匿名のユーザーIDに戻す。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())

	h.service.Invalidate(sess, "logout")
	sess.UserID = "anon-" + uuid.NewString()
	sess.Anonymous = true
	sess.DisplayName = ""
	sess.Pending = nil
	sess.Stopwatch = model.Stopwatch{}

	// 失敗しても匿名化は済んでいるため、ログアウト自体は完了させる
	_ = h.rotate(w, r, sess)

	redirectHome(w, r)
}

// rotate はセッションIDを付け替え、新しいIDのCookieを発行する。
func (h *AuthHandler) rotate(w http.ResponseWriter, r *http.Request, sess *model.Session) error {
	if err := h.sessions.Rotate(r.Context(), sess); err != nil {
		h.logger.Error("failed to rotate session",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		return err
	}
	middleware.SetSessionCookie(w, h.cookie, sess.ID, h.sessions.MaxAge())
	return nil
}

// loginFailureText はログイン失敗の原因に応じた表示メッセージを返す。
func (h *AuthHandler) loginFailureText(err error) string {
	var aerr *model.AuthExchangeError
	if !errors.As(err, &aerr) {
		return "ログインに失敗しました。もう一度お試しください。"
	}

	switch aerr.Reason {
	case model.ReasonMissingVerifier:
		return "ログインの有効期限が切れたか、別のタブで開始されたログインです。もう一度ログインしてください。"
	case model.ReasonStateMismatch:
		return "ログイン要求を確認できませんでした。もう一度ログインしてください。"
	case model.ReasonCodeReused:
		return "この認可コードは使用済みです。もう一度ログインしてください。"
	case model.ReasonMissingCode:
		return "認可コードが含まれていません。もう一度ログインしてください。"
	case model.ReasonProviderRejected:
		msg := "Spotifyがログインを拒否しました。"
		if aerr.Err != nil {
			msg += " " + h.sanitizer.Sanitize(aerr.Err.Error())
		}
		return msg
	case model.ReasonMalformedResponse:
		return "Spotifyから不正な応答を受け取りました。もう一度ログインしてください。"
	default:
		return "Spotifyに接続できませんでした。しばらく待ってから再度ログインしてください。"
	}
}

func redirectHome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// compile-time interface check
var _ AuthServiceInterface = (*auth.Service)(nil)
