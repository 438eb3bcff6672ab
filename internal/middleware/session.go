// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/chillatc/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "chillatc_session"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var sessionContextKey = contextKey("session")

// SessionStore はセッションの取得に必要なインターフェース。session.Managerが実装する。
type SessionStore interface {
	Acquire(ctx context.Context, id string, create bool) (*model.Session, func(), error)
	MaxAge() time.Duration
}

// CookieConfig はセッションCookieの属性。
type CookieConfig struct {
	Secure bool
	Domain string
}

// NewSessionMiddleware はCookieのセッションIDでセッションを取得し、リクエストコンテキストに注入する。
// セッションがなければ匿名セッションを作成してCookieを発行する。
// ハンドラーの処理中はセッションをロックし、終了後に保存する。
func NewSessionMiddleware(store SessionStore, cfg CookieConfig, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id string
			if cookie, err := r.Cookie(SessionCookieName); err == nil {
				id = cookie.Value
			}

			sess, release, err := store.Acquire(r.Context(), id, true)
			if err != nil {
				logger.Error("failed to acquire session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			defer release()

			if sess.ID != id {
				SetSessionCookie(w, cfg, sess.ID, store.MaxAge())
			}
			annotateRequest(r.Context(), sess)

			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), sess)))
		})
	}
}

// SetSessionCookie はセッションCookieを設定する。
func SetSessionCookie(w http.ResponseWriter, cfg CookieConfig, id string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// RequireAuth はSpotifyにログイン済みのセッションのみを通すミドルウェア。
// NewSessionMiddlewareの後に配置する。
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := SessionFromContext(r.Context())
		if sess == nil || !sess.Authenticated() {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
// セッションミドルウェアを通過していない場合はnilを返す。
func SessionFromContext(ctx context.Context) *model.Session {
	sess, _ := ctx.Value(sessionContextKey).(*model.Session)
	return sess
}

// ContextWithSession はコンテキストにセッションを注入する。
// テストやWebSocketのメッセージ処理で使用する。
func ContextWithSession(ctx context.Context, sess *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, sess)
}
