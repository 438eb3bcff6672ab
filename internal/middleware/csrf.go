package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/chillatc/internal/model"
)

const (
	// CSRFHeaderName はブリッジスクリプトがトークンを送るヘッダー名。
	CSRFHeaderName = "X-CSRF-Token"

	// CSRFFormField はHTMLフォームがトークンを送るフィールド名。
	CSRFFormField = "csrf_token"
)

// NewCSRFMiddleware はセッションに保持したトークンとリクエストのトークンを照合するミドルウェアを返す。
// 安全なメソッド（GET, HEAD, OPTIONS）は検証をスキップする。
// NewSessionMiddlewareの後に配置する。
func NewCSRFMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			sess := SessionFromContext(r.Context())
			if sess == nil || sess.CSRFToken == "" {
				logger.Warn("CSRF validation failed: no session token",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewCSRFInvalidError())
				return
			}

			token := r.Header.Get(CSRFHeaderName)
			if token == "" {
				token = r.PostFormValue(CSRFFormField)
			}
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(sess.CSRFToken)) != 1 {
				logger.Warn("CSRF validation failed: token mismatch",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("session_id", sess.ID),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewCSRFInvalidError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CSRFTokenHandler は現在のセッションのCSRFトークンを返す。
// GET /api/csrf-token
func CSRFTokenHandler(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if sess == nil {
		WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(map[string]string{
		"token": sess.CSRFToken,
	})
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
