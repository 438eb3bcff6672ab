package middleware

import (
	"net/http"
	"strings"
)

// contentSecurityPolicy はSpotify Web Playback SDKと外部ATCストリームの再生を許可するCSP。
var contentSecurityPolicy = strings.Join([]string{
	"default-src 'self'",
	"script-src 'self' https://sdk.scdn.co",
	"frame-src https://sdk.scdn.co https://open.spotify.com",
	"connect-src 'self' ws: wss: https://api.spotify.com",
	"media-src 'self' https: http:",
	"img-src 'self' data: https://i.scdn.co",
	"style-src 'self'",
	"object-src 'none'",
	"base-uri 'self'",
	"form-action 'self' https://accounts.spotify.com",
	"frame-ancestors 'none'",
}, "; ")

// NewSecurityHeadersMiddleware はセキュリティ関連のHTTPレスポンスヘッダーを付与するミドルウェアを返す。
// hstsがtrueの場合はStrict-Transport-Securityも付与する。
func NewSecurityHeadersMiddleware(hsts bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Content-Security-Policy", contentSecurityPolicy)
			if hsts {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}
