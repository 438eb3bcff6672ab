package handler

import (
	"net/http"
	"time"

	"github.com/hitoshi/chillatc/internal/config"
	"github.com/hitoshi/chillatc/internal/middleware"
	"github.com/hitoshi/chillatc/internal/model"
	"github.com/hitoshi/chillatc/internal/playback"
)

// StopwatchReader は手動計測ポリシーのストップウォッチ状態を返す。
type StopwatchReader interface {
	Policy() config.CountingPolicy
	Status(sess *model.Session) *playback.StopwatchStatus
}

// SessionHandler はセッション情報とアクセストークンのHTTPハンドラー。
type SessionHandler struct {
	auth           AuthServiceInterface
	playback       StopwatchReader
	reportInterval time.Duration
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(auth AuthServiceInterface, playback StopwatchReader, reportInterval time.Duration) *SessionHandler {
	return &SessionHandler{
		auth:           auth,
		playback:       playback,
		reportInterval: reportInterval,
	}
}

// sessionResponse はセッション情報のレスポンス。アクセストークンは含めない。
type sessionResponse struct {
	Authenticated         bool                      `json:"authenticated"`
	Phase                 model.AuthPhase           `json:"phase"`
	UserID                string                    `json:"user_id"`
	Anonymous             bool                      `json:"anonymous"`
	DisplayName           string                    `json:"display_name,omitempty"`
	CountingPolicy        config.CountingPolicy     `json:"counting_policy"`
	ReportIntervalSeconds int                       `json:"report_interval_seconds"`
	Stopwatch             *playback.StopwatchStatus `json:"stopwatch,omitempty"`
	Airport               string                    `json:"airport,omitempty"`
	Playlist              string                    `json:"playlist,omitempty"`
	Notices               []model.Notice            `json:"notices"`
}

// tokenResponse はWeb Playback SDKに渡すアクセストークン。
type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// GetSession は現在のセッション情報を返す。
// 未表示のフラッシュメッセージはここで取り出される。
// GET /api/session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())

	// 期限切れのクレデンシャルはここで破棄される
	authenticated := h.auth.GetCredential(sess) != nil

	resp := sessionResponse{
		Authenticated:         authenticated,
		Phase:                 sess.Phase,
		UserID:                sess.UserID,
		Anonymous:             sess.Anonymous,
		DisplayName:           sess.DisplayName,
		CountingPolicy:        h.playback.Policy(),
		ReportIntervalSeconds: int(h.reportInterval / time.Second),
		Airport:               sess.Airport,
		Playlist:              sess.Playlist,
		Notices:               sess.TakeNotices(),
	}
	if resp.Notices == nil {
		resp.Notices = []model.Notice{}
	}
	if h.playback.Policy() == config.PolicyManual {
		resp.Stopwatch = h.playback.Status(sess)
	}

	middleware.WriteJSON(w, http.StatusOK, resp)
}

// GetToken はブラウザのWeb Playback SDKが使うアクセストークンを返す。
// GET /api/token
func (h *SessionHandler) GetToken(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())

	cred := h.auth.GetCredential(sess)
	if cred == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	middleware.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: cred.AccessToken,
		ExpiresAt:   cred.ExpiresAt,
	})
}
