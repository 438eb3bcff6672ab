package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/chillatc/internal/config"
	"github.com/hitoshi/chillatc/internal/middleware"
	"github.com/hitoshi/chillatc/internal/model"
	"github.com/hitoshi/chillatc/internal/playback"
)

// PlaybackControllerInterface は再生ハンドラーが必要とするコントローラーのインターフェース。
type PlaybackControllerInterface interface {
	Policy() config.CountingPolicy
	HandleReport(ctx context.Context, sess *model.Session, report playback.Report) (*playback.Outcome, error)
	Start(sess *model.Session) (*playback.Outcome, error)
	Stop(sess *model.Session) (*playback.Outcome, error)
	Submit(ctx context.Context, sess *model.Session) (*playback.Outcome, error)
	Status(sess *model.Session) *playback.StopwatchStatus
}

// ReportLimiter はWebSocketで届くレポートのレート制限を行う。
type ReportLimiter interface {
	AllowReport(sessionID string) bool
}

const (
	wsReadLimit  = 4096
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// PlaybackHandler はブラウザの再生面からのレポートを受け付けるHTTPハンドラー。
type PlaybackHandler struct {
	controller PlaybackControllerInterface
	sessions   middleware.SessionStore
	limiter    ReportLimiter
	logger     *slog.Logger
}

// NewPlaybackHandler はPlaybackHandlerを生成する。
func NewPlaybackHandler(controller PlaybackControllerInterface, sessions middleware.SessionStore, limiter ReportLimiter, logger *slog.Logger) *PlaybackHandler {
	return &PlaybackHandler{
		controller: controller,
		sessions:   sessions,
		limiter:    limiter,
		logger:     logger,
	}
}

// wsMessage はWebSocketで返す1フレーム分の応答。
type wsMessage struct {
	Type    string                        `json:"type"`
	Outcome *playback.Outcome             `json:"outcome,omitempty"`
	Error   *middleware.ErrorResponseBody `json:"error,omitempty"`
}

// Report は定期レポートを1件処理する。
// POST /api/playback/report
func (h *PlaybackHandler) Report(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())

	var report playback.Report
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidReportError("JSONとして解析できません。"))
		return
	}

	out, err := h.controller.HandleReport(r.Context(), sess, report)
	h.writeOutcome(w, out, err)
}

// Start は手動計測のストップウォッチを開始する。
// POST /api/playback/start
func (h *PlaybackHandler) Start(w http.ResponseWriter, r *http.Request) {
	out, err := h.controller.Start(middleware.SessionFromContext(r.Context()))
	h.writeOutcome(w, out, err)
}

// Stop は手動計測のストップウォッチを停止する。
// POST /api/playback/stop
func (h *PlaybackHandler) Stop(w http.ResponseWriter, r *http.Request) {
	out, err := h.controller.Stop(middleware.SessionFromContext(r.Context()))
	h.writeOutcome(w, out, err)
}

// Submit は累積した再生時間を台帳に記録する。
// POST /api/playback/submit
func (h *PlaybackHandler) Submit(w http.ResponseWriter, r *http.Request) {
	out, err := h.controller.Submit(r.Context(), middleware.SessionFromContext(r.Context()))
	h.writeOutcome(w, out, err)
}

func (h *PlaybackHandler) writeOutcome(w http.ResponseWriter, out *playback.Outcome, err error) {
	if err != nil {
		status, apiErr := h.playbackError(err)
		middleware.WriteErrorResponse(w, status, apiErr)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

func (h *PlaybackHandler) playbackError(err error) (int, *model.APIError) {
	switch {
	case errors.Is(err, playback.ErrPolicyMismatch):
		return http.StatusConflict, model.NewPolicyMismatchError(string(h.controller.Policy()))
	case errors.Is(err, playback.ErrInvalidReport):
		return http.StatusBadRequest, model.NewInvalidReportError("経過秒数は0以上である必要があります。")
	default:
		h.logger.Error("unexpected playback error", slog.String("error", err.Error()))
		return http.StatusInternalServerError, &model.APIError{
			Code:     "INTERNAL_ERROR",
			Message:  "内部エラーが発生しました。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		}
	}
}

// ServeWS は再生面とのWebSocket接続を処理する。
// テキストフレーム1つがReport1件に対応し、処理結果を1フレームで返す。
// 各フレームはHTTPのレポートと同じくセッションをロックして処理する。
// GET /api/playback/ws?csrf_token=xxx
func (h *PlaybackHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	// 1. アップグレード前にセッションとCSRFトークンを確認
	sessionID, ok := h.authorizeWS(w, r)
	if !ok {
		return
	}

	// 2. 接続をアップグレード
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(conn, done)

	h.logger.Info("playback bridge connected", slog.String("session_id", sessionID))

	// 3. レポートを1件ずつ処理
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("playback bridge closed unexpectedly",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		reply, closeConn := h.handleWSReport(r.Context(), sessionID, data)
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
		if closeConn {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reply.Error.Code),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}

// authorizeWS はログイン済みセッションかつCSRFトークンが一致する場合のみセッションIDを返す。
func (h *PlaybackHandler) authorizeWS(w http.ResponseWriter, r *http.Request) (string, bool) {
	var id string
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil {
		id = cookie.Value
	}

	sess, release, err := h.sessions.Acquire(r.Context(), id, false)
	if err != nil {
		h.logger.Error("failed to acquire session", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return "", false
	}
	defer release()

	if sess == nil || !sess.Authenticated() {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return "", false
	}

	token := r.URL.Query().Get(middleware.CSRFFormField)
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(sess.CSRFToken)) != 1 {
		h.logger.Warn("CSRF validation failed: websocket token mismatch",
			slog.String("session_id", sess.ID),
		)
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewCSRFInvalidError())
		return "", false
	}
	return sess.ID, true
}

// handleWSReport は1フレーム分のレポートを処理する。
// 戻り値のboolがtrueの場合は接続を閉じる。
func (h *PlaybackHandler) handleWSReport(ctx context.Context, sessionID string, data []byte) (wsMessage, bool) {
	if !h.limiter.AllowReport(sessionID) {
		return wsError(&model.APIError{
			Code:     model.ErrCodeRateLimited,
			Message:  "レポートの送信回数が上限を超えました。",
			Category: "playback",
			Action:   "しばらく待ってから再度お試しください。",
		}), false
	}

	var report playback.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return wsError(model.NewInvalidReportError("JSONとして解析できません。")), false
	}

	sess, release, err := h.sessions.Acquire(ctx, sessionID, false)
	if err != nil {
		h.logger.Error("failed to acquire session", slog.String("error", err.Error()))
		return wsError(&model.APIError{
			Code:     "INTERNAL_ERROR",
			Message:  "内部エラーが発生しました。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		}), false
	}
	defer release()

	// ログアウトまたはセッション失効後は接続を閉じる
	if sess == nil || !sess.Authenticated() {
		return wsError(model.NewUnauthenticatedError()), true
	}

	out, err := h.controller.HandleReport(ctx, sess, report)
	if err != nil {
		_, apiErr := h.playbackError(err)
		return wsError(apiErr), errors.Is(err, playback.ErrPolicyMismatch)
	}
	return wsMessage{Type: "outcome", Outcome: out}, false
}

func (h *PlaybackHandler) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func wsError(apiErr *model.APIError) wsMessage {
	return wsMessage{
		Type: "error",
		Error: &middleware.ErrorResponseBody{
			Code:     apiErr.Code,
			Message:  apiErr.Message,
			Category: apiErr.Category,
			Action:   apiErr.Action,
		},
	}
}
