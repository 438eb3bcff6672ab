package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/chillatc/internal/config"
	"github.com/hitoshi/chillatc/internal/middleware"
	"github.com/hitoshi/chillatc/internal/model"
	"github.com/hitoshi/chillatc/internal/stream"
)

// CatalogSource は現在のカタログを返す。config.CatalogWatcherが実装する。
type CatalogSource interface {
	Current() *config.Catalog
}

// StreamProber はATCストリームの状態確認を行う。stream.Proberが実装する。
type StreamProber interface {
	Probe(ctx context.Context, airport string) (stream.Status, error)
}

// CatalogHandler はカタログ・選択状態・ストリーム状態のHTTPハンドラー。
type CatalogHandler struct {
	catalog CatalogSource
	prober  StreamProber
	logger  *slog.Logger
}

// NewCatalogHandler はCatalogHandlerを生成する。
func NewCatalogHandler(catalog CatalogSource, prober StreamProber, logger *slog.Logger) *CatalogHandler {
	return &CatalogHandler{
		catalog: catalog,
		prober:  prober,
		logger:  logger,
	}
}

// catalogResponse はカタログのレスポンス。
type catalogResponse struct {
	Airports  []string `json:"airports"`
	Playlists []string `json:"playlists"`
}

// selectionRequest は選択状態の更新リクエスト。
type selectionRequest struct {
	Airport  string `json:"airport"`
	Playlist string `json:"playlist"`
}

// selectionResponse は選択中の空港とプレイリストの再生情報。
type selectionResponse struct {
	Airport     string `json:"airport"`
	StreamURL   string `json:"stream_url,omitempty"`
	Playlist    string `json:"playlist"`
	PlaylistURL string `json:"playlist_url,omitempty"`
	PlaylistURI string `json:"playlist_uri,omitempty"`
}

// GetCatalog は選択可能な空港とプレイリストの一覧を返す。
// GET /api/catalog
func (h *CatalogHandler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	cat := h.catalog.Current()
	middleware.WriteJSON(w, http.StatusOK, catalogResponse{
		Airports:  cat.Airports(),
		Playlists: cat.Playlists(),
	})
}

// GetSelection は現在の選択状態を返す。未選択の場合はカタログ先頭の項目を使う。
// GET /api/selection
func (h *CatalogHandler) GetSelection(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	middleware.WriteJSON(w, http.StatusOK, resolveSelection(h.catalog.Current(), sess))
}

// UpdateSelection は空港とプレイリストの選択を保存する。
// PUT /api/selection
func (h *CatalogHandler) UpdateSelection(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())

	var req selectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidSelectionError())
		return
	}

	cat := h.catalog.Current()
	if req.Airport != "" {
		if _, ok := cat.StreamURL(req.Airport); !ok {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewUnknownAirportError(req.Airport))
			return
		}
	}
	if req.Playlist != "" {
		if _, ok := cat.PlaylistURL(req.Playlist); !ok {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewUnknownPlaylistError(req.Playlist))
			return
		}
	}

	if req.Airport != "" {
		sess.Airport = req.Airport
	}
	if req.Playlist != "" {
		sess.Playlist = req.Playlist
	}

	middleware.WriteJSON(w, http.StatusOK, resolveSelection(cat, sess))
}

// GetStreamStatus は空港のATCストリームが再生可能かを返す。
// GET /api/streams/{airport}/status
func (h *CatalogHandler) GetStreamStatus(w http.ResponseWriter, r *http.Request) {
	airport := chi.URLParam(r, "airport")

	st, err := h.prober.Probe(r.Context(), airport)
	if err != nil {
		if errors.Is(err, stream.ErrUnknownAirport) {
			middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUnknownAirportError(airport))
			return
		}
		h.logger.Error("failed to probe stream",
			slog.String("airport", airport),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewStreamProbeError())
		return
	}

	middleware.WriteJSON(w, http.StatusOK, st)
}

// resolveSelection はセッションの選択をカタログと突き合わせる。
// カタログの再読み込みで消えた項目は先頭の項目に置き換える。
func resolveSelection(cat *config.Catalog, sess *model.Session) selectionResponse {
	airport := sess.Airport
	streamURL, ok := cat.StreamURL(airport)
	if !ok {
		if airports := cat.Airports(); len(airports) > 0 {
			airport = airports[0]
			streamURL, _ = cat.StreamURL(airport)
		}
	}

	playlist := sess.Playlist
	playlistURL, ok := cat.PlaylistURL(playlist)
	if !ok {
		if playlists := cat.Playlists(); len(playlists) > 0 {
			playlist = playlists[0]
			playlistURL, _ = cat.PlaylistURL(playlist)
		}
	}

	return selectionResponse{
		Airport:     airport,
		StreamURL:   streamURL,
		Playlist:    playlist,
		PlaylistURL: playlistURL,
		PlaylistURI: config.PlaylistURI(playlistURL),
	}
}
