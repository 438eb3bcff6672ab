package handler

import (
	"bytes"
	"embed"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/chillatc/internal/config"
	"github.com/hitoshi/chillatc/internal/middleware"
	"github.com/hitoshi/chillatc/internal/model"
	"github.com/hitoshi/chillatc/internal/playback"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

var pageTemplate = template.Must(template.New("index.html").ParseFS(templateFS, "templates/index.html"))

// StaticHandler は埋め込みの静的ファイル（ブリッジスクリプト、CSS）を配信する。
func StaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

// PageHandler はトップページのHTMLを描画する。
type PageHandler struct {
	auth           AuthServiceInterface
	catalog        CatalogSource
	ledger         LedgerReader
	playback       StopwatchReader
	reportInterval time.Duration
	logger         *slog.Logger
}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler(auth AuthServiceInterface, catalog CatalogSource, ledger LedgerReader, playback StopwatchReader, reportInterval time.Duration, logger *slog.Logger) *PageHandler {
	return &PageHandler{
		auth:           auth,
		catalog:        catalog,
		ledger:         ledger,
		playback:       playback,
		reportInterval: reportInterval,
		logger:         logger,
	}
}

// pageData はindex.htmlに渡す値。
type pageData struct {
	Authenticated  bool
	DisplayName    string
	UserID         string
	Notices        []model.Notice
	CSRFToken      string
	Airports       []string
	Playlists      []string
	Selection      selectionResponse
	Manual         bool
	Stopwatch      *playback.StopwatchStatus
	ReportInterval int
	Mine           model.LedgerEntry
	Total          model.LedgerEntry
	LedgerWarning  string
}

// Index はログイン画面またはプレイヤー画面を返す。
// GET /
func (h *PageHandler) Index(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	cat := h.catalog.Current()

	data := pageData{
		Authenticated: h.auth.GetCredential(sess) != nil,
		DisplayName:   sess.DisplayName,
		UserID:        sess.UserID,
		Notices:       sess.TakeNotices(),
		CSRFToken:     sess.CSRFToken,
	}

	if data.Authenticated {
		data.Airports = cat.Airports()
		data.Playlists = cat.Playlists()
		data.Selection = resolveSelection(cat, sess)
		data.Manual = h.playback.Policy() == config.PolicyManual
		if data.Manual {
			data.Stopwatch = h.playback.Status(sess)
		}
		data.ReportInterval = int(h.reportInterval / time.Second)

		table, err := h.ledger.Read(r.Context())
		if err != nil {
			data.LedgerWarning = warningLedgerUnavailable
		}
		data.Mine = table[sess.UserID]
		data.Total = table.Total()
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		h.logger.Error("failed to render page", slog.String("error", err.Error()))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}
