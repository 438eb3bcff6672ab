package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/chillatc/internal/middleware"
	"github.com/hitoshi/chillatc/internal/model"
)

// LedgerReader は台帳全体を読み込む。ledger.Ledgerが実装する。
type LedgerReader interface {
	Read(ctx context.Context) (model.Table, error)
}

const warningLedgerUnavailable = "台帳を読み込めませんでした。表示中の記録は最新ではない可能性があります。"

// LedgerHandler は台帳表示のHTTPハンドラー。
type LedgerHandler struct {
	ledger LedgerReader
}

// NewLedgerHandler はLedgerHandlerを生成する。
func NewLedgerHandler(ledger LedgerReader) *LedgerHandler {
	return &LedgerHandler{ledger: ledger}
}

// ledgerResponse は台帳表示のレスポンス。
// Pendingは台帳に未反映のこのセッションの加算分。
type ledgerResponse struct {
	Rows    []model.LedgerEntry `json:"rows"`
	Total   model.LedgerEntry   `json:"total"`
	Mine    model.LedgerEntry   `json:"mine"`
	Pending []model.LedgerEntry `json:"pending,omitempty"`
	Warning string              `json:"warning,omitempty"`
}

// GetLedger は台帳全体と自分の行を返す。
// 読み込みに失敗した場合も200で空の台帳と警告を返す。
// GET /api/ledger
func (h *LedgerHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())

	var resp ledgerResponse
	table, err := h.ledger.Read(r.Context())
	if err != nil {
		resp.Warning = warningLedgerUnavailable
	}

	resp.Rows = table.Rows()
	resp.Total = table.Total()
	resp.Mine = table[sess.UserID]
	resp.Mine.UserID = sess.UserID
	if len(sess.Pending) > 0 {
		resp.Pending = sess.Pending.Rows()
	}

	middleware.WriteJSON(w, http.StatusOK, resp)
}
