package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/chillatc/internal/model"
)

type mockLedgerReader struct {
	readFn func(ctx context.Context) (model.Table, error)
}

func (m *mockLedgerReader) Read(ctx context.Context) (model.Table, error) {
	if m.readFn != nil {
		return m.readFn(ctx)
	}
	return model.Table{}, nil
}

func TestLedgerHandler_GetLedger(t *testing.T) {
	table := model.Table{
		"spotify:alice": {UserID: "spotify:alice", Minutes: 12, Submissions: 3},
		"anon-2":        {UserID: "anon-2", Minutes: 5, Submissions: 1},
	}.Reconcile()
	h := NewLedgerHandler(&mockLedgerReader{
		readFn: func(ctx context.Context) (model.Table, error) { return table, nil },
	})

	w := httptest.NewRecorder()
	h.GetLedger(w, withSession(httptest.NewRequest(http.MethodGet, "/api/ledger", nil), authenticatedSession()))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body ledgerResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(body.Rows) != 3 || body.Rows[2].UserID != model.AggregateKey {
		t.Errorf("rows should end with the aggregate row: %+v", body.Rows)
	}
	if body.Total.Minutes != 17 {
		t.Errorf("total = %d, want 17", body.Total.Minutes)
	}
	if body.Mine.Minutes != 12 {
		t.Errorf("mine = %d, want 12", body.Mine.Minutes)
	}
	if body.Warning != "" {
		t.Errorf("unexpected warning: %q", body.Warning)
	}
}

func TestLedgerHandler_GetLedger_ReadFailureIsWarning(t *testing.T) {
	h := NewLedgerHandler(&mockLedgerReader{
		readFn: func(ctx context.Context) (model.Table, error) {
			return model.Table{}, &model.LedgerError{Op: model.LedgerOpRead, Err: fmt.Errorf("connection refused")}
		},
	})
	sess := authenticatedSession()
	sess.Pending = model.Table{"spotify:alice": {UserID: "spotify:alice", Minutes: 2, Submissions: 1}}

	w := httptest.NewRecorder()
	h.GetLedger(w, withSession(httptest.NewRequest(http.MethodGet, "/api/ledger", nil), sess))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body ledgerResponse
	json.NewDecoder(w.Body).Decode(&body)
	if body.Warning == "" {
		t.Error("read failure should produce a warning")
	}
	if body.Total.Minutes != 0 || body.Mine.UserID != "spotify:alice" {
		t.Errorf("expected empty ledger, got %+v", body)
	}
	if len(body.Pending) != 1 || body.Pending[0].Minutes != 2 {
		t.Errorf("pending minutes should be reported: %+v", body.Pending)
	}
}
