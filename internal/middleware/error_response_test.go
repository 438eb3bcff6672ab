package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/chillatc/internal/model"
)

// TestWriteErrorResponse_WritesUnifiedFormat は統一エラーフォーマットでレスポンスが書き込まれることを検証する。
func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusConflict, model.NewPolicyMismatchError("manual"))

	resp := w.Result()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != model.ErrCodePolicyMismatch {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodePolicyMismatch)
	}
	if body.Category != "playback" {
		t.Errorf("category = %q, want %q", body.Category, "playback")
	}
	if body.Message == "" || body.Action == "" {
		t.Errorf("message and action should be set: %+v", body)
	}
}

// TestWriteInternalServerError_ReturnsSystemError は内部エラーが汎用メッセージで返ることを検証する。
func TestWriteInternalServerError_ReturnsSystemError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" || body.Category != "system" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusAccepted, map[string]int{"minutes": 3})

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if got := w.Body.String(); got != "{\"minutes\":3}\n" {
		t.Errorf("body = %q", got)
	}
}
