package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/chillatc/internal/middleware"
	"github.com/hitoshi/chillatc/internal/model"
	"github.com/hitoshi/chillatc/internal/security"
)

// --- モック定義 ---

type mockAuthService struct {
	beginLoginFn      func(sess *model.Session) (string, error)
	completeLoginFn   func(ctx context.Context, sess *model.Session, code, state string) (*model.Credential, error)
	resolveIdentityFn func(ctx context.Context, sess *model.Session) error
	getCredentialFn   func(sess *model.Session) *model.Credential
	invalidateFn      func(sess *model.Session, reason string)
}

func (m *mockAuthService) BeginLogin(sess *model.Session) (string, error) {
	if m.beginLoginFn != nil {
		return m.beginLoginFn(sess)
	}
	return "", nil
}

func (m *mockAuthService) CompleteLogin(ctx context.Context, sess *model.Session, code, state string) (*model.Credential, error) {
	if m.completeLoginFn != nil {
		return m.completeLoginFn(ctx, sess, code, state)
	}
	return nil, nil
}

func (m *mockAuthService) ResolveIdentity(ctx context.Context, sess *model.Session) error {
	if m.resolveIdentityFn != nil {
		return m.resolveIdentityFn(ctx, sess)
	}
	return nil
}

func (m *mockAuthService) GetCredential(sess *model.Session) *model.Credential {
	if m.getCredentialFn != nil {
		return m.getCredentialFn(sess)
	}
	return sess.Credential
}

func (m *mockAuthService) Invalidate(sess *model.Session, reason string) {
	if m.invalidateFn != nil {
		m.invalidateFn(sess, reason)
		return
	}
	sess.Credential = nil
	sess.Phase = model.PhaseUnauthenticated
}

type mockRotator struct {
	calls    int
	rotateFn func(ctx context.Context, sess *model.Session) error
}

func (m *mockRotator) Rotate(ctx context.Context, sess *model.Session) error {
	m.calls++
	if m.rotateFn != nil {
		return m.rotateFn(ctx, sess)
	}
	sess.ID = fmt.Sprintf("rotated-%d", m.calls)
	return nil
}

func (m *mockRotator) MaxAge() time.Duration { return time.Hour }

// --- ヘルパー ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func withSession(r *http.Request, sess *model.Session) *http.Request {
	return r.WithContext(middleware.ContextWithSession(r.Context(), sess))
}

func anonymousSession() *model.Session {
	return &model.Session{
		ID:        "session-1",
		Phase:     model.PhaseUnauthenticated,
		UserID:    "anon-1",
		Anonymous: true,
		CSRFToken: "csrf-1",
	}
}

func authenticatedSession() *model.Session {
	sess := anonymousSession()
	sess.Phase = model.PhaseAuthenticated
	sess.Credential = &model.Credential{AccessToken: "token-1", TokenType: "Bearer"}
	sess.UserID = "spotify:alice"
	sess.Anonymous = false
	return sess
}

func newTestAuthHandler(svc AuthServiceInterface) *AuthHandler {
	return newTestAuthHandlerWithRotator(svc, &mockRotator{})
}

func newTestAuthHandlerWithRotator(svc AuthServiceInterface, rot SessionRotator) *AuthHandler {
	return NewAuthHandler(svc, rot, middleware.CookieConfig{}, security.NewTextSanitizer(200), discardLogger())
}

// sessionCookie はレスポンスで発行されたセッションCookieの値を返す。
func sessionCookie(resp *http.Response) string {
	for _, c := range resp.Cookies() {
		if c.Name == middleware.SessionCookieName {
			return c.Value
		}
	}
	return ""
}

// --- テスト ---

func TestAuthHandler_Login_RedirectsToProvider(t *testing.T) {
	svc := &mockAuthService{
		beginLoginFn: func(sess *model.Session) (string, error) {
			sess.Phase = model.PhaseLoginPending
			return "https://accounts.spotify.com/authorize?state=abc", nil
		},
	}
	h := newTestAuthHandler(svc)
	sess := anonymousSession()

	w := httptest.NewRecorder()
	h.Login(w, withSession(httptest.NewRequest(http.MethodGet, "/login", nil), sess))

	if w.Code != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTemporaryRedirect)
	}
	if loc := w.Header().Get("Location"); !strings.HasPrefix(loc, "https://accounts.spotify.com/authorize") {
		t.Errorf("unexpected Location: %q", loc)
	}
	if sess.Phase != model.PhaseLoginPending {
		t.Errorf("phase = %s, want login_pending", sess.Phase)
	}
}

func TestAuthHandler_Login_Error_Returns500(t *testing.T) {
	svc := &mockAuthService{
		beginLoginFn: func(sess *model.Session) (string, error) {
			return "", errors.New("entropy exhausted")
		},
	}
	h := newTestAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Login(w, withSession(httptest.NewRequest(http.MethodGet, "/login", nil), anonymousSession()))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestAuthHandler_Callback_Success(t *testing.T) {
	var gotCode, gotState string
	resolved := false
	svc := &mockAuthService{
		completeLoginFn: func(ctx context.Context, sess *model.Session, code, state string) (*model.Credential, error) {
			gotCode, gotState = code, state
			sess.Phase = model.PhaseAuthenticated
			sess.Credential = &model.Credential{AccessToken: "tok"}
			return sess.Credential, nil
		},
		resolveIdentityFn: func(ctx context.Context, sess *model.Session) error {
			resolved = true
			sess.UserID = "spotify:alice"
			return nil
		},
	}
	h := newTestAuthHandler(svc)
	sess := anonymousSession()

	w := httptest.NewRecorder()
	h.Callback(w, withSession(httptest.NewRequest(http.MethodGet, "/callback?code=c1&state=s1", nil), sess))

	if w.Code != http.StatusSeeOther {
		t.Errorf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if loc := w.Header().Get("Location"); loc != "/" {
		t.Errorf("Location = %q, want /", loc)
	}
	if gotCode != "c1" || gotState != "s1" {
		t.Errorf("code/state = %q/%q", gotCode, gotState)
	}
	if !resolved || sess.UserID != "spotify:alice" {
		t.Error("identity should be resolved after login")
	}
	if len(sess.Notices) != 1 || sess.Notices[0].Level != model.NoticeInfo {
		t.Errorf("unexpected notices: %+v", sess.Notices)
	}
}

func TestAuthHandler_Callback_ProviderDeclined(t *testing.T) {
	invalidated := ""
	svc := &mockAuthService{
		completeLoginFn: func(ctx context.Context, sess *model.Session, code, state string) (*model.Credential, error) {
			t.Error("CompleteLogin must not be called when the provider returned an error")
			return nil, nil
		},
		invalidateFn: func(sess *model.Session, reason string) {
			invalidated = reason
		},
	}
	h := newTestAuthHandler(svc)
	sess := anonymousSession()

	req := httptest.NewRequest(http.MethodGet, "/callback?error=%3Cb%3Eaccess_denied%3C%2Fb%3E", nil)
	w := httptest.NewRecorder()
	h.Callback(w, withSession(req, sess))

	if w.Code != http.StatusSeeOther {
		t.Errorf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if invalidated == "" {
		t.Error("pending login should be invalidated")
	}
	if len(sess.Notices) != 1 {
		t.Fatalf("expected 1 notice, got %+v", sess.Notices)
	}
	text := sess.Notices[0].Text
	if !strings.Contains(text, "access_denied") || strings.Contains(text, "<b>") {
		t.Errorf("notice should contain sanitized provider error: %q", text)
	}
}

func TestAuthHandler_Callback_FailureNotices(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
		excludes string
	}{
		{"missing verifier", &model.AuthExchangeError{Reason: model.ReasonMissingVerifier}, "別のタブ", ""},
		{"state mismatch", &model.AuthExchangeError{Reason: model.ReasonStateMismatch}, "確認できません", ""},
		{"code reused", &model.AuthExchangeError{Reason: model.ReasonCodeReused}, "使用済み", ""},
		{"missing code", &model.AuthExchangeError{Reason: model.ReasonMissingCode}, "認可コードが含まれていません", ""},
		{
			"provider rejected",
			&model.AuthExchangeError{Reason: model.ReasonProviderRejected, Err: errors.New("invalid_grant: <script>x</script>Invalid authorization code")},
			"invalid_grant: Invalid authorization code",
			"<script>",
		},
		{"malformed", &model.AuthExchangeError{Reason: model.ReasonMalformedResponse}, "不正な応答", ""},
		{"transport", &model.AuthExchangeError{Reason: model.ReasonTransport, Err: errors.New("timeout")}, "接続できません", ""},
		{"untyped", errors.New("boom"), "ログインに失敗しました", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				completeLoginFn: func(ctx context.Context, sess *model.Session, code, state string) (*model.Credential, error) {
					return nil, tt.err
				},
				resolveIdentityFn: func(ctx context.Context, sess *model.Session) error {
					t.Error("ResolveIdentity must not be called after a failed login")
					return nil
				},
			}
			h := newTestAuthHandler(svc)
			sess := anonymousSession()

			w := httptest.NewRecorder()
			h.Callback(w, withSession(httptest.NewRequest(http.MethodGet, "/callback?code=c&state=s", nil), sess))

			if w.Code != http.StatusSeeOther {
				t.Errorf("status = %d, want %d", w.Code, http.StatusSeeOther)
			}
			if len(sess.Notices) != 1 || sess.Notices[0].Level != model.NoticeError {
				t.Fatalf("expected one error notice, got %+v", sess.Notices)
			}
			text := sess.Notices[0].Text
			if !strings.Contains(text, tt.contains) {
				t.Errorf("notice %q should contain %q", text, tt.contains)
			}
			if tt.excludes != "" && strings.Contains(text, tt.excludes) {
				t.Errorf("notice %q should not contain %q", text, tt.excludes)
			}
		})
	}
}

func TestAuthHandler_Callback_IdentityRejected(t *testing.T) {
	svc := &mockAuthService{
		completeLoginFn: func(ctx context.Context, sess *model.Session, code, state string) (*model.Credential, error) {
			return &model.Credential{AccessToken: "tok"}, nil
		},
		resolveIdentityFn: func(ctx context.Context, sess *model.Session) error {
			return errors.New("provider rejected access token")
		},
	}
	h := newTestAuthHandler(svc)
	sess := anonymousSession()

	w := httptest.NewRecorder()
	h.Callback(w, withSession(httptest.NewRequest(http.MethodGet, "/callback?code=c&state=s", nil), sess))

	if len(sess.Notices) != 1 || sess.Notices[0].Level != model.NoticeError {
		t.Errorf("expected an error notice, got %+v", sess.Notices)
	}
}

func TestAuthHandler_Logout_ResetsIdentity(t *testing.T) {
	reason := ""
	svc := &mockAuthService{
		invalidateFn: func(sess *model.Session, r string) {
			reason = r
			sess.Credential = nil
			sess.Phase = model.PhaseUnauthenticated
		},
	}
	h := newTestAuthHandler(svc)
	sess := authenticatedSession()
	sess.DisplayName = "Alice"
	sess.Pending = model.Table{"spotify:alice": {UserID: "spotify:alice", Minutes: 3, Submissions: 1}}

	w := httptest.NewRecorder()
	h.Logout(w, withSession(httptest.NewRequest(http.MethodPost, "/logout", nil), sess))

	if w.Code != http.StatusSeeOther {
		t.Errorf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if reason != "logout" {
		t.Errorf("invalidate reason = %q, want logout", reason)
	}
	if !sess.Anonymous || !strings.HasPrefix(sess.UserID, "anon-") {
		t.Errorf("identity should be reset to anonymous, got %q", sess.UserID)
	}
	if sess.DisplayName != "" || sess.Pending != nil {
		t.Error("display name and pending minutes should be cleared")
	}
}

// ログインが完了したセッションは新しいIDで発行し直される
func TestAuthHandler_Callback_RotatesSessionID(t *testing.T) {
	svc := &mockAuthService{
		completeLoginFn: func(ctx context.Context, sess *model.Session, code, state string) (*model.Credential, error) {
			sess.Phase = model.PhaseAuthenticated
			return &model.Credential{AccessToken: "tok"}, nil
		},
	}
	rot := &mockRotator{}
	h := newTestAuthHandlerWithRotator(svc, rot)
	sess := anonymousSession()

	w := httptest.NewRecorder()
	h.Callback(w, withSession(httptest.NewRequest(http.MethodGet, "/callback?code=c&state=s", nil), sess))

	if rot.calls != 1 {
		t.Fatalf("Rotate calls = %d, want 1", rot.calls)
	}
	cookie := sessionCookie(w.Result())
	if cookie == "" || cookie == "session-1" || cookie != sess.ID {
		t.Errorf("cookie = %q, session ID = %q; want the rotated ID", cookie, sess.ID)
	}
}

// 認可コードの交換やアカウント確認に失敗した場合はIDを付け替えない
func TestAuthHandler_Callback_FailureKeepsSessionID(t *testing.T) {
	svc := &mockAuthService{
		completeLoginFn: func(ctx context.Context, sess *model.Session, code, state string) (*model.Credential, error) {
			return nil, &model.AuthExchangeError{Reason: model.ReasonStateMismatch}
		},
	}
	rot := &mockRotator{}
	h := newTestAuthHandlerWithRotator(svc, rot)
	sess := anonymousSession()

	w := httptest.NewRecorder()
	h.Callback(w, withSession(httptest.NewRequest(http.MethodGet, "/callback?code=c&state=s", nil), sess))

	if rot.calls != 0 {
		t.Errorf("Rotate calls = %d, want 0", rot.calls)
	}
	if sessionCookie(w.Result()) != "" {
		t.Error("no session cookie should be issued")
	}
}

// IDを付け替えられない場合はログイン済みにしない
func TestAuthHandler_Callback_RotationFailureInvalidatesLogin(t *testing.T) {
	invalidated := ""
	svc := &mockAuthService{
		completeLoginFn: func(ctx context.Context, sess *model.Session, code, state string) (*model.Credential, error) {
			sess.Phase = model.PhaseAuthenticated
			sess.Credential = &model.Credential{AccessToken: "tok"}
			return sess.Credential, nil
		},
		invalidateFn: func(sess *model.Session, reason string) {
			invalidated = reason
			sess.Credential = nil
			sess.Phase = model.PhaseUnauthenticated
		},
	}
	rot := &mockRotator{
		rotateFn: func(ctx context.Context, sess *model.Session) error {
			return errors.New("session store down")
		},
	}
	h := newTestAuthHandlerWithRotator(svc, rot)
	sess := anonymousSession()

	w := httptest.NewRecorder()
	h.Callback(w, withSession(httptest.NewRequest(http.MethodGet, "/callback?code=c&state=s", nil), sess))

	if invalidated != "session_rotation_failed" {
		t.Errorf("invalidate reason = %q", invalidated)
	}
	if sess.Credential != nil || sess.Phase != model.PhaseUnauthenticated {
		t.Error("login should be rolled back")
	}
	if len(sess.Notices) != 1 || sess.Notices[0].Level != model.NoticeError {
		t.Errorf("expected an error notice, got %+v", sess.Notices)
	}
	if sessionCookie(w.Result()) != "" {
		t.Error("no session cookie should be issued")
	}
}

func TestAuthHandler_Logout_RotatesSessionID(t *testing.T) {
	rot := &mockRotator{}
	h := newTestAuthHandlerWithRotator(&mockAuthService{}, rot)
	sess := authenticatedSession()

	w := httptest.NewRecorder()
	h.Logout(w, withSession(httptest.NewRequest(http.MethodPost, "/logout", nil), sess))

	if rot.calls != 1 {
		t.Fatalf("Rotate calls = %d, want 1", rot.calls)
	}
	if cookie := sessionCookie(w.Result()); cookie == "" || cookie == "session-1" {
		t.Errorf("cookie = %q; want the rotated ID", cookie)
	}
}
