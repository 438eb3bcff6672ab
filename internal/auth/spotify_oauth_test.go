package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/chillatc/internal/model"
)

func newTestProvider(tokenURL, profileURL string) *SpotifyOAuthProvider {
	return NewSpotifyOAuthProvider(SpotifyOAuthConfig{
		ClientID:    "test-client-id",
		RedirectURL: "http://localhost:8080/callback",
		Scopes:      "streaming user-read-email",
		TokenURL:    tokenURL,
		ProfileURL:  profileURL,
	}, nil)
}

func TestSpotifyOAuthProvider_AuthorizeURL_ContainsRequiredParams(t *testing.T) {
	provider := newTestProvider("", "")

	raw := provider.AuthorizeURL("test-challenge", "test-state")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse URL: %v", err)
	}
	if u.Host != "accounts.spotify.com" {
		t.Errorf("unexpected host: %q", u.Host)
	}

	q := u.Query()
	tests := []struct {
		key  string
		want string
	}{
		{"client_id", "test-client-id"},
		{"response_type", "code"},
		{"redirect_uri", "http://localhost:8080/callback"},
		{"code_challenge_method", "S256"},
		{"code_challenge", "test-challenge"},
		{"scope", "streaming user-read-email"},
		{"state", "test-state"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := q.Get(tt.key); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestSpotifyOAuthProvider_ExchangeCode_Success(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("unexpected Content-Type: %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		// パブリッククライアントではBasic認証を送らない
		if _, _, ok := r.BasicAuth(); ok {
			t.Error("public client must not send basic auth")
		}
		want := map[string]string{
			"client_id":     "test-client-id",
			"grant_type":    "authorization_code",
			"code":          "auth-code",
			"redirect_uri":  "http://localhost:8080/callback",
			"code_verifier": "the-verifier",
		}
		for k, v := range want {
			if got := r.PostForm.Get(k); got != v {
				t.Errorf("form %s = %q, want %q", k, got, v)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
			"scope":        "streaming",
			"expires_in":   3600,
		})
	}))
	defer tokenServer.Close()

	provider := newTestProvider(tokenServer.URL, "")
	tok, err := provider.ExchangeCode(context.Background(), "auth-code", "the-verifier")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.AccessToken != "test-access-token" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	if tok.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d", tok.ExpiresIn)
	}
}

func TestSpotifyOAuthProvider_ExchangeCode_ConfidentialClientUsesBasicAuth(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "test-client-id" || pass != "secret" {
			t.Errorf("unexpected basic auth: %q %q %v", user, pass, ok)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":60}`))
	}))
	defer tokenServer.Close()

	provider := NewSpotifyOAuthProvider(SpotifyOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost:8080/callback",
		TokenURL:     tokenServer.URL,
	}, nil)
	if _, err := provider.ExchangeCode(context.Background(), "code", "verifier"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSpotifyOAuthProvider_ExchangeCode_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantReason model.AuthExchangeReason
		wantText   string
	}{
		{"invalid grant", http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Invalid authorization code"}`, model.ReasonProviderRejected, "invalid_grant: Invalid authorization code"},
		{"server error", http.StatusInternalServerError, `oops`, model.ReasonProviderRejected, "oops"},
		{"malformed json", http.StatusOK, `{not json`, model.ReasonMalformedResponse, "parse"},
		{"empty token", http.StatusOK, `{"token_type":"Bearer"}`, model.ReasonMalformedResponse, "empty access token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			provider := newTestProvider(srv.URL, "")
			_, err := provider.ExchangeCode(context.Background(), "code", "verifier")

			var aerr *model.AuthExchangeError
			if !errors.As(err, &aerr) {
				t.Fatalf("expected AuthExchangeError, got %v", err)
			}
			if aerr.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", aerr.Reason, tt.wantReason)
			}
			if !strings.Contains(aerr.Error(), tt.wantText) {
				t.Errorf("error %q should contain %q", aerr.Error(), tt.wantText)
			}
		})
	}
}

func TestSpotifyOAuthProvider_ExchangeCode_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	provider := newTestProvider(srv.URL, "")
	_, err := provider.ExchangeCode(context.Background(), "code", "verifier")

	var aerr *model.AuthExchangeError
	if !errors.As(err, &aerr) || aerr.Reason != model.ReasonTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestSpotifyOAuthProvider_FetchProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"user-1","display_name":"Tower","email":"t@example.com"}`))
	}))
	defer srv.Close()

	provider := newTestProvider("", srv.URL)

	t.Run("success", func(t *testing.T) {
		p, err := provider.FetchProfile(context.Background(), "good-token")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.ID != "user-1" || p.DisplayName != "Tower" {
			t.Errorf("unexpected profile: %+v", p)
		}
	})

	t.Run("unauthorized", func(t *testing.T) {
		_, err := provider.FetchProfile(context.Background(), "bad-token")
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})
}

func TestDescribeProviderError_TruncatesLongBody(t *testing.T) {
	body := strings.Repeat("x", 500)
	if got := describeProviderError([]byte(body)); len(got) != 200 {
		t.Errorf("expected 200 chars, got %d", len(got))
	}
}
