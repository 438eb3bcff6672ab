package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/chillatc/internal/model"
)

const (
	defaultSpotifyAuthURL    = "https://accounts.spotify.com/authorize"
	defaultSpotifyTokenURL   = "https://accounts.spotify.com/api/token"
	defaultSpotifyProfileURL = "https://api.spotify.com/v1/me"

	// maxProviderBody はトークン・プロフィール応答の読み取り上限。
	maxProviderBody = 1 << 20
)

// ErrUnauthorized はプロバイダーがアクセストークンを無効と判断したこと（401）を表す。
var ErrUnauthorized = errors.New("provider rejected access token")

// SpotifyOAuthConfig はSpotify OAuthプロバイダーの設定。
type SpotifyOAuthConfig struct {
	ClientID     string
	ClientSecret string // 空の場合はPKCEのみのパブリッククライアント
	RedirectURL  string
	Scopes       string

	// テスト用にオーバーライド可能なURL
	AuthURL    string
	TokenURL   string
	ProfileURL string
}

// SpotifyOAuthProvider はSpotifyの認可コードフロー（PKCE）を提供する。
type SpotifyOAuthProvider struct {
	config     SpotifyOAuthConfig
	httpClient *http.Client
}

// NewSpotifyOAuthProvider はSpotifyOAuthProviderを生成する。
// httpClientがnilの場合はタイムアウト5秒のクライアントを使用する。
func NewSpotifyOAuthProvider(config SpotifyOAuthConfig, httpClient *http.Client) *SpotifyOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultSpotifyAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultSpotifyTokenURL
	}
	if config.ProfileURL == "" {
		config.ProfileURL = defaultSpotifyProfileURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &SpotifyOAuthProvider{config: config, httpClient: httpClient}
}

// AuthorizeURL はブラウザを遷移させる認可URLを生成する。
func (p *SpotifyOAuthProvider) AuthorizeURL(challenge, state string) string {
	params := url.Values{
		"client_id":             {p.config.ClientID},
		"response_type":         {"code"},
		"redirect_uri":          {p.config.RedirectURL},
		"code_challenge_method": {CodeChallengeMethod},
		"code_challenge":        {challenge},
		"scope":                 {p.config.Scopes},
	}
	if state != "" {
		params.Set("state", state)
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// TokenResponse はトークンエンドポイントのレスポンス。
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// providerError はトークンエンドポイントのエラーレスポンス。
type providerError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Profile はアカウントのプロフィール。
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

// ExchangeCode は認可コードとcode verifierをアクセストークンに交換する。
// 失敗時は*model.AuthExchangeErrorを返す。
func (p *SpotifyOAuthProvider) ExchangeCode(ctx context.Context, code, verifier string) (*TokenResponse, error) {
	data := url.Values{
		"client_id":     {p.config.ClientID},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {p.config.RedirectURL},
		"code_verifier": {verifier},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, &model.AuthExchangeError{Reason: model.ReasonTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.config.ClientSecret != "" {
		req.SetBasicAuth(p.config.ClientID, p.config.ClientSecret)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &model.AuthExchangeError{Reason: model.ReasonTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return nil, &model.AuthExchangeError{Reason: model.ReasonTransport, Err: fmt.Errorf("failed to read token response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &model.AuthExchangeError{
			Reason: model.ReasonProviderRejected,
			Err:    fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, describeProviderError(body)),
		}
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, &model.AuthExchangeError{Reason: model.ReasonMalformedResponse, Err: fmt.Errorf("failed to parse token response: %w", err)}
	}
	if tokenResp.AccessToken == "" {
		return nil, &model.AuthExchangeError{Reason: model.ReasonMalformedResponse, Err: errors.New("empty access token in response")}
	}

	return &tokenResp, nil
}

// FetchProfile はアクセストークンでアカウントのプロフィールを取得する。
// 401の場合はErrUnauthorizedを返す。
func (p *SpotifyOAuthProvider) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.ProfileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read profile response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile fetch failed with status %d", resp.StatusCode)
	}

	var profile Profile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile response: %w", err)
	}
	if profile.ID == "" {
		return nil, fmt.Errorf("empty id in profile response")
	}

	return &profile, nil
}

// describeProviderError はエラーレスポンスから表示用の説明を取り出す。
func describeProviderError(body []byte) string {
	var pe providerError
	if err := json.Unmarshal(body, &pe); err == nil && pe.Error != "" {
		if pe.ErrorDescription != "" {
			return pe.Error + ": " + pe.ErrorDescription
		}
		return pe.Error
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// compile-time interface check
var _ OAuthProvider = (*SpotifyOAuthProvider)(nil)
