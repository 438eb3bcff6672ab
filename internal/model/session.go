// Package model はドメインモデルを定義する。
package model

import "time"

// AuthPhase はセッションの認可状態を表す。
type AuthPhase string

const (
	// PhaseUnauthenticated は未認証状態。ログインリンクを表示する。
	PhaseUnauthenticated AuthPhase = "unauthenticated"
	// PhaseLoginPending はcode verifier発行済みでコールバック待ちの状態。
	PhaseLoginPending AuthPhase = "login_pending"
	// PhaseAuthenticated はアクセストークン取得済みの状態。
	PhaseAuthenticated AuthPhase = "authenticated"
)

// credentialExpirySkew は有効期限直前のトークンを期限切れとみなす余裕時間。
const credentialExpirySkew = 30 * time.Second

// Credential は音楽サービスAPIに提示するBearerクレデンシャル。
type Credential struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Scope       string    `json:"scope"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired はnow時点でクレデンシャルが期限切れかどうかを返す。
// ExpiresAtがゼロ値の場合は期限なしとして扱う。
func (c *Credential) Expired(now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(credentialExpirySkew).Before(c.ExpiresAt)
}

// Stopwatch は手動計測ポリシーで使用するサーバー側ストップウォッチ。
type Stopwatch struct {
	StartedAt          *time.Time `json:"started_at,omitempty"`
	AccumulatedSeconds int        `json:"accumulated_seconds"`
}

// Running はストップウォッチが計測中かどうかを返す。
func (s Stopwatch) Running() bool {
	return s.StartedAt != nil
}

// NoticeLevel はフラッシュメッセージの重要度。
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice は次回のページ描画で1度だけ表示するメッセージ。
type Notice struct {
	Level NoticeLevel `json:"level"`
	Text  string      `json:"text"`
}

// Session はブラウザセッション1つ分の状態を保持する。
// リクエストごとにストアから読み込まれ、認可マネージャとプレイバック
// コントローラに明示的に渡される。セッション間で共有される状態は持たない。
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// 認可フロー
	Phase        AuthPhase   `json:"phase"`
	CodeVerifier string      `json:"code_verifier,omitempty"`
	OAuthState   string      `json:"oauth_state,omitempty"`
	ConsumedCode string      `json:"consumed_code,omitempty"` // 最後に提示された認可コードのSHA-256
	Credential   *Credential `json:"credential,omitempty"`

	// ユーザー識別
	UserID      string `json:"user_id"`
	Anonymous   bool   `json:"anonymous"`
	DisplayName string `json:"display_name,omitempty"`

	CSRFToken string `json:"csrf_token"`

	// 台帳に未反映の加算分（書き込み失敗時に保持される）
	Pending   Table     `json:"pending,omitempty"`
	Stopwatch Stopwatch `json:"stopwatch"`

	// UI選択状態
	Airport  string `json:"airport,omitempty"`
	Playlist string `json:"playlist,omitempty"`

	Notices []Notice `json:"notices,omitempty"`
}

// Authenticated はセッションが認証済みかどうかを返す。
func (s *Session) Authenticated() bool {
	return s.Phase == PhaseAuthenticated && s.Credential != nil
}

// AddNotice はフラッシュメッセージを追加する。
func (s *Session) AddNotice(level NoticeLevel, text string) {
	s.Notices = append(s.Notices, Notice{Level: level, Text: text})
}

// TakeNotices はフラッシュメッセージを取り出し、セッションから消去する。
func (s *Session) TakeNotices() []Notice {
	notices := s.Notices
	s.Notices = nil
	return notices
}

// PendingTable は未反映の加算テーブルを返す。未初期化の場合は生成する。
func (s *Session) PendingTable() Table {
	if s.Pending == nil {
		s.Pending = Table{}
	}
	return s.Pending
}
