package model

import (
	"errors"
	"fmt"
	"strings"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, playback, ledger, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated  = "UNAUTHENTICATED"
	ErrCodeInvalidReport    = "INVALID_REPORT"
	ErrCodePolicyMismatch   = "POLICY_MISMATCH"
	ErrCodeUnknownAirport   = "UNKNOWN_AIRPORT"
	ErrCodeUnknownPlaylist  = "UNKNOWN_PLAYLIST"
	ErrCodeStreamProbe      = "STREAM_PROBE_FAILED"
	ErrCodeCSRFInvalid      = "CSRF_INVALID"
	ErrCodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	ErrCodeInvalidSelection = "INVALID_SELECTION"
)

// NewUnauthenticatedError は未認証エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "Spotifyへのログインが必要です。",
		Category: "auth",
		Action:   "トップページからSpotifyにログインしてください。",
	}
}

// NewInvalidReportError は再生時間レポートが不正な場合のエラーを生成する。
func NewInvalidReportError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidReport,
		Message:  fmt.Sprintf("再生時間レポートが不正です: %s", reason),
		Category: "validation",
		Action:   "elapsed_secondsには0以上の整数を指定してください。",
	}
}

// NewPolicyMismatchError は設定中の計測ポリシーで受け付けない操作のエラーを生成する。
func NewPolicyMismatchError(policy string) *APIError {
	return &APIError{
		Code:     ErrCodePolicyMismatch,
		Message:  fmt.Sprintf("現在の計測ポリシー（%s）ではこの操作は利用できません。", policy),
		Category: "playback",
		Action:   "ページを再読み込みして、表示されている操作を使用してください。",
	}
}

// NewUnknownAirportError はカタログに存在しない空港が指定された場合のエラーを生成する。
func NewUnknownAirportError(airport string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownAirport,
		Message:  fmt.Sprintf("ATCストリームが見つかりません: %s", airport),
		Category: "validation",
		Action:   "一覧から空港を選択してください。",
	}
}

// NewUnknownPlaylistError はカタログに存在しないプレイリストが指定された場合のエラーを生成する。
func NewUnknownPlaylistError(playlist string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownPlaylist,
		Message:  fmt.Sprintf("プレイリストが見つかりません: %s", playlist),
		Category: "validation",
		Action:   "一覧からプレイリストを選択してください。",
	}
}

// NewInvalidSelectionError はリクエストボディが解析できない場合のエラーを生成する。
func NewInvalidSelectionError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSelection,
		Message:  "選択内容を読み取れませんでした。",
		Category: "validation",
		Action:   "空港とプレイリストを選択し直してください。",
	}
}

// NewStreamProbeError はATCストリームの疎通確認に失敗した場合のエラーを生成する。
func NewStreamProbeError() *APIError {
	return &APIError{
		Code:     ErrCodeStreamProbe,
		Message:  "ATCストリームの状態を確認できませんでした。",
		Category: "playback",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCSRFInvalidError はCSRFトークン検証失敗のエラーを生成する。
func NewCSRFInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// AuthExchangeReason は認可コード交換失敗の原因を表す。
type AuthExchangeReason string

const (
	ReasonMissingVerifier   AuthExchangeReason = "missing_verifier"
	ReasonStateMismatch     AuthExchangeReason = "state_mismatch"
	ReasonCodeReused        AuthExchangeReason = "code_reused"
	ReasonMissingCode       AuthExchangeReason = "missing_code"
	ReasonProviderRejected  AuthExchangeReason = "provider_rejected"
	ReasonMalformedResponse AuthExchangeReason = "malformed_response"
	ReasonTransport         AuthExchangeReason = "transport"
)

// AuthExchangeError は認可コードのトークン交換に失敗したことを表す。
// 同じ認可コードでの再試行は行わず、新しいログインからやり直す。
type AuthExchangeError struct {
	Reason AuthExchangeReason
	Err    error
}

func (e *AuthExchangeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth exchange failed: %s", e.Reason)
	}
	return fmt.Sprintf("auth exchange failed: %s: %v", e.Reason, e.Err)
}

func (e *AuthExchangeError) Unwrap() error {
	return e.Err
}

// LedgerOp は台帳ストアへの操作種別。
type LedgerOp string

const (
	LedgerOpRead  LedgerOp = "read"
	LedgerOpWrite LedgerOp = "write"
)

var (
	// ErrLedgerRead は台帳ストアの読み込み失敗を表す。
	ErrLedgerRead = errors.New("ledger store unreadable")
	// ErrLedgerWrite は台帳ストアへの書き込み失敗を表す。
	ErrLedgerWrite = errors.New("ledger store unwritable")
)

// LedgerError は台帳ストアの読み書き失敗を表す。
// どちらも致命的ではなく、UIには警告として表示する。
type LedgerError struct {
	Op  LedgerOp
	Err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s failed: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() []error {
	sentinel := ErrLedgerRead
	if e.Op == LedgerOpWrite {
		sentinel = ErrLedgerWrite
	}
	return []error{sentinel, e.Err}
}

// ConfigError は起動時に必須の設定・シークレットが欠けていることを表す。
// プロセスは起動してはならない。
type ConfigError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("required settings are not set: %v", e.Missing))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, fmt.Sprintf("invalid settings: %s", strings.Join(e.Invalid, "; ")))
	}
	return "config error: " + strings.Join(parts, ", ")
}

// Empty は欠落・不正な設定がないかどうかを返す。
func (e *ConfigError) Empty() bool {
	return len(e.Missing) == 0 && len(e.Invalid) == 0
}
