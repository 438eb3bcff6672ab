// Package auth は音楽サービスへのOAuth認可（PKCE）とクレデンシャル管理を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/chillatc/internal/model"
)

// OAuthProvider はOAuth認可サーバーとのやり取りを抽象化する。
type OAuthProvider interface {
	// AuthorizeURL はcode challengeとstateを含む認可URLを生成する。
	AuthorizeURL(challenge, state string) string
	// ExchangeCode は認可コードとcode verifierをトークンに交換する。
	ExchangeCode(ctx context.Context, code, verifier string) (*TokenResponse, error)
	// FetchProfile はアクセストークンでアカウント情報を取得する。
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)
}

// Metrics は認可フローのメトリクス記録に必要なインターフェース。
type Metrics interface {
	RecordLogin(result string)
	RecordTokenExchangeLatency(d time.Duration)
}

// Service は1つのブラウザセッションに代わってBearerクレデンシャルを取得・保持する。
// 状態はすべて引数のmodel.Sessionに保持し、Service自体はセッション間で共有される。
type Service struct {
	provider OAuthProvider
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(provider OAuthProvider, metrics Metrics, logger *slog.Logger) *Service {
	return &Service{
		provider: provider,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// BeginLogin は新しいcode verifierとstateを生成してセッションに保存し、認可URLを返す。
// 呼び出しごとに新しい乱数を使うため、直前のログイン試行のverifierは無効になる。
func (s *Service) BeginLogin(sess *model.Session) (string, error) {
	verifier, err := NewCodeVerifier()
	if err != nil {
		return "", err
	}
	state, err := generateState()
	if err != nil {
		return "", err
	}

	sess.CodeVerifier = verifier
	sess.OAuthState = state
	sess.Credential = nil
	sess.Phase = model.PhaseLoginPending

	s.logger.Info("login started", slog.String("session_id", sess.ID))
	return s.provider.AuthorizeURL(CodeChallengeS256(verifier), state), nil
}

// CompleteLogin は認可コードを保存済みのverifierと共にトークンへ交換する。
//
// verifierとstateは成否にかかわらず1回で破棄する。失敗時はセッションを
// 未認証に戻すため、再試行には新しいBeginLoginが必要になる。
// 同じ認可コードの2回目の提示は*model.AuthExchangeError（code_reused）になる。
func (s *Service) CompleteLogin(ctx context.Context, sess *model.Session, code, state string) (*model.Credential, error) {
	verifier := sess.CodeVerifier
	expectedState := sess.OAuthState
	sess.CodeVerifier = ""
	sess.OAuthState = ""

	cred, err := s.exchange(ctx, sess, code, state, verifier, expectedState)
	if err != nil {
		sess.Phase = model.PhaseUnauthenticated
		sess.Credential = nil

		reason := "error"
		var aerr *model.AuthExchangeError
		if errors.As(err, &aerr) {
			reason = string(aerr.Reason)
		}
		s.metrics.RecordLogin(reason)
		s.logger.Warn("login failed",
			slog.String("session_id", sess.ID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	sess.Credential = cred
	sess.Phase = model.PhaseAuthenticated
	s.metrics.RecordLogin("success")
	s.logger.Info("login completed", slog.String("session_id", sess.ID))
	return cred, nil
}

func (s *Service) exchange(ctx context.Context, sess *model.Session, code, state, verifier, expectedState string) (*model.Credential, error) {
	if code == "" {
		return nil, &model.AuthExchangeError{Reason: model.ReasonMissingCode}
	}

	codeHash := hashCode(code)
	if sess.ConsumedCode == codeHash {
		return nil, &model.AuthExchangeError{Reason: model.ReasonCodeReused}
	}
	sess.ConsumedCode = codeHash

	if verifier == "" {
		// セッション切れ、または別タブ・別セッションで開始されたログイン
		return nil, &model.AuthExchangeError{Reason: model.ReasonMissingVerifier}
	}
	if expectedState != "" && state != expectedState {
		return nil, &model.AuthExchangeError{Reason: model.ReasonStateMismatch}
	}

	start := s.now()
	tok, err := s.provider.ExchangeCode(ctx, code, verifier)
	s.metrics.RecordTokenExchangeLatency(s.now().Sub(start))
	if err != nil {
		var aerr *model.AuthExchangeError
		if errors.As(err, &aerr) {
			return nil, aerr
		}
		return nil, &model.AuthExchangeError{Reason: model.ReasonTransport, Err: err}
	}

	cred := &model.Credential{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		Scope:       tok.Scope,
	}
	if tok.ExpiresIn > 0 {
		cred.ExpiresAt = s.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return cred, nil
}

// GetCredential は有効なクレデンシャルを返す。
// 未取得または期限切れの場合はnilを返し、セッションを未認証に戻す
// （呼び出し元はBeginLoginからやり直す）。リフレッシュは行わない。
func (s *Service) GetCredential(sess *model.Session) *model.Credential {
	if sess.Credential == nil {
		return nil
	}
	if sess.Credential.Expired(s.now()) {
		s.logger.Info("credential expired", slog.String("session_id", sess.ID))
		sess.Credential = nil
		sess.Phase = model.PhaseUnauthenticated
		return nil
	}
	return sess.Credential
}

// Invalidate はプロバイダーがトークンを無効と報告した場合に呼び出す。
// 古い認可コードでの交換は再試行しない。
func (s *Service) Invalidate(sess *model.Session, reason string) {
	sess.Credential = nil
	sess.CodeVerifier = ""
	sess.OAuthState = ""
	sess.Phase = model.PhaseUnauthenticated
	s.logger.Info("credential invalidated",
		slog.String("session_id", sess.ID),
		slog.String("reason", reason),
	)
}

// ResolveIdentity は認証済みアカウントからユーザーIDを導出する。
// プロフィール取得が401の場合はクレデンシャルを無効化しErrUnauthorizedを返す。
// それ以外の失敗では匿名IDを維持したまま警告ログのみ出力する。
func (s *Service) ResolveIdentity(ctx context.Context, sess *model.Session) error {
	cred := s.GetCredential(sess)
	if cred == nil {
		return fmt.Errorf("no valid credential in session")
	}

	profile, err := s.provider.FetchProfile(ctx, cred.AccessToken)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.Invalidate(sess, "profile_unauthorized")
			return err
		}
		s.logger.Warn("failed to resolve account identity, keeping anonymous id",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	sess.UserID = "spotify:" + profile.ID
	sess.Anonymous = false
	sess.DisplayName = profile.DisplayName
	if sess.DisplayName == "" {
		sess.DisplayName = profile.ID
	}
	return nil
}
