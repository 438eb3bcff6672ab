package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// verifierBytes はcode verifierの乱数バイト数。
// base64url（パディングなし）で86文字になり、RFC 7636の43〜128文字に収まる。
const verifierBytes = 64

// CodeChallengeMethod はPKCEのチャレンジ方式。
const CodeChallengeMethod = "S256"

// NewCodeVerifier は暗号的に安全なcode verifierを生成する。
// ログインごとに新しい乱数を使用し、使い回してはならない。
func NewCodeVerifier() (string, error) {
	b := make([]byte, verifierBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CodeChallengeS256 はverifierのSHA-256ダイジェストをbase64url（パディングなし）で返す。
func CodeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate oauth state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// hashCode は認可コードを再利用検出用に保存する形へ変換する。
func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
