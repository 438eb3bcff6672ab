package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は外部サービスから返されたテキストを画面表示用の平文に整える。
// マークアップはすべて除去し、空白を詰め、最大長で切り詰める。
type TextSanitizer struct {
	policy *bluemonday.Policy
	maxLen int
}

// NewTextSanitizer はTextSanitizerを生成する。maxLenは文字数（rune数）。
func NewTextSanitizer(maxLen int) *TextSanitizer {
	return &TextSanitizer{
		policy: bluemonday.StrictPolicy(),
		maxLen: maxLen,
	}
}

// Sanitize はタグを除去した平文を返す。
// 出力はテンプレート側でエスケープされるため、bluemondayが付けた実体参照は戻しておく。
func (s *TextSanitizer) Sanitize(raw string) string {
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")

	if s.maxLen > 0 && utf8.RuneCountInString(text) > s.maxLen {
		runes := []rune(text)
		text = string(runes[:s.maxLen]) + "…"
	}
	return text
}
