package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxTitleRunes は保存するタイトルの最大文字数。
const maxTitleRunes = 512

// TextSanitizer はプロバイダが返した検索結果タイトルからマークアップを除去する。
// 結果はプレーンテキストとして保存され、UIでそのまま表示される。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はタグを一切許可しないポリシーでTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、エンティティを戻し、空白を詰めて最大長で切り詰める。
// 同一入力に対して常に同一出力を返す。
func (s *TextSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	stripped := html.UnescapeString(s.policy.Sanitize(raw))
	text := strings.Join(strings.Fields(stripped), " ")

	if utf8.RuneCountInString(text) > maxTitleRunes {
		runes := []rune(text)
		text = string(runes[:maxTitleRunes])
	}
	return text
}
