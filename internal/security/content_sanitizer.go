// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は送信メッセージをparse_mode=HTMLで送る前に、
// Telegram Bot APIが解釈できるタグの部分集合だけを残すようにサニタイズする。
package security

import (
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はHTMLメッセージのサニタイズ機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// Sanitize はTelegramが受け付けるタグのみを残したHTMLを返す。
	// 空文字列の入力には空文字列を返す。同一入力に対して常に同一出力を返す。
	Sanitize(rawHTML string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はTelegram向けのbluemondayポリシーを構築する。
//   - 書式タグ: b, strong, i, em, u, ins, s, strike, del, code, pre, blockquote, tg-spoiler
//   - a: href のみ。http, https, tg, mailto スキーム
//   - span: class="tg-spoiler" のみ
//   - code: class="language-xxx" のみ（preブロックの言語指定）
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"b", "strong", "i", "em", "u", "ins",
		"s", "strike", "del",
		"code", "pre", "blockquote", "tg-spoiler",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "tg", "mailto")
	p.AllowRelativeURLs(false)

	p.AllowAttrs("class").Matching(regexp.MustCompile(`^tg-spoiler$`)).OnElements("span")
	p.AllowAttrs("class").Matching(regexp.MustCompile(`^language-[A-Za-z0-9_+-]+$`)).OnElements("code")
	p.AllowAttrs("expandable").Matching(regexp.MustCompile(`^$`)).OnElements("blockquote")

	return &contentSanitizer{
		policy: p,
	}
}

// Sanitize はHTMLコンテンツをサニタイズする。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}
