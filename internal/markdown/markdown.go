// Package markdown formats text for Telegram's MarkdownV2 parse mode.
package markdown

import "strings"

// ParseMode is the Telegram parse mode matching Escape.
const ParseMode = "MarkdownV2"

const reserved = "_*[]()~`>#+-=|{}.!"

// Escape prefixes every MarkdownV2 reserved character with a backslash.
// Reserved characters are ASCII, so the text is scanned byte by byte and
// everything else, invalid UTF-8 included, is copied unchanged.
func Escape(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		if strings.IndexByte(reserved, c) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Unescape removes the backslashes inserted by Escape: a backslash is
// dropped exactly when the next byte is reserved.
func Unescape(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '\\' && i+1 < len(text) && strings.IndexByte(reserved, text[i+1]) >= 0 {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
