// ABOUTME: Tests for markdown flattening and truncation
// ABOUTME: Covers emphasis, links, headings, lists, code, and rune-safe truncation

package outbound

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestPlainText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "We open at 9am.", "We open at 9am."},
		{"emphasis", "**Hello** _there_", "Hello there"},
		{"link", "Book at [our site](https://example.com) today", "Book at our site (https://example.com) today"},
		{"bare link text", "[https://example.com](https://example.com)", "https://example.com"},
		{"autolink", "See <https://example.com>", "See https://example.com"},
		{"heading and paragraph", "# Hours\n\nWe open at 9.", "Hours\n\nWe open at 9."},
		{"list", "Bring:\n\n- ID\n- insurance card", "Bring:\n- ID\n- insurance card"},
		{"soft break", "Line one\nline two", "Line one\nline two"},
		{"inline code", "Reply `STOP` to opt out", "Reply STOP to opt out"},
		{"code block", "```\ncode here\n```", "code here"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlainText(tt.in))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))

	long := strings.Repeat("a", MaxSMSLength+10)
	got := Truncate(long, MaxSMSLength)
	assert.Equal(t, MaxSMSLength, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "…"))

	// Multi-byte runes are never split
	emoji := strings.Repeat("😀", 5)
	got = Truncate(emoji, 3)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 3, utf8.RuneCountInString(got))
}

func TestFormatSMS(t *testing.T) {
	in := "**" + strings.Repeat("x", 2000) + "**"
	got := FormatSMS(in)
	assert.Equal(t, MaxSMSLength, utf8.RuneCountInString(got))
	assert.False(t, strings.Contains(got, "*"))
}
