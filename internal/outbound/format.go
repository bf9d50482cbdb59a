// ABOUTME: Flattens agent markdown to plain text suitable for SMS
// ABOUTME: Walks the goldmark AST so emphasis markers and link syntax disappear

package outbound

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MaxSMSLength is the longest body the provider accepts
const MaxSMSLength = 1600

var markdown = goldmark.New()

// FormatSMS flattens markdown and truncates to MaxSMSLength
func FormatSMS(s string) string {
	return Truncate(PlainText(s), MaxSMSLength)
}

// PlainText renders markdown as plain text. Links keep their URL in
// parentheses, list items become "- " lines, and code is kept verbatim.
func PlainText(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}

	src := []byte(s)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	newline := func() {
		if buf.Len() > 0 && !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
			buf.WriteByte('\n')
		}
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				buf.Write(node.Segment.Value(src))
				if node.HardLineBreak() || node.SoftLineBreak() {
					buf.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				buf.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				buf.Write(node.URL(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Link:
			if !entering {
				dest := string(node.Destination)
				if dest != "" && !bytes.HasSuffix(buf.Bytes(), node.Destination) {
					buf.WriteString(" (" + dest + ")")
				}
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				newline()
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					buf.Write(seg.Value(src))
				}
				newline()
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			if entering {
				newline()
				buf.WriteString("- ")
			}
		case *ast.Paragraph, *ast.Heading, *ast.TextBlock:
			if !entering {
				newline()
			} else if n.PreviousSibling() != nil && n.Parent() == doc {
				// blank line between top-level blocks
				newline()
				buf.WriteByte('\n')
			}
		case *ast.ThematicBreak:
			if entering {
				newline()
			}
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(buf.String())
}

// Truncate shortens s to at most limit runes, marking the cut with an ellipsis
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
