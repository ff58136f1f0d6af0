package content

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"shutterline/internal/models"
)

var (
	policy   = bluemonday.UGCPolicy()
	stripAll = bluemonday.StrictPolicy()
	markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing message content before it is stored or shown.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// Render converts markdown message content to sanitized HTML.
func Render(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return policy.Sanitize(buf.String()), nil
}

// Preview returns a single-line plain-text rendition of markdown content,
// cut to at most max runes. Used for notification bodies.
func Preview(input string, max int) string {
	rendered, err := Render(input)
	if err != nil {
		rendered = input
	}
	text := html.UnescapeString(stripAll.Sanitize(rendered))
	text = strings.Join(strings.Fields(text), " ")

	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}

// Summary describes a message in one line for notifications and listings.
func Summary(msg models.Message, max int) string {
	switch msg.Kind {
	case models.ContentKindFile:
		if len(msg.Attachments) == 1 {
			return "📎 " + msg.Attachments[0].Name
		}
		if n := len(msg.Attachments); n > 1 {
			return fmt.Sprintf("📎 %d files", n)
		}
	case models.ContentKindCall:
		return "📞 " + Preview(msg.Content, max)
	}
	return Preview(msg.Content, max)
}
