package models

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(
			highlighting.WithStyle("github"),
		),
	),
	goldmark.WithRendererOptions(
		gmhtml.WithHardWraps(),
	),
)

// RenderText renders the text of a message into HTML. Bot replies are treated as Markdown, since that is
// what the models produce; user and system text is escaped and only line breaks are preserved.
func RenderText(msg Message) (string, error) {
	if msg.Role != RoleBot {
		return strings.ReplaceAll(html.EscapeString(msg.Text), "\n", "<br>"), nil
	}

	var buf bytes.Buffer
	if err := markdown.Convert([]byte(msg.Text), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}
