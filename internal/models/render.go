package models

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(
			highlighting.WithStyle("github"),
		),
	),
	goldmark.WithRendererOptions(
		html.WithHardWraps(),
	),
)

// RenderMarkdown converts message content written in markdown into HTML. Raw HTML in the source is omitted,
// since model output is not trusted.
func RenderMarkdown(content string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}

// RenderMessage renders the visible part of a message. A failed message renders its error instead of its
// content, so the transcript shows what happened.
func RenderMessage(msg Message) (string, error) {
	if msg.Error != "" {
		return RenderMarkdown("**Error:** " + msg.Error)
	}
	return RenderMarkdown(msg.Content)
}
