package convert

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// MarkdownHandler renders Markdown with GitHub-flavored extensions.
// Raw HTML in the source is passed through so <img> tags survive.
type MarkdownHandler struct {
	imageBase string
	md        goldmark.Markdown
}

// NewMarkdownHandler creates a handler that rewrites relative image
// links against imageBase.
func NewMarkdownHandler(imageBase string) *MarkdownHandler {
	return &MarkdownHandler{
		imageBase: imageBase,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithUnsafe()),
		),
	}
}

// Convert decodes data as UTF-8 (invalid bytes dropped), rewrites image
// links and renders the result. Text is the decoded source without the
// image rewrite.
func (h *MarkdownHandler) Convert(_ context.Context, data []byte) (Result, error) {
	text := strings.ToValidUTF8(string(data), "")
	source := RewriteImageLinks(text, h.imageBase)

	var buf bytes.Buffer
	buf.WriteString("<div class='markdown-body'>")
	if err := h.md.Convert([]byte(source), &buf); err != nil {
		return Result{}, fmt.Errorf("render markdown: %w", err)
	}
	buf.WriteString("</div>")

	return Result{Text: text, Render: buf.String()}, nil
}

func (h *MarkdownHandler) SupportedExtensions() []string { return []string{".md", ".markdown"} }

func (h *MarkdownHandler) Name() string { return "markdown" }
