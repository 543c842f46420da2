// Package markdown turns Markdown text into a standalone, styled HTML document
// ready for the Chrome engine to print.
package markdown

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// ErrConversion indicates goldmark failed to render the input.
var ErrConversion = errors.New("markdown conversion failed")

const documentTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
</head>
<body>
%s
</body>
</html>`

// Converter renders Markdown with GFM tables, strikethrough, task lists,
// footnotes and highlighted code blocks.
type Converter struct {
	md  goldmark.Markdown
	css string
}

// NewConverter builds a converter whose documents carry the default stylesheet.
func NewConverter() *Converter {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Footnote,
			highlighting.NewHighlighting(
				highlighting.WithStyle(codeStyle),
				highlighting.WithFormatOptions(
					chromahtml.WithClasses(true),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			gmhtml.WithXHTML(),
			// Raw HTML in the input is dropped: WithUnsafe is not set.
		),
	)
	return &Converter{md: md, css: Stylesheet()}
}

// ToHTML renders content into a complete HTML5 document with the stylesheet
// inlined. Goldmark has no context support, so the conversion runs in a
// goroutine and ctx only bounds the wait.
func (c *Converter) ToHTML(ctx context.Context, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	type result struct {
		html string
		err  error
	}
	done := make(chan result, 1)

	go func() {
		var buf bytes.Buffer
		if err := c.md.Convert([]byte(content), &buf); err != nil {
			done <- result{err: fmt.Errorf("%w: %v", ErrConversion, err)}
			return
		}
		doc := fmt.Sprintf(documentTemplate, html.EscapeString(Title(content)), buf.String())
		done <- result{html: InjectCSS(doc, c.css)}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.html, r.err
	}
}

// Title is the text of the first ATX heading, or "Document".
func Title(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			continue
		}
		if t := strings.TrimSpace(strings.TrimLeft(line, "#")); t != "" {
			return t
		}
	}
	return "Document"
}

// InjectCSS inserts a <style> block before </head>, after <body>, or at the
// start of the document, in that order of preference.
func InjectCSS(doc, css string) string {
	if css == "" {
		return doc
	}
	style := "<style>" + strings.ReplaceAll(css, "</", `<\/`) + "</style>"
	lower := strings.ToLower(doc)

	if idx := strings.Index(lower, "</head>"); idx != -1 {
		return doc[:idx] + style + doc[idx:]
	}
	if idx := strings.Index(lower, "<body"); idx != -1 {
		if end := strings.Index(doc[idx:], ">"); end != -1 {
			pos := idx + end + 1
			return doc[:pos] + style + doc[pos:]
		}
	}
	return style + doc
}
