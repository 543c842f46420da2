// Package render converts Markdown into PDF bytes. Engines are interchangeable
// behind Renderer; the Redis cache wraps whichever engine is configured.
package render

import (
	"context"
	"fmt"
	"strings"

	"md2pdf/internal/domain"
	u "md2pdf/internal/utils"
)

// Renderer turns Markdown into a PDF document.
type Renderer interface {
	Render(ctx context.Context, markdown string) ([]byte, error)
	Engine() string
	Close() error
}

// Page is the resolved paper geometry in inches.
type Page struct {
	Name   string
	Width  float64
	Height float64
	Margin float64
}

// PageFromConfig resolves pdf.default_paper against pdf.paper_sizes.
func PageFromConfig(cfg u.Config) (Page, error) {
	name := strings.ToUpper(cfg.PDF.DefaultPaper)
	size, ok := cfg.PDF.PaperSizes[name]
	if !ok {
		return Page{}, fmt.Errorf("%w: paper size %q not configured", domain.ErrRender, name)
	}
	return Page{Name: name, Width: size.Width, Height: size.Height, Margin: cfg.PDF.Margin}, nil
}

// New builds the engine selected by pdf.engine.
func New(cfg u.Config) (Renderer, error) {
	page, err := PageFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.PDF.Engine {
	case "chrome":
		return NewChromeRenderer(cfg, page)
	case "native":
		return NewNativeRenderer(page), nil
	default:
		return nil, fmt.Errorf("%w: unknown engine %q", domain.ErrRender, cfg.PDF.Engine)
	}
}
