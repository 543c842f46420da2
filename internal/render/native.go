package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mandolyte/mdtopdf"

	"md2pdf/internal/domain"
)

// NativeRenderer draws the PDF directly with mdtopdf; no browser is needed.
// It honours the paper size but not the margin or the HTML stylesheet.
type NativeRenderer struct {
	page Page
}

func NewNativeRenderer(p Page) *NativeRenderer {
	return &NativeRenderer{page: p}
}

func (r *NativeRenderer) Engine() string { return "native" }
func (r *NativeRenderer) Close() error   { return nil }

// gofpdf names its sizes A3/A4/A5/Letter/Legal.
func (r *NativeRenderer) paperName() string {
	switch r.page.Name {
	case "A3", "A4", "A5":
		return r.page.Name
	case "LETTER":
		return "Letter"
	case "LEGAL":
		return "Legal"
	default:
		return "A4"
	}
}

// Render runs mdtopdf into a scratch file. mdtopdf is not context aware, so
// ctx only bounds the wait.
func (r *NativeRenderer) Render(ctx context.Context, md string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "md2pdf-native-*")
	if err != nil {
		return nil, fmt.Errorf("%w: scratch dir: %v", domain.ErrRender, err)
	}

	type result struct {
		pdf []byte
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer os.RemoveAll(dir)
		out := filepath.Join(dir, "out.pdf")
		pr := mdtopdf.NewPdfRenderer("P", r.paperName(), out, "")
		if err := pr.Process([]byte(md)); err != nil {
			done <- result{err: fmt.Errorf("%w: %v", domain.ErrRender, err)}
			return
		}
		pdf, err := os.ReadFile(out)
		if err != nil {
			done <- result{err: fmt.Errorf("%w: read output: %v", domain.ErrRender, err)}
			return
		}
		done <- result{pdf: pdf}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.pdf, res.err
	}
}
