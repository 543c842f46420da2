package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"md2pdf/internal/chrome"
	"md2pdf/internal/markdown"
	u "md2pdf/internal/utils"
)

const minAcquireTimeout = 5 * time.Second

// ChromeRenderer renders Markdown to HTML with goldmark and prints it with
// headless Chrome. With pdf.chrome_pool_size > 0 tabs come from a shared
// browser; otherwise each render starts its own Chrome.
type ChromeRenderer struct {
	cfg  u.Config
	page Page
	md   *markdown.Converter

	poolMu sync.Mutex
	pool   *chrome.Pool
}

// NewChromeRenderer creates the renderer. The pool is created on first use.
func NewChromeRenderer(cfg u.Config, p Page) (*ChromeRenderer, error) {
	return &ChromeRenderer{cfg: cfg, page: p, md: markdown.NewConverter()}, nil
}

func (r *ChromeRenderer) Engine() string { return "chrome" }

func (r *ChromeRenderer) getPool() (*chrome.Pool, error) {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()

	if r.cfg.PDF.ChromePoolSize <= 0 {
		return nil, nil
	}
	if r.pool != nil {
		return r.pool, nil
	}
	pool, err := chrome.NewPool(r.cfg)
	if err != nil {
		return nil, err
	}
	r.pool = pool
	return r.pool, nil
}

// Stats reports pool usage; a disabled pool reports Enabled=false.
func (r *ChromeRenderer) Stats() (chrome.Stats, error) {
	pool, err := r.getPool()
	if err != nil {
		return chrome.Stats{}, err
	}
	if pool == nil {
		return chrome.Stats{PoolSizeConf: r.cfg.PDF.ChromePoolSize, TimeoutSecs: r.cfg.PDF.TimeoutSecs}, nil
	}
	return pool.Stats(r.cfg.PDF.TimeoutSecs), nil
}

// Render converts markdown and prints it. An interrupted browser session
// restarts the pool and is retried once.
func (r *ChromeRenderer) Render(ctx context.Context, md string) ([]byte, error) {
	html, err := r.md.ToHTML(ctx, md)
	if err != nil {
		return nil, err
	}

	pool, err := r.getPool()
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return r.renderOneShot(ctx, html)
	}

	runOnce := func() ([]byte, error) {
		// The first Acquire also launches the shared browser.
		acquireCtx, acquireCancel := context.WithTimeout(ctx, r.acquireTimeout())
		defer acquireCancel()

		tab, err := pool.Acquire(acquireCtx)
		if err != nil {
			return nil, err
		}

		tabCtx, cancel := context.WithTimeout(tab.Ctx, r.cfg.RenderTimeout())
		stop := context.AfterFunc(ctx, cancel)
		pdf, renderErr := printHTML(tabCtx, html, r.page)
		stop()
		cancel()

		pool.Release(tab, renderErr)
		return pdf, renderErr
	}

	pdf, err := runOnce()
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && chrome.IsSessionInterrupted(err) {
		u.Warn("Chrome session interrupted; restarting pool and retrying once", "error", err)
		if rerr := pool.Restart(); rerr != nil {
			return nil, rerr
		}
		return runOnce()
	}
	return pdf, err
}

func (r *ChromeRenderer) acquireTimeout() time.Duration {
	if d := r.cfg.RenderTimeout(); d > minAcquireTimeout {
		return d
	}
	return minAcquireTimeout
}

// renderOneShot starts a dedicated Chrome for a single document.
func (r *ChromeRenderer) renderOneShot(ctx context.Context, html string) ([]byte, error) {
	tmpDir, err := os.MkdirTemp(r.cfg.PDF.UserDataDir, "chromedata-*")
	if err != nil {
		return nil, fmt.Errorf("cannot create temp profile dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, chrome.AllocatorOptions(r.cfg, tmpDir)...)
	defer allocCancel()
	chromeCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	chromeCtx, timeoutCancel := context.WithTimeout(chromeCtx, r.cfg.RenderTimeout())
	defer timeoutCancel()

	return printHTML(chromeCtx, html, r.page)
}

// printHTML loads html into the tab bound to ctx and prints it to PDF.
func printHTML(ctx context.Context, html string, p Page) ([]byte, error) {
	var pdf []byte
	err := chromedp.Run(ctx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frame, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frame.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(p.Width).
				WithPaperHeight(p.Height).
				WithMarginTop(p.Margin).
				WithMarginBottom(p.Margin).
				WithMarginLeft(p.Margin).
				WithMarginRight(p.Margin).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, err
	}
	return pdf, nil
}

// Close shuts the pool down if it was started.
func (r *ChromeRenderer) Close() error {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()
	if r.pool != nil {
		r.pool.Close()
		r.pool = nil
	}
	return nil
}
