// Package chrome keeps one headless Chrome process alive and hands out tabs
// to concurrent renders, bounded by the configured pool size.
package chrome

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	u "md2pdf/internal/utils"
)

var (
	// ErrPoolDisabled is returned by NewPool when pdf.chrome_pool_size is 0.
	ErrPoolDisabled = errors.New("chrome pool disabled")
	// ErrPoolClosed is returned by Acquire and Restart after Close.
	ErrPoolClosed = errors.New("chrome pool closed")
)

// Tab is one browser tab leased from the pool.
type Tab struct {
	Ctx    context.Context
	cancel context.CancelFunc
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Enabled      bool      `json:"enabled"`
	Capacity     int       `json:"capacity"`
	Idle         int       `json:"idle"`
	InUse        int       `json:"in_use"`
	PoolSizeConf int       `json:"pool_size_conf"`
	ProfileDir   string    `json:"profile_dir"`
	TimeoutSecs  int       `json:"timeout_secs"`
	Started      bool      `json:"started"`
	Restarts     int       `json:"restarts"`
	LastRestart  time.Time `json:"last_restart,omitempty"`
}

// Pool owns the browser process and a semaphore of tab slots.
type Pool struct {
	cfg u.Config

	mu            sync.Mutex
	sem           chan struct{}
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	profileDir    string
	closed        bool
	started       bool
	restarts      int
	lastRestart   time.Time

	// launch starts the browser bound to browserCtx. Tabs opened before it
	// succeeds would each spawn their own Chrome.
	launch func(browserCtx context.Context) error
}

func runBrowser(browserCtx context.Context) error {
	return chromedp.Run(browserCtx)
}

// AllocatorOptions are the Chrome flags shared by pooled and one-shot renders.
func AllocatorOptions(cfg u.Config, profileDir string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		// Software rendering only; containers rarely have a usable GPU.
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-gpu-compositing", true),
		chromedp.Flag("disable-features", "Vulkan,UseSkiaRenderer"),
		chromedp.Flag("use-gl", "swiftshader"),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.PDF.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.PDF.ChromePath))
	}
	if cfg.PDF.ChromeNoSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}
	return opts
}

// NewPool prepares a pool of cfg.PDF.ChromePoolSize tabs. The browser itself
// starts on the first Acquire and every tab shares it.
func NewPool(cfg u.Config) (*Pool, error) {
	if cfg.PDF.ChromePoolSize <= 0 {
		return nil, ErrPoolDisabled
	}
	p := &Pool{
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.PDF.ChromePoolSize),
		launch: runBrowser,
	}
	for i := 0; i < cfg.PDF.ChromePoolSize; i++ {
		p.sem <- struct{}{}
	}
	if err := p.startBrowser(); err != nil {
		return nil, err
	}
	u.Info("Chrome pool ready", "size", cfg.PDF.ChromePoolSize, "profile_dir", p.profileDir)
	return p, nil
}

// startBrowser must be called with mu held or before the pool is shared.
func (p *Pool) startBrowser() error {
	dir, err := createProfileDir(p.cfg)
	if err != nil {
		return err
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(p.cfg, dir)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	p.profileDir = dir
	p.allocCancel = allocCancel
	p.browserCtx = browserCtx
	p.browserCancel = browserCancel
	p.started = false
	return nil
}

// warmLocked launches the shared browser once. It must be called with mu held.
// A failed or abandoned launch leaves a fresh, unstarted browser context behind.
func (p *Pool) warmLocked(ctx context.Context) error {
	if p.started {
		return nil
	}
	launch := p.launch
	if launch == nil {
		launch = runBrowser
	}

	browserCtx := p.browserCtx
	done := make(chan error, 1)
	go func() { done <- launch(browserCtx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err == nil {
		p.started = true
		u.Info("Chrome browser started", "profile_dir", p.profileDir)
		return nil
	}

	p.stopBrowser()
	if rerr := p.startBrowser(); rerr != nil {
		return errors.Join(err, rerr)
	}
	return fmt.Errorf("start chrome: %w", err)
}

func (p *Pool) stopBrowser() {
	if p.browserCancel != nil {
		p.browserCancel()
		p.browserCancel = nil
	}
	if p.allocCancel != nil {
		p.allocCancel()
		p.allocCancel = nil
	}
	if p.profileDir != "" {
		_ = os.RemoveAll(p.profileDir)
	}
}

// createProfileDir makes a fresh Chrome user data dir under pdf.user_data_dir
// (or the system temp dir).
func createProfileDir(cfg u.Config) (string, error) {
	base := cfg.PDF.UserDataDir
	if base == "" {
		base = os.TempDir()
	} else if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("cannot create chrome profile base %s: %w", base, err)
	}
	dir, err := os.MkdirTemp(base, "chromedata-*")
	if err != nil {
		return "", fmt.Errorf("cannot create chrome profile dir: %w", err)
	}
	return dir, nil
}

// Acquire waits for a free slot and opens a new tab in the shared browser.
func (p *Pool) Acquire(ctx context.Context) (*Tab, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	select {
	case <-p.sem:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.sem <- struct{}{}
		return nil, ErrPoolClosed
	}
	if err := p.warmLocked(ctx); err != nil {
		p.sem <- struct{}{}
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(p.browserCtx)
	return &Tab{Ctx: tabCtx, cancel: cancel}, nil
}

// Release closes the tab and frees its slot. renderErr is only logged.
func (p *Pool) Release(tab *Tab, renderErr error) {
	if tab == nil {
		return
	}
	if tab.cancel != nil {
		tab.cancel()
	}
	if renderErr != nil {
		u.Debug("Chrome tab released after error", "error", renderErr)
	}
	p.sem <- struct{}{}
}

// Restart replaces the browser process and its profile dir. Tabs leased from
// the old browser fail and are released normally.
func (p *Pool) Restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.stopBrowser()
	if err := p.startBrowser(); err != nil {
		return err
	}
	p.restarts++
	p.lastRestart = time.Now()
	u.Warn("Chrome pool restarted", "restarts", p.restarts)
	return nil
}

// Close stops the browser. It is safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.stopBrowser()
}

// Stats reports capacity and usage.
func (p *Pool) Stats(timeoutSecs int) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	capacity := cap(p.sem)
	idle := len(p.sem)
	return Stats{
		Enabled:      !p.closed && capacity > 0,
		Capacity:     capacity,
		Idle:         idle,
		InUse:        capacity - idle,
		PoolSizeConf: p.cfg.PDF.ChromePoolSize,
		ProfileDir:   p.profileDir,
		TimeoutSecs:  timeoutSecs,
		Started:      p.started,
		Restarts:     p.restarts,
		LastRestart:  p.lastRestart,
	}
}

// IsSessionInterrupted reports errors that mean the tab or browser went away
// rather than the document being bad.
func IsSessionInterrupted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"target closed", "session closed", "websocket", "connection reset", "browser has disconnected"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
