package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"md2pdf/internal/app"
	"md2pdf/internal/auth"
	"md2pdf/internal/cleanup"
	"md2pdf/internal/handlers"
	"md2pdf/internal/metrics"
	"md2pdf/internal/render"
	"md2pdf/internal/storage"
	u "md2pdf/internal/utils"
)

const shutdownTimeout = 5 * time.Second

type flags struct {
	config string
	host   string
	port   string
}

func parseFlags() flags {
	var f flags
	pflag.StringVarP(&f.config, "config", "c", "", "path to the YAML config (default $CONFIG_PATH or config.yaml)")
	pflag.StringVar(&f.host, "host", "", "listen host, overrides server.host and $HOST")
	pflag.StringVarP(&f.port, "port", "p", "", "listen port, overrides server.port and $PORT")
	pflag.Parse()
	return f
}

func loadConfig(f flags) u.Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "cannot load .env: %v\n", err)
	}
	if f.config != "" {
		os.Setenv("CONFIG_PATH", f.config)
	}
	cfg := u.LoadConfig()

	if v := firstNonEmpty(f.host, os.Getenv("HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := firstNonEmpty(f.port, os.Getenv("PORT")); v != "" {
		cfg.Server.Port = v
	}
	// Allow common container env var to override chrome_path.
	if cfg.PDF.ChromePath == "" {
		if v := os.Getenv("CHROME_BIN"); v != "" {
			cfg.PDF.ChromePath = v
		}
	}
	return cfg
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func main() {
	cfg := loadConfig(parseFlags())
	u.InitLogger(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		cfg.Logger.Level,
	)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		u.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		u.Warn("Failed to set GOMAXPROCS", "error", err)
	}

	if err := run(cfg); err != nil {
		u.Error("Server error", "error", err)
		os.Exit(1)
	}
	u.Info("Server stopped cleanly")
}

func run(cfg u.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	store, err := storage.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	registry := cleanup.NewRegistry(cfg.Cleanup.Retention)
	scheduler := cleanup.NewScheduler(registry, store, cfg.Cleanup.Interval, m)
	if n, err := scheduler.Adopt(ctx); err != nil {
		u.Warn("Failed to adopt existing PDFs", "error", err)
	} else if n > 0 {
		u.Info("Adopted existing PDFs", "count", n)
	}
	scheduler.Sweep(ctx)

	renderer, err := render.New(cfg)
	if err != nil {
		return fmt.Errorf("init renderer: %w", err)
	}
	defer renderer.Close()

	if cfg.Cache.PDFCacheEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Cache.RedisHost,
			DB:   cfg.Cache.PDFCacheDB,
		})
		defer rdb.Close()
		page, err := render.PageFromConfig(cfg)
		if err != nil {
			return err
		}
		renderer = render.NewCachedRenderer(renderer, rdb, cfg.Cache.PDFCacheTTL, page, m)
		u.Info("PDF cache enabled", "addr", cfg.Cache.RedisHost, "db", cfg.Cache.PDFCacheDB, "ttl", cfg.Cache.PDFCacheTTL)
	}

	var tokens *auth.Store
	if cfg.Auth.Postgres.Enabled() || len(cfg.Auth.StaticTokens) > 0 {
		tokens = auth.NewStore(cfg.Auth.Postgres, cfg.Auth.StaticTokens)
		defer tokens.Close()
		if err := tokens.Load(ctx); err != nil {
			u.Error("Failed to load API tokens", "error", err)
		}
	}

	svc := handlers.NewPDFService(handlers.Deps{
		Config:   cfg,
		Renderer: renderer,
		Store:    store,
		Registry: registry,
		Recorder: m,
	})
	application := app.SetupApp(cfg, app.Deps{
		Service:        svc,
		Tokens:         tokens,
		Metrics:        m,
		Store:          store,
		LimiterStorage: app.NewLimiterStorage(cfg),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u.Info("Listening", "addr", cfg.Addr(), "engine", renderer.Engine(), "storage", cfg.Storage.Backend)
		return application.Listen(cfg.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(application)
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	if tokens != nil {
		g.Go(func() error {
			return tokens.Refresh(gctx, cfg.Auth.RefreshInterval)
		})
	}
	return g.Wait()
}

// shutdown drains in-flight requests with a bounded timeout.
func shutdown(application *fiber.App) error {
	u.Warn("Shutdown signal received, closing server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := application.ShutdownWithContext(ctx); err != nil {
		u.Error("Server forced to shutdown", "error", err)
		return err
	}
	return nil
}
