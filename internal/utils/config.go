package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when neither --config nor CONFIG_PATH is set.
const DefaultConfigPath = "config.yaml"

// PaperSize is a page size in inches.
type PaperSize struct {
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

// PostgresConfig describes the optional API token database.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// Enabled reports whether a token database is configured at all.
func (p PostgresConfig) Enabled() bool {
	return p.Host != ""
}

// MinIOConfig describes the object storage backend.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Config is the full service configuration as read from YAML.
type Config struct {
	Server struct {
		Host          string   `yaml:"host"`
		Port          string   `yaml:"port"`
		Prefork       bool     `yaml:"prefork"`
		PublicBaseURL string   `yaml:"public_base_url"`
		ConvertPaths  []string `yaml:"convert_paths"`
	} `yaml:"server"`

	Logger struct {
		File       string `yaml:"file"`
		Level      string `yaml:"level"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logger"`

	Cache struct {
		PDFCacheEnabled bool          `yaml:"pdf_cache_enabled"`
		PDFCacheTTL     time.Duration `yaml:"pdf_cache_ttl"`
		RedisHost       string        `yaml:"redis_host"`
		RateLimitDB     int           `yaml:"redis_rate_db"`
		PDFCacheDB      int           `yaml:"redis_pdf_db"`
	} `yaml:"cache"`

	PDF struct {
		Engine          string               `yaml:"engine"`
		DefaultPaper    string               `yaml:"default_paper"`
		PaperSizes      map[string]PaperSize `yaml:"paper_sizes"`
		Margin          float64              `yaml:"margin"`
		TimeoutSecs     int                  `yaml:"timeout_secs"`
		ChromePath      string               `yaml:"chrome_path"`
		ChromeNoSandbox bool                 `yaml:"chrome_no_sandbox"`
		ChromePoolSize  int                  `yaml:"chrome_pool_size"`
		UserDataDir     string               `yaml:"user_data_dir"`
	} `yaml:"pdf"`

	Limits struct {
		MaxMarkdownBytes int `yaml:"max_markdown_bytes"`
		MaxPDFBytes      int `yaml:"max_pdf_bytes"`
	} `yaml:"limits"`

	RateLimiter struct {
		Interval          time.Duration `yaml:"interval"`
		EnableUserLimiter bool          `yaml:"enable_user_limiter"`
		UserLimit         int           `yaml:"user_limit"`
	} `yaml:"rate_limiter"`

	Auth struct {
		Postgres        PostgresConfig `yaml:"postgres"`
		StaticTokens    map[string]int `yaml:"static_tokens"`
		RefreshInterval time.Duration  `yaml:"refresh_interval"`
	} `yaml:"auth"`

	Storage struct {
		Backend string      `yaml:"backend"`
		Dir     string      `yaml:"dir"`
		MinIO   MinIOConfig `yaml:"minio"`
	} `yaml:"storage"`

	Cleanup struct {
		Retention time.Duration `yaml:"retention"`
		Interval  time.Duration `yaml:"interval"`
	} `yaml:"cleanup"`

	Delivery struct {
		URLMode bool `yaml:"url_mode"`
	} `yaml:"delivery"`
}

// Addr returns the listener address built from host and port.
func (c Config) Addr() string {
	port := c.Server.Port
	if port != "" && !strings.HasPrefix(port, ":") {
		port = ":" + port
	}
	return c.Server.Host + port
}

// RenderTimeout is the per-document rendering deadline.
func (c Config) RenderTimeout() time.Duration {
	return time.Duration(c.PDF.TimeoutSecs) * time.Second
}

// DefaultConfig returns the configuration used for every key the YAML file omits.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = ":8000"
	cfg.Server.ConvertPaths = []string{"/convert", "/text-input"}

	cfg.Logger.Level = "info"
	cfg.Logger.MaxSizeMB = 10
	cfg.Logger.MaxBackups = 3
	cfg.Logger.MaxAgeDays = 7

	cfg.Cache.PDFCacheTTL = time.Hour
	cfg.Cache.RedisHost = "127.0.0.1:6379"
	cfg.Cache.RateLimitDB = 0
	cfg.Cache.PDFCacheDB = 1

	cfg.PDF.Engine = "chrome"
	cfg.PDF.DefaultPaper = "A4"
	cfg.PDF.PaperSizes = map[string]PaperSize{
		"A4":     {Width: 8.27, Height: 11.69},
		"LETTER": {Width: 8.5, Height: 11},
	}
	cfg.PDF.Margin = 0.4
	cfg.PDF.TimeoutSecs = 30

	cfg.Limits.MaxMarkdownBytes = 1 << 20
	cfg.Limits.MaxPDFBytes = 20 << 20

	cfg.RateLimiter.Interval = time.Minute

	cfg.Auth.RefreshInterval = time.Minute

	cfg.Storage.Backend = "local"
	cfg.Storage.Dir = filepath.Join(os.TempDir(), "markdown_pdfs")

	cfg.Cleanup.Retention = time.Hour
	cfg.Cleanup.Interval = 10 * time.Minute

	cfg.Delivery.URLMode = true
	return cfg
}

// LoadConfig resolves the config path from CONFIG_PATH and loads it. A missing
// file at the default path yields the defaults; any other problem panics.
func LoadConfig() Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = DefaultConfigPath
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg := DefaultConfig()
			if err := cfg.Validate(); err != nil {
				panic(err)
			}
			return cfg
		}
	}
	cfg, err := LoadConfigFrom(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfigFrom reads YAML from path on top of DefaultConfig and validates the result.
func LoadConfigFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field consistency.
func (c *Config) Validate() error {
	var errs []error

	switch c.PDF.Engine {
	case "chrome", "native":
	default:
		errs = append(errs, fmt.Errorf("pdf.engine must be 'chrome' or 'native', got %q", c.PDF.Engine))
	}
	c.PDF.DefaultPaper = strings.ToUpper(c.PDF.DefaultPaper)
	if _, ok := c.PDF.PaperSizes[c.PDF.DefaultPaper]; !ok {
		errs = append(errs, fmt.Errorf("pdf.default_paper %q is not in pdf.paper_sizes", c.PDF.DefaultPaper))
	}
	if c.PDF.Margin < 0 || c.PDF.Margin > 2 {
		errs = append(errs, fmt.Errorf("pdf.margin must be between 0 and 2 inches"))
	}
	if c.PDF.TimeoutSecs <= 0 {
		errs = append(errs, fmt.Errorf("pdf.timeout_secs must be positive"))
	}
	if c.PDF.ChromePoolSize < 0 {
		errs = append(errs, fmt.Errorf("pdf.chrome_pool_size must not be negative"))
	}

	if c.Limits.MaxMarkdownBytes <= 0 || c.Limits.MaxPDFBytes <= 0 {
		errs = append(errs, fmt.Errorf("limits must be positive"))
	}
	if c.RateLimiter.Interval <= 0 {
		errs = append(errs, fmt.Errorf("rate_limiter.interval must be positive"))
	}
	if c.RateLimiter.UserLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limiter.user_limit must not be negative"))
	}
	if c.Auth.Postgres.Enabled() && c.Auth.RefreshInterval <= 0 {
		errs = append(errs, fmt.Errorf("auth.refresh_interval must be positive"))
	}

	switch c.Storage.Backend {
	case "local":
		if c.Storage.Dir == "" {
			errs = append(errs, fmt.Errorf("storage.dir is required for the local backend"))
		}
	case "minio":
		if c.Storage.MinIO.Endpoint == "" || c.Storage.MinIO.Bucket == "" {
			errs = append(errs, fmt.Errorf("storage.minio.endpoint and storage.minio.bucket are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be 'local' or 'minio', got %q", c.Storage.Backend))
	}

	if c.Cleanup.Retention <= 0 || c.Cleanup.Interval <= 0 {
		errs = append(errs, fmt.Errorf("cleanup.retention and cleanup.interval must be positive"))
	}

	if len(c.Server.ConvertPaths) == 0 {
		errs = append(errs, fmt.Errorf("server.convert_paths must list at least one path"))
	}
	for _, p := range c.Server.ConvertPaths {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("server.convert_paths entry %q must start with '/'", p))
		}
	}
	c.Server.PublicBaseURL = strings.TrimRight(c.Server.PublicBaseURL, "/")

	return errors.Join(errs...)
}
