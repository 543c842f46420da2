package render

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	u "md2pdf/internal/utils"
)

// CacheObserver is notified of cache lookups.
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

// CachedRenderer serves repeated Markdown from Redis instead of re-rendering.
// Redis failures are logged and fall through to the wrapped engine.
type CachedRenderer struct {
	next     Renderer
	rdb      *redis.Client
	ttl      time.Duration
	page     Page
	observer CacheObserver
}

// NewCachedRenderer wraps next. A non-positive ttl defaults to one minute.
func NewCachedRenderer(next Renderer, rdb *redis.Client, ttl time.Duration, p Page, obs CacheObserver) *CachedRenderer {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedRenderer{next: next, rdb: rdb, ttl: ttl, page: p, observer: obs}
}

func (c *CachedRenderer) Engine() string { return c.next.Engine() }
func (c *CachedRenderer) Close() error   { return c.next.Close() }

// Unwrap returns the wrapped engine.
func (c *CachedRenderer) Unwrap() Renderer { return c.next }

// Key derives the Redis key from everything that affects the output bytes.
func (c *CachedRenderer) Key(md string) string {
	h := sha256.New()
	h.Write([]byte(c.next.Engine()))
	h.Write([]byte{0})
	h.Write([]byte(c.page.Name))
	h.Write([]byte(strconv.FormatFloat(c.page.Margin, 'f', 2, 64)))
	h.Write([]byte{0})
	h.Write([]byte(md))
	return "pdfcache:" + hex.EncodeToString(h.Sum(nil))
}

func (c *CachedRenderer) Render(ctx context.Context, md string) ([]byte, error) {
	key := c.Key(md)

	if cached, err := c.get(ctx, key); err == nil && cached != nil {
		if c.observer != nil {
			c.observer.CacheHit()
		}
		u.Debug("PDF cache hit", "key", key)
		return cached, nil
	}
	if c.observer != nil {
		c.observer.CacheMiss()
	}

	pdf, err := c.next.Render(ctx, md)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, pdf)
	return pdf, nil
}

func (c *CachedRenderer) get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	cached, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		u.Warn("Redis read failed", "error", err)
		return nil, err
	}
	return cached, nil
}

func (c *CachedRenderer) set(ctx context.Context, key string, pdf []byte) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := c.rdb.Set(ctx, key, pdf, c.ttl).Err(); err != nil {
		u.Warn("Redis write failed", "error", err)
	}
}
