package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"md2pdf/internal/auth"
	u "md2pdf/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	panicRecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	memoryStorage "github.com/gofiber/storage/memory/v2"
	redisStorage "github.com/gofiber/storage/redis/v2"
	"github.com/rs/xid"
)

const (
	apiKeyHeader = "X-API-Key"
	apiKeyLocal  = "api_key"
)

// NewLimiterStorage connects the limiter to Redis and falls back to memory
// when Redis is unreachable.
func NewLimiterStorage(cfg u.Config) (store fiber.Storage) {
	store = memoryStorage.New() // safe default

	defer func() {
		if r := recover(); r != nil {
			u.Error("Redis limiter store init panicked, falling back to memory", "panic", r)
		}
	}()
	store = redisStorage.New(redisStorage.Config{
		Addrs:    []string{cfg.Cache.RedisHost},
		Database: cfg.Cache.RateLimitDB,
	})
	u.Info("Using Redis for rate limiting", "addr", cfg.Cache.RedisHost, "db", cfg.Cache.RateLimitDB)
	return store
}

func tooManyRequests(c *fiber.Ctx) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    fiber.StatusTooManyRequests,
			"message": "Too Many Requests",
		},
	})
}

func clientKey(c *fiber.Ctx) string {
	sum := sha256.Sum256([]byte(c.IP() + c.Get(fiber.HeaderUserAgent)))
	return hex.EncodeToString(sum[:])
}

func apiKey(c *fiber.Ctx) string {
	token, _ := c.Locals(apiKeyLocal).(string)
	return token
}

// rateLimiters owns the per-token limiter handlers, one per distinct limit.
type rateLimiters struct {
	cfg     u.Config
	storage fiber.Storage
	tokens  *auth.Store

	mu      sync.RWMutex
	byLimit map[int]fiber.Handler
}

func newRateLimiters(cfg u.Config, storage fiber.Storage, tokens *auth.Store) *rateLimiters {
	if storage == nil {
		storage = memoryStorage.New()
	}
	return &rateLimiters{
		cfg:     cfg,
		storage: storage,
		tokens:  tokens,
		byLimit: make(map[int]fiber.Handler),
	}
}

// tokenLimiter returns a cached limiter for the given token limit, creating one if needed.
func (rl *rateLimiters) tokenLimiter(limit int) fiber.Handler {
	rl.mu.RLock()
	h, ok := rl.byLimit[limit]
	rl.mu.RUnlock()
	if ok {
		return h
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if h, ok := rl.byLimit[limit]; ok {
		return h
	}
	h = limiter.New(limiter.Config{
		Max:               limit,
		Expiration:        rl.cfg.RateLimiter.Interval,
		LimiterMiddleware: limiter.SlidingWindow{},
		Storage:           rl.storage,
		KeyGenerator:      apiKey,
		LimitReached: func(c *fiber.Ctx) error {
			u.Warn("Rate limit exceeded", "token", apiKey(c), "path", c.Path())
			return tooManyRequests(c)
		},
	})
	rl.byLimit[limit] = h
	return h
}

// tokenMiddleware applies per-token rate limits. Tokens with limit 0 are unlimited.
func (rl *rateLimiters) tokenMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := apiKey(c)
		if token == "" || rl.tokens == nil {
			return c.Next()
		}
		limit := rl.tokens.RateLimit(token)
		if limit == 0 {
			return c.Next()
		}
		return rl.tokenLimiter(limit)(c)
	}
}

// userMiddleware limits anonymous requests by client IP and user agent.
func (rl *rateLimiters) userMiddleware() fiber.Handler {
	if rl.cfg.RateLimiter.UserLimit <= 0 {
		return func(c *fiber.Ctx) error {
			return c.Next()
		}
	}
	userLimiter := limiter.New(limiter.Config{
		Max:               rl.cfg.RateLimiter.UserLimit,
		Expiration:        rl.cfg.RateLimiter.Interval,
		LimiterMiddleware: limiter.SlidingWindow{},
		Storage:           rl.storage,
		KeyGenerator:      clientKey,
		LimitReached: func(c *fiber.Ctx) error {
			u.Warn("Rate limit exceeded", "user", clientKey(c), "path", c.Path())
			return tooManyRequests(c)
		},
	})
	return func(c *fiber.Ctx) error {
		// Authenticated requests are governed by their token limit only.
		if apiKey(c) != "" {
			return c.Next()
		}
		return userLimiter(c)
	}
}

func apiKeyAuth(tokens *auth.Store) fiber.Handler {
	return keyauth.New(keyauth.Config{
		KeyLookup:  "header:" + apiKeyHeader,
		ContextKey: apiKeyLocal,
		Validator: func(c *fiber.Ctx, key string) (bool, error) {
			if !tokens.Ready() {
				return false, auth.ErrTokenStoreNotReady
			}
			if !tokens.Valid(key) {
				return false, auth.ErrInvalidAPIKey
			}
			return true, nil
		},
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || c.Get(apiKeyHeader) == ""
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// keyauth may call this with a nil error.
			status := fiber.StatusUnauthorized
			if err == nil {
				err = fiber.ErrUnauthorized
			}
			if errors.Is(err, auth.ErrTokenStoreNotReady) {
				status = fiber.StatusServiceUnavailable
			}
			return c.Status(status).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    status,
					"message": err.Error(),
				},
			})
		},
	})
}

func requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		u.Info("Request handled",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"duration", time.Since(start),
			"request_id", c.GetRespHeader(fiber.HeaderXRequestID))
		return err
	}
}

// RegisterMiddleware attaches global middleware to the app
func RegisterMiddleware(app *fiber.App, cfg u.Config, d Deps) {
	app.Use(panicRecover.New())

	app.Use(requestid.New(requestid.Config{
		Generator: func() string {
			return xid.New().String()
		},
	}))

	app.Use(cors.New())

	if d.Metrics != nil {
		app.Use(d.Metrics.Middleware())
	}

	app.Use(healthcheck.New(healthcheck.Config{
		ReadinessProbe: func(c *fiber.Ctx) bool {
			if d.Store == nil {
				return true
			}
			ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
			defer cancel()
			if err := d.Store.Ping(ctx); err != nil {
				u.Warn("Readiness check failed", "error", err)
				return false
			}
			return true
		},
	}))

	app.Use(requestLogger())

	rl := newRateLimiters(cfg, d.LimiterStorage, d.Tokens)
	if d.Tokens != nil {
		app.Use(apiKeyAuth(d.Tokens))
		app.Use(rl.tokenMiddleware())
	}
	if cfg.RateLimiter.EnableUserLimiter || cfg.RateLimiter.UserLimit > 0 {
		app.Use(rl.userMiddleware())
	}
}
