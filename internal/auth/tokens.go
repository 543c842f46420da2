// Package auth holds the API token cache used for optional X-API-Key
// authentication and per-token rate limits.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	u "md2pdf/internal/utils"
)

var (
	// ErrInvalidAPIKey signals that the provided API key is not known.
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrTokenStoreNotReady signals that the token store has not been loaded yet.
	// This can happen during startup when the DB isn't ready.
	ErrTokenStoreNotReady = errors.New("token store not ready")
)

const tokensDDL = `CREATE TABLE IF NOT EXISTS api_tokens (
	token TEXT PRIMARY KEY,
	rate_limit INTEGER NOT NULL DEFAULT 60,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	comment TEXT
);`

// Store caches token → rate limit. Static tokens from config are always
// present; Postgres tokens are merged on top when a database is configured.
type Store struct {
	mu     sync.RWMutex
	cache  map[string]int
	static map[string]int

	pg   u.PostgresConfig
	dbMu sync.Mutex
	dsn  string
	db   *sql.DB
}

// NewStore creates a store seeded with static tokens. Without a database it
// is ready immediately.
func NewStore(pg u.PostgresConfig, static map[string]int) *Store {
	s := &Store{pg: pg, static: make(map[string]int, len(static))}
	for k, v := range static {
		s.static[k] = v
	}
	if !pg.Enabled() {
		s.Replace(nil)
	}
	return s
}

func postgresPort(cfg u.PostgresConfig) int {
	if cfg.Port != 0 {
		return cfg.Port
	}
	return 5432
}

// postgresDSN builds a postgres:// URL, or passes one through unchanged.
func postgresDSN(cfg u.PostgresConfig) (string, error) {
	if strings.HasPrefix(cfg.Host, "postgres://") || strings.HasPrefix(cfg.Host, "postgresql://") {
		return cfg.Host, nil
	}
	if cfg.Host == "" {
		return "", fmt.Errorf("postgres host is empty")
	}
	if cfg.Database == "" {
		return "", fmt.Errorf("postgres database is empty")
	}
	if cfg.User == "" {
		return "", fmt.Errorf("postgres user is empty")
	}

	hostPort := cfg.Host
	port := postgresPort(cfg)
	switch {
	case strings.HasPrefix(hostPort, "["):
		if !strings.Contains(hostPort, "]:") {
			hostPort = fmt.Sprintf("%s:%d", hostPort, port)
		}
	case strings.Count(hostPort, ":") >= 2:
		hostPort = fmt.Sprintf("[%s]:%d", hostPort, port)
	case !strings.Contains(hostPort, ":"):
		hostPort = fmt.Sprintf("%s:%d", hostPort, port)
	}

	dsn := &url.URL{Scheme: "postgres", Host: hostPort, Path: "/" + cfg.Database}
	if cfg.Password != "" {
		dsn.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		dsn.User = url.User(cfg.User)
	}
	q := dsn.Query()
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	dsn.RawQuery = q.Encode()
	return dsn.String(), nil
}

func (s *Store) getDB(ctx context.Context) (*sql.DB, error) {
	dsn, err := postgresDSN(s.pg)
	if err != nil {
		return nil, err
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	if s.db != nil && s.dsn == dsn {
		return s.db, nil
	}
	if s.db != nil {
		_ = s.db.Close()
		s.db, s.dsn = nil, ""
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Small control-plane table; a handful of connections is plenty.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.db, s.dsn = db, dsn
	return s.db, nil
}

// Load reads all tokens from Postgres, creating the table if needed, and
// replaces the cache. On error the previous cache is kept.
func (s *Store) Load(ctx context.Context) error {
	if !s.pg.Enabled() {
		return nil
	}
	db, err := s.getDB(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, tokensDDL); err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx, `SELECT token, rate_limit FROM api_tokens;`)
	if err != nil {
		return err
	}
	defer rows.Close()

	loaded := make(map[string]int)
	for rows.Next() {
		var token string
		var limit int
		if err := rows.Scan(&token, &limit); err != nil {
			return err
		}
		loaded[token] = limit
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.Replace(loaded)
	return nil
}

// Replace swaps the dynamic token set; static tokens win on conflict.
func (s *Store) Replace(m map[string]int) {
	cache := make(map[string]int, len(m)+len(s.static))
	for k, v := range m {
		cache[k] = v
	}
	for k, v := range s.static {
		cache[k] = v
	}
	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
}

// Ready is true once the cache has been filled at least once.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache != nil
}

// Valid reports whether token is known.
func (s *Store) Valid(token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cache[token]
	return ok
}

// RateLimit returns the per-interval limit for token; 0 means unlimited.
func (s *Store) RateLimit(token string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[token]
}

// Refresh reloads from Postgres every interval until ctx is done.
func (s *Store) Refresh(ctx context.Context, interval time.Duration) error {
	if !s.pg.Enabled() {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Load(ctx); err != nil {
				u.Error("Failed to reload API tokens", "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
