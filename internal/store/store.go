// Package store keeps an optional PostgreSQL history of captures.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/profilecap/internal/config"
)

// Capture statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// DefaultLimit and MaxLimit bound RecentCaptures.
const (
	DefaultLimit = 20
	MaxLimit     = 500
)

// DBPool is the subset of pgxpool.Pool the store uses, so tests can mock it.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Capture is one orchestrated fetch.
type Capture struct {
	ID             uuid.UUID     `json:"id"`
	ProfileURL     string        `json:"profileUrl"`
	Status         string        `json:"status"`
	Kind           string        `json:"kind,omitempty"`
	ScreenshotPath string        `json:"screenshotPath,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"-"`
	DurationMS     int64         `json:"durationMs"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Store writes and reads the captures table.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// Open connects to cfg.URL. The returned close function releases the pool.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Store, func(), error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

const sqlCreateCaptures = `
    CREATE TABLE IF NOT EXISTS captures (
        id UUID PRIMARY KEY,
        profile_url TEXT NOT NULL,
        status TEXT NOT NULL,
        kind TEXT NOT NULL DEFAULT '',
        screenshot_path TEXT NOT NULL DEFAULT '',
        error TEXT NOT NULL DEFAULT '',
        duration_ms BIGINT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL
    );
    CREATE INDEX IF NOT EXISTS captures_created_at_idx ON captures (created_at DESC);
`

// Migrate creates the captures table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateCaptures); err != nil {
		return fmt.Errorf("failed to migrate captures table: %w", err)
	}
	return nil
}

const sqlInsertCapture = `
    INSERT INTO captures (id, profile_url, status, kind, screenshot_path, error, duration_ms, created_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`

// RecordCapture inserts c, filling in the ID and timestamp when unset.
func (s *Store) RecordCapture(ctx context.Context, c Capture) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	tag, err := s.pool.Exec(ctx, sqlInsertCapture,
		c.ID, c.ProfileURL, c.Status, c.Kind, c.ScreenshotPath, c.Error,
		c.Duration.Milliseconds(), c.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record capture: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("failed to record capture: expected 1 row, got %d", tag.RowsAffected())
	}
	s.log.Debug("Capture recorded", zap.Stringer("id", c.ID), zap.String("status", c.Status))
	return nil
}

const sqlRecentCaptures = `
    SELECT id, profile_url, status, kind, screenshot_path, error, duration_ms, created_at
    FROM captures
    ORDER BY created_at DESC
    LIMIT $1;
`

// RecentCaptures returns up to limit captures, newest first. limit is
// clamped to [1, MaxLimit], with DefaultLimit for non-positive values.
func (s *Store) RecentCaptures(ctx context.Context, limit int) ([]Capture, error) {
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	rows, err := s.pool.Query(ctx, sqlRecentCaptures, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query captures: %w", err)
	}
	defer rows.Close()

	captures := []Capture{}
	for rows.Next() {
		var c Capture
		if err := rows.Scan(&c.ID, &c.ProfileURL, &c.Status, &c.Kind, &c.ScreenshotPath, &c.Error, &c.DurationMS, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan capture row: %w", err)
		}
		c.Duration = time.Duration(c.DurationMS) * time.Millisecond
		captures = append(captures, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return captures, nil
}
