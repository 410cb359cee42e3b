// Package db provides the Postgres connection, schema migration, and the
// stores backed by it: the event archive, the channel id cache and the OAuth
// token store.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// ErrNoDSN is returned by Open when no DSN is configured.
var ErrNoDSN = errors.New("database dsn is empty")

// Connect opens a Postgres handle for dsn without checking connectivity.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, ErrNoDSN
	}
	return sql.Open("pgx", dsn)
}

// Open connects, pings and brings the schema up to date. Versioned migrations
// are tried first; if they cannot run the idempotent statements in Migrate are
// applied instead.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dbx, err := Connect(dsn)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(pctx); err != nil {
		_ = dbx.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := RunMigrations(dbx); err != nil {
		logger.Warn("versioned migrations failed; applying embedded schema",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := Migrate(ctx, dbx); err != nil {
			_ = dbx.Close()
			return nil, err
		}
	}
	return dbx, nil
}

// Migrate applies idempotent schema changes for every table the service uses.
// It mirrors the versioned migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS youtube_events (
			id BIGSERIAL PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			type TEXT NOT NULL,
			video_id TEXT,
			username TEXT,
			event_ts TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`ALTER TABLE youtube_events ADD COLUMN IF NOT EXISTS stream_id TEXT`,
		`CREATE TABLE IF NOT EXISTS channel_cache (
			handle TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			resolved_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			token_type TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			encryption_version INTEGER DEFAULT 0,
			encryption_key_id TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_youtube_events_corr ON youtube_events(correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_youtube_events_video_ts ON youtube_events(video_id, event_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_youtube_events_type_ts ON youtube_events(type, event_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_youtube_events_stream ON youtube_events(stream_id) WHERE stream_id IS NOT NULL`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
