package db

import (
	"context"
	"database/sql"
	"errors"
)

// ChannelCache stores resolved handle to channel id mappings. It satisfies
// resolver.Store; handles are expected to be normalized by the caller.
type ChannelCache struct{ DB *sql.DB }

// Load returns the cached channel id for handle.
func (c *ChannelCache) Load(ctx context.Context, handle string) (string, bool, error) {
	var id string
	err := c.DB.QueryRowContext(ctx, `SELECT channel_id FROM channel_cache WHERE handle = $1`, handle).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, id != "", nil
}

// Save records id for handle, replacing any previous mapping.
func (c *ChannelCache) Save(ctx context.Context, handle, id string) error {
	_, err := c.DB.ExecContext(ctx,
		`INSERT INTO channel_cache(handle, channel_id, resolved_at) VALUES($1,$2,NOW())
		 ON CONFLICT(handle) DO UPDATE SET channel_id=EXCLUDED.channel_id, resolved_at=NOW()`,
		handle, id)
	return err
}
