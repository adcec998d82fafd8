package store

import (
	"context"
	"errors"
	"time"

	"github.com/meshstats/meshstats/store/database"
)

// CacheGet returns a cached value if it is present and not expired.
// Expired entries stay in place for the next CachePut to overwrite.
func (s *Store) CacheGet(ctx context.Context, key string) (string, bool, error) {
	const q = `
	SELECT
		value, expires_at
	FROM
		stat_cache
	WHERE
		cache_key = :cache_key
	LIMIT 1`

	data := struct {
		CacheKey string `db:"cache_key"`
	}{
		CacheKey: key,
	}

	var row struct {
		Value     string    `db:"value"`
		ExpiresAt time.Time `db:"expires_at"`
	}
	err := database.NamedQueryStruct(ctx, s.log, s.db, q, data, &row)
	if errors.Is(err, database.ErrDBNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !row.ExpiresAt.After(s.now()) {
		return "", false, nil
	}
	return row.Value, true, nil
}

// CachePut stores a value under the key with a TTL, last write wins.
func (s *Store) CachePut(ctx context.Context, key, value string, ttl time.Duration) error {
	now := s.now()

	const q = `
	INSERT INTO stat_cache
		(cache_key, value, created_at, expires_at)
	VALUES
		(:cache_key, :value, :created_at, :expires_at)
	ON CONFLICT (cache_key) DO UPDATE SET
		value = excluded.value,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at`

	data := struct {
		CacheKey  string    `db:"cache_key"`
		Value     string    `db:"value"`
		CreatedAt time.Time `db:"created_at"`
		ExpiresAt time.Time `db:"expires_at"`
	}{
		CacheKey:  key,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	return s.withRetry(ctx, func() error {
		return database.NamedExecContext(ctx, s.log, s.db, q, data)
	})
}
