package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

// Cache is a TTL store over the cache table. Values are stored as JSON and come
// back JSON-decoded.
type Cache struct {
	db    *sql.DB
	clock sdk.Clock
}

func storeErr(op, key string, err error) error {
	return &sdk.StoreError{Op: op, Key: key, Err: err}
}

func (c *Cache) load(ctx context.Context, key string) (sdk.Entry, int64, error) {
	var (
		raw     string
		created int64
		ttl     int
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT value, created_at, ttl FROM cache WHERE key = ?`, key,
	).Scan(&raw, &created, &ttl)
	if errors.Is(err, sql.ErrNoRows) {
		return sdk.Entry{}, 0, sdk.ErrKeyNotFound
	}
	if err != nil {
		return sdk.Entry{}, 0, storeErr("get", key, err)
	}
	var val any
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		return sdk.Entry{}, 0, storeErr("decode", key, err)
	}
	return sdk.Entry{Key: key, Value: val, CreatedAt: time.Unix(0, created).UTC(), TTL: ttl}, created, nil
}

func (c *Cache) Get(ctx context.Context, key string, def any) (any, error) {
	e, created, err := c.load(ctx, key)
	if errors.Is(err, sdk.ErrKeyNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	if e.Expired(c.clock.Now()) {
		// Only delete the row this read observed; a concurrent Set wins.
		if _, err := c.db.ExecContext(ctx,
			`DELETE FROM cache WHERE key = ? AND created_at = ?`, key, created,
		); err != nil {
			return def, storeErr("expire", key, err)
		}
		return def, nil
	}
	return e.Value, nil
}

func (c *Cache) Set(ctx context.Context, key string, val any, ttl int) (bool, error) {
	if err := c.Put(ctx, sdk.Entry{Key: key, Value: val, CreatedAt: c.clock.Now(), TTL: ttl}); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cache) Remove(ctx context.Context, key string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key)
	if err != nil {
		return false, storeErr("remove", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("remove", key, err)
	}
	return n == 1, nil
}

// Keys lists live keys in lexical order.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT key, created_at, ttl FROM cache ORDER BY key`)
	if err != nil {
		return nil, storeErr("keys", "", err)
	}
	defer rows.Close()

	now := c.clock.Now()
	var keys []string
	for rows.Next() {
		var (
			key     string
			created int64
			ttl     int
		)
		if err := rows.Scan(&key, &created, &ttl); err != nil {
			return nil, storeErr("keys", "", err)
		}
		e := sdk.Entry{CreatedAt: time.Unix(0, created), TTL: ttl}
		if !e.Expired(now) {
			keys = append(keys, key)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("keys", "", err)
	}
	return keys, nil
}

// Entry returns the raw row for key, expired or not.
func (c *Cache) Entry(ctx context.Context, key string) (sdk.Entry, error) {
	e, _, err := c.load(ctx, key)
	return e, err
}

// Put upserts e keeping its CreatedAt.
func (c *Cache) Put(ctx context.Context, e sdk.Entry) error {
	raw, err := json.Marshal(e.Value)
	if err != nil {
		return storeErr("encode", e.Key, err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO cache (key, value, created_at, ttl)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			ttl = excluded.ttl
	`, e.Key, string(raw), e.CreatedAt.UnixNano(), e.TTL)
	if err != nil {
		return storeErr("set", e.Key, err)
	}
	return nil
}
