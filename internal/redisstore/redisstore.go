// Package redisstore is a TTL store backed by Redis for worker processes spread
// across hosts. Expiry follows the celerix rules (lazy, on read) rather than
// native Redis EXPIRE, so entries behave the same as in every other backend.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

// DefaultPrefix namespaces celerix keys.
const DefaultPrefix = "celerix:"

// Store implements sdk.EnumerableStore.
type Store struct {
	client *redis.Client
	prefix string
	clock  sdk.Clock
}

var _ sdk.EnumerableStore = (*Store)(nil)

// Option customises a Store.
type Option func(*Store)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// WithClock overrides the time source used for expiry.
func WithClock(c sdk.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open connects to addr and verifies the connection.
func Open(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return New(client, opts...), nil
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) k(key string) string { return s.prefix + key }

func storeErr(op, key string, err error) error {
	return &sdk.StoreError{Op: op, Key: key, Err: err}
}

func decode(key string, raw []byte) (sdk.Entry, error) {
	var e sdk.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return sdk.Entry{}, storeErr("decode", key, err)
	}
	e.Key = key
	return e, nil
}

func (s *Store) Get(ctx context.Context, key string, def any) (any, error) {
	e, err := s.Entry(ctx, key)
	if errors.Is(err, sdk.ErrKeyNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	if !e.Expired(s.clock.Now()) {
		return e.Value, nil
	}
	if err := s.expire(ctx, key); err != nil {
		return def, err
	}
	return def, nil
}

// expire deletes key if it is still expired, leaving a concurrent rewrite alone.
func (s *Store) expire(ctx context.Context, key string) error {
	rk := s.k(key)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, rk).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		e, err := decode(key, raw)
		if err != nil || !e.Expired(s.clock.Now()) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, rk)
			return nil
		})
		return err
	}, rk)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return storeErr("expire", key, err)
	}
	return nil
}

func (s *Store) Set(ctx context.Context, key string, val any, ttl int) (bool, error) {
	if err := s.Put(ctx, sdk.Entry{Key: key, Value: val, CreatedAt: s.clock.Now(), TTL: ttl}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Remove(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.k(key)).Result()
	if err != nil {
		return false, storeErr("remove", key, err)
	}
	return n == 1, nil
}

// Keys lists live keys under the prefix, sorted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	now := s.clock.Now()
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), s.prefix)
		e, err := s.Entry(ctx, key)
		if errors.Is(err, sdk.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !e.Expired(now) {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr("keys", "", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Entry returns the stored entry for key, expired or not.
func (s *Store) Entry(ctx context.Context, key string) (sdk.Entry, error) {
	raw, err := s.client.Get(ctx, s.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return sdk.Entry{}, sdk.ErrKeyNotFound
	}
	if err != nil {
		return sdk.Entry{}, storeErr("get", key, err)
	}
	return decode(key, raw)
}

// Put writes e verbatim.
func (s *Store) Put(ctx context.Context, e sdk.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return storeErr("encode", e.Key, err)
	}
	if err := s.client.Set(ctx, s.k(e.Key), raw, 0).Err(); err != nil {
		return storeErr("set", e.Key, err)
	}
	return nil
}
