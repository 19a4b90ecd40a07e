// Package redis stores items as Redis hashes. Expiry is delegated to Redis
// key TTLs; the hash only records the timestamps reported on Get.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/mcp-edge-go/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "mcp:storage:"

// Hash fields.
const (
	fieldData    = "data"
	fieldCreated = "created_ms"
	fieldExpires = "expires_ms"
)

// Config configures New. Client may be a plain client, a cluster client or a
// failover client.
type Config struct {
	Client    redis.UniversalClient
	KeyPrefix string
}

type Storage struct {
	client redis.UniversalClient
	prefix string
}

func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis storage: client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Storage{client: cfg.Client, prefix: cfg.KeyPrefix}, nil
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o, err := storage.Apply(opts...)
	if err != nil {
		return nil, err
	}
	rk := s.key(o.Namespace, key)

	fields, err := s.client.HGetAll(ctx, rk).Result()
	if err != nil {
		return nil, fmt.Errorf("redis storage: hgetall %s: %w", rk, err)
	}
	data, ok := fields[fieldData]
	if !ok {
		return nil, nil
	}

	item := &storage.Item{Data: []byte(data)}
	if item.CreatedAt, err = millis(fields[fieldCreated]); err != nil {
		return nil, fmt.Errorf("redis storage: %s: %w", rk, err)
	}
	if v, ok := fields[fieldExpires]; ok {
		at, err := millis(v)
		if err != nil {
			return nil, fmt.Errorf("redis storage: %s: %w", rk, err)
		}
		item.ExpiresAt = &at
	}
	return item, nil
}

// Set replaces the whole hash in one MULTI block so a reader never sees a
// mix of old and new fields.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o, err := storage.Apply(opts...)
	if err != nil {
		return err
	}
	rk := s.key(o.Namespace, key)

	now := time.Now()
	values := []any{fieldData, data, fieldCreated, now.UnixMilli()}
	if o.TTL != nil {
		values = append(values, fieldExpires, now.Add(*o.TTL).UnixMilli())
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, rk)
		p.HSet(ctx, rk, values...)
		if o.TTL != nil {
			p.PExpire(ctx, rk, *o.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis storage: set %s: %w", rk, err)
	}
	return nil
}

// Delete removes one key, or with no WithKey option every key of the
// namespace found by SCAN.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o, err := storage.Apply(opts...)
	if err != nil {
		return err
	}
	if o.Key != nil {
		rk := s.key(o.Namespace, *o.Key)
		if err := s.client.Del(ctx, rk).Err(); err != nil {
			return fmt.Errorf("redis storage: del %s: %w", rk, err)
		}
		return nil
	}

	pattern := s.key(o.Namespace, "*")
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := s.client.Unlink(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis storage: unlink: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis storage: scan %s: %w", pattern, err)
	}
	if len(batch) > 0 {
		if err := s.client.Unlink(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis storage: unlink: %w", err)
		}
	}
	return nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) key(ns storage.Namespace, key string) string {
	if sn, ok := ns.(storage.SessionNamespace); ok {
		return s.prefix + "session:" + sn.SessionID + ":" + key
	}
	return s.prefix + "global:" + key
}

func millis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", v)
	}
	return time.UnixMilli(ms), nil
}

var _ storage.Storage = (*Storage)(nil)
