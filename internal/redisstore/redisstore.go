// Package redisstore persists protection groups to Redis so OCO linkage
// survives process restarts. Each group lives under "{prefix}:{groupId}"
// as serialized JSON with a per-key TTL; recovery scans the prefix.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"deepseek-bot/internal/protect"
)

// Config holds connection parameters for the Redis client.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store implements protect.GroupStore on go-redis/v9.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// New connects to Redis and verifies connectivity with a ping. Callers
// treat a connection error as "persistence disabled" and pass a nil store
// to the registry rather than aborting startup.
func New(ctx context.Context, cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "dstrader:oco"
	}
	return &Store{rdb: rdb, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) key(groupID string) string {
	return s.prefix + ":" + groupID
}

// Save writes the group under its prefixed key with the given TTL.
func (s *Store) Save(ctx context.Context, g *protect.Group, ttl time.Duration) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("redis: marshal group %s: %w", g.GroupID, err)
	}
	if err := s.rdb.Set(ctx, s.key(g.GroupID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: save group %s: %w", g.GroupID, err)
	}
	return nil
}

// Delete removes the group's key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, groupID string) error {
	if err := s.rdb.Del(ctx, s.key(groupID)).Err(); err != nil {
		return fmt.Errorf("redis: delete group %s: %w", groupID, err)
	}
	return nil
}

// LoadAll scans every key under the prefix and decodes the stored groups.
// Entries that fail to deserialize are skipped with a warning; recovery is
// best-effort, never fatal.
func (s *Store) LoadAll(ctx context.Context) ([]*protect.Group, error) {
	var groups []*protect.Group

	iter := s.rdb.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue // expired between scan and get
			}
			return nil, fmt.Errorf("redis: get %s: %w", key, err)
		}

		var g protect.Group
		if err := json.Unmarshal(data, &g); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("skipping undecodable protection group")
			continue
		}
		groups = append(groups, &g)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: scan %s: %w", s.prefix, err)
	}

	return groups, nil
}

// Compile-time interface check.
var _ protect.GroupStore = (*Store)(nil)
