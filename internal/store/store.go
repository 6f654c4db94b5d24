// Package store is the only component that speaks to the shared key-value store. It provides the namespaced key
// surface used by the session plane (users, sessions, connections) plus the pub/sub channel the replicas fan events
// out on. Mutations from hot paths go through the write-behind Batcher; reads and pub/sub use the client directly.
package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key namespaces. All values are UTF-8 JSON or flat hash fields; credential hashes are opaque strings.
const (
	userPrefix         = "users:"
	sessionPrefix      = "sessions:"
	userSessionsPrefix = "user_sessions:"
	connectionPrefix   = "connections:"
	connectedUsersKey  = "connected_users"
)

// UserKey returns the hash key holding a user record.
func UserKey(username string) string { return userPrefix + username }

// SessionKey returns the hash key holding a session record.
func SessionKey(sid string) string { return sessionPrefix + sid }

// UserSessionsKey returns the set key indexing a user's session IDs.
func UserSessionsKey(username string) string { return userSessionsPrefix + username }

// ConnectionKey returns the hash key holding a session's connection record.
func ConnectionKey(sid string) string { return connectionPrefix + sid }

// ConnectedUsersKey returns the sorted-set key of live session IDs scored by last-seen.
func ConnectedUsersKey() string { return connectedUsersKey }

// Connect parses the store URL, connects, and pings to verify the connection. The valkey:// scheme is replaced with
// redis:// for go-redis compatibility. The dialTimeout parameter controls how long the client waits when establishing
// new connections.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*redis.Client, error) {
	// go-redis only understands the redis:// scheme, so replace valkey:// (case-insensitive) before parsing.
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	if strings.EqualFold(parsed.Scheme, "valkey") {
		parsed.Scheme = "redis"
	}

	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	opts.DialTimeout = dialTimeout

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	return client, nil
}

// Store wraps the store client with the operations the session plane uses.
type Store struct {
	rdb *redis.Client
}

// New creates a Store over an established client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Client exposes the underlying client for pub/sub subscriptions and pipelines.
func (s *Store) Client() *redis.Client { return s.rdb }

// Get returns the string value at key, or redis.Nil via the wrapped error when missing.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	return s.rdb.Get(ctx, key).Result()
}

// Set writes a scalar value with a TTL (0 means no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// Delete removes one or more keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

// Exists reports whether the key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// HGet returns a single hash field.
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	return s.rdb.HGet(ctx, key, field).Result()
}

// HSet writes hash fields from the given map.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	return s.rdb.HSet(ctx, key, fields).Err()
}

// HGetAll returns all fields of a hash; an empty map means the key is missing.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

// HDel removes hash fields.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	return s.rdb.HDel(ctx, key, fields...).Err()
}

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	vals := make([]any, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return s.rdb.SAdd(ctx, key, vals...).Err()
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	vals := make([]any, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return s.rdb.SRem(ctx, key, vals...).Err()
}

// SMembers returns all members of a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

// ZAdd adds or updates a scored member in a sorted set.
func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Member: member, Score: score}).Err()
}

// ZRem removes members from a sorted set.
func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	vals := make([]any, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return s.rdb.ZRem(ctx, key, vals...).Err()
}

// ZRangeByScore returns members with scores in [min, max] (use "-inf"/"+inf" for open bounds).
func (s *Store) ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// Publish sends a payload on a pub/sub topic. Publishes never go through the Batcher.
func (s *Store) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := s.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription. The caller owns the returned PubSub and must close it.
func (s *Store) Subscribe(ctx context.Context, topics ...string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, topics...)
}

// ScanKeys iterates keys matching the pattern. Used only by sweepers and admin listings, never on request paths.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}

// IsNotFound reports whether the error is the store's missing-key sentinel.
func IsNotFound(err error) bool {
	return err == redis.Nil
}
