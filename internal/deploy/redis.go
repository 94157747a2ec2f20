package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisIndex is an [Index] backed by Redis. Records are stored as JSON under
// a prefixed key per slug, with a set holding the known slugs for listing.
// Suitable when the bundle index must survive restarts without a SQL
// database.
type RedisIndex struct {
	client *redis.Client
	prefix string
}

// Compile-time interface check.
var _ Index = (*RedisIndex)(nil)

// RedisOption configures a RedisIndex.
type RedisOption func(*RedisIndex)

// WithKeyPrefix sets the key prefix. Default is "parley".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisIndex) { s.prefix = prefix }
}

// NewRedisIndex creates an index over the given client.
func NewRedisIndex(client *redis.Client, opts ...RedisOption) *RedisIndex {
	s := &RedisIndex{client: client, prefix: "parley"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisIndex) recordKey(slug string) string {
	return s.prefix + ":bundle:" + slug
}

func (s *RedisIndex) slugSetKey() string {
	return s.prefix + ":bundles"
}

// Upsert stores the record and registers its slug, pipelined into one
// round-trip.
func (s *RedisIndex) Upsert(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("deploy: marshal record: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.recordKey(rec.Slug), data, 0)
	pipe.SAdd(ctx, s.slugSetKey(), rec.Slug)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deploy: upsert %q: %w", rec.Slug, err)
	}
	return nil
}

// Get returns the record for slug, or ErrRecordNotFound.
func (s *RedisIndex) Get(ctx context.Context, slug string) (*Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(slug)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("deploy: get %q: %w", slug, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("deploy: unmarshal record for %q: %w", slug, err)
	}
	return &rec, nil
}

// List returns all records. Slugs registered in the set but missing their
// record key (a partially failed upsert) are skipped.
func (s *RedisIndex) List(ctx context.Context) ([]Record, error) {
	slugs, err := s.client.SMembers(ctx, s.slugSetKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("deploy: list slugs: %w", err)
	}

	var recs []Record
	for _, slug := range slugs {
		rec, err := s.Get(ctx, slug)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, nil
}

// Delete removes the record and its slug registration.
func (s *RedisIndex) Delete(ctx context.Context, slug string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.recordKey(slug))
	pipe.SRem(ctx, s.slugSetKey(), slug)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deploy: delete %q: %w", slug, err)
	}
	return nil
}

// Ping verifies Redis connectivity.
func (s *RedisIndex) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("deploy: ping: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisIndex) Close() error {
	return s.client.Close()
}
