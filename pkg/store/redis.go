// Package store persists generated previews for authenticated sessions.
package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/menta2k/preview-kit/pkg/types"
)

// ErrNotFound is returned when no preview is stored for a photo and style
var ErrNotFound = errors.New("store: preview not found")

// Saver writes preview records
type Saver interface {
	SavePreview(ctx context.Context, rec types.PreviewRecord) error
}

// RedisOptions configures the Redis connection
type RedisOptions struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	UseTLS    bool
	KeyPrefix string
	// TTL of stored records; zero keeps them forever
	TTL         time.Duration
	DialTimeout time.Duration
}

// RedisStore keeps one JSON record per photo and style
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects lazily; use Ping to check the connection
func NewRedisStore(opts RedisOptions) *RedisStore {
	var tlsConfig *tls.Config
	if opts.UseTLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		TLSConfig:    tlsConfig,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
	return NewRedisStoreWithClient(client, opts.KeyPrefix, opts.TTL)
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "preview"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Key returns the record key of a photo and style
func (s *RedisStore) Key(photoID, style string) string {
	return s.prefix + ":" + photoID + ":" + style
}

// Ping checks the connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SavePreview stores rec, replacing any earlier record for the same photo and style
func (s *RedisStore) SavePreview(ctx context.Context, rec types.PreviewRecord) error {
	if rec.PhotoID == "" || rec.Style == "" {
		return fmt.Errorf("store: photo id and style are required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode record: %w", err)
	}
	if err := s.client.Set(ctx, s.Key(rec.PhotoID, rec.Style), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: save %s/%s: %w", rec.PhotoID, rec.Style, err)
	}
	return nil
}

// LoadPreview returns the stored record for a photo and style
func (s *RedisStore) LoadPreview(ctx context.Context, photoID, style string) (types.PreviewRecord, error) {
	data, err := s.client.Get(ctx, s.Key(photoID, style)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.PreviewRecord{}, ErrNotFound
	}
	if err != nil {
		return types.PreviewRecord{}, fmt.Errorf("store: load %s/%s: %w", photoID, style, err)
	}
	var rec types.PreviewRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.PreviewRecord{}, fmt.Errorf("store: decode record: %w", err)
	}
	return rec, nil
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
