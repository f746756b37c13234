package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// Meta is the persisted state of a cached checkout.
type Meta struct {
	// PushedAt is the remote push timestamp the checkout was fetched at.
	PushedAt time.Time `json:"pushedAt"`

	// FetchedAt is when the provider last fetched the checkout.
	FetchedAt time.Time `json:"fetchedAt"`
}

// MetaStore loads and saves Meta by cache key. Load returns nil and no
// error when nothing is stored.
type MetaStore interface {
	Load(ctx context.Context, key Key) (*Meta, error)
	Save(ctx context.Context, key Key, meta Meta) error
}

// FileMetaStore keeps one JSON file per key next to the checkouts.
type FileMetaStore struct {
	dir string
}

// NewFileMetaStore stores meta files under dir.
func NewFileMetaStore(dir string) *FileMetaStore {
	return &FileMetaStore{dir: dir}
}

func (s *FileMetaStore) path(key Key) string {
	return filepath.Join(s.dir, key.Dir()+".meta.json")
}

// Load reads the meta file for key.
func (s *FileMetaStore) Load(_ context.Context, key Key) (*Meta, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read repository meta: %w", err)
	}

	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode repository meta: %w", err)
	}
	return &m, nil
}

// Save writes the meta file for key atomically.
func (s *FileMetaStore) Save(_ context.Context, key Key, meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode repository meta: %w", err)
	}

	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create meta directory: %w", err)
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write repository meta: %w", err)
	}
	return os.Rename(tmp, p)
}

// redisKV is the subset of redis.Cmdable used by RedisMetaStore.
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisMetaStore shares meta between agents that mount the same cache
// directory. Concurrent agents may still both decide to refetch.
type RedisMetaStore struct {
	client redisKV
	prefix string
}

// NewRedisMetaStore creates a store using keys under prefix.
func NewRedisMetaStore(client redisKV, prefix string) *RedisMetaStore {
	return &RedisMetaStore{client: client, prefix: prefix}
}

func (s *RedisMetaStore) key(key Key) string {
	return s.prefix + key.String()
}

// Load fetches the meta for key.
func (s *RedisMetaStore) Load(ctx context.Context, key Key) (*Meta, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load repository meta: %w", err)
	}

	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode repository meta: %w", err)
	}
	return &m, nil
}

// Save stores the meta for key without expiry.
func (s *RedisMetaStore) Save(ctx context.Context, key Key, meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode repository meta: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save repository meta: %w", err)
	}
	return nil
}
