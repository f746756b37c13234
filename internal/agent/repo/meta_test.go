package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileMetaStore(t *testing.T) {
	dir := t.TempDir()
	s := NewFileMetaStore(dir)
	ctx := context.Background()
	key := Key{ProjectID: "proj-1", Repo: "flows", Version: "main"}

	m, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, m)

	pushed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(ctx, key, Meta{PushedAt: pushed, FetchedAt: pushed.Add(time.Second)}))

	m, err = s.Load(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, pushed.Equal(m.PushedAt))

	// Stored alongside the checkout directory.
	assert.FileExists(t, filepath.Join(dir, "proj-1", "flows", "main.meta.json"))
}

func TestFileMetaStore_Corrupt(t *testing.T) {
	dir := t.TempDir()
	s := NewFileMetaStore(dir)
	key := Key{ProjectID: "p", Repo: "r", Version: "v"}

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "p", "r"), 0o755))
	require.NoError(t, os.WriteFile(s.path(key), []byte("{not json"), 0o644))

	_, err := s.Load(context.Background(), key)
	assert.Error(t, err)
}

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	err  error
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func TestRedisMetaStore(t *testing.T) {
	kv := &fakeRedis{data: map[string]string{}}
	s := NewRedisMetaStore(kv, "fleet:repo:")
	ctx := context.Background()
	key := Key{ProjectID: "proj-1", Repo: "flows", Version: "main"}

	m, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, m)

	pushed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(ctx, key, Meta{PushedAt: pushed}))
	assert.Contains(t, kv.data, "fleet:repo:proj-1/flows/main")

	m, err = s.Load(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, pushed.Equal(m.PushedAt))

	kv.err = errors.New("connection refused")
	_, err = s.Load(ctx, key)
	assert.Error(t, err)
	assert.Error(t, s.Save(ctx, key, Meta{}))
}
