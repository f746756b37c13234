package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDepsServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if filepath.Base(r.URL.Path) == "missing.jar" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("content of " + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDependencyCache_CachesByFileName(t *testing.T) {
	srv, hits := newDepsServer(t)
	cache, err := NewDependencyCache(t.TempDir(), srv.Client(), zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	paths, err := cache.Resolve(ctx, []string{srv.URL + "/repo/lib-1.0.jar"})
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "lib-1.0.jar", filepath.Base(paths[0]))

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "content of /repo/lib-1.0.jar", string(data))

	_, err = cache.Resolve(ctx, []string{srv.URL + "/repo/lib-1.0.jar"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDependencyCache_SnapshotBypassesCache(t *testing.T) {
	srv, hits := newDepsServer(t)
	cache, err := NewDependencyCache(t.TempDir(), srv.Client(), zerolog.Nop())
	require.NoError(t, err)

	uri := srv.URL + "/repo/lib-1.0-SNAPSHOT.jar"
	for i := 0; i < 3; i++ {
		_, err := cache.Resolve(context.Background(), []string{uri})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), hits.Load())
}

func TestDependencyCache_FileURIIsAlwaysCopied(t *testing.T) {
	src := filepath.Join(t.TempDir(), "local.jar")
	require.NoError(t, os.WriteFile(src, []byte("v1"), 0o644))

	cache, err := NewDependencyCache(t.TempDir(), nil, zerolog.Nop())
	require.NoError(t, err)

	paths, err := cache.Resolve(context.Background(), []string{"file://" + src})
	require.NoError(t, err)
	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	require.NoError(t, os.WriteFile(src, []byte("v2"), 0o644))
	paths, err = cache.Resolve(context.Background(), []string{"file://" + src})
	require.NoError(t, err)
	data, err = os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestDependencyCache_NotFoundIsNotRetried(t *testing.T) {
	srv, hits := newDepsServer(t)
	cache, err := NewDependencyCache(t.TempDir(), srv.Client(), zerolog.Nop())
	require.NoError(t, err)

	_, err = cache.Resolve(context.Background(), []string{srv.URL + "/repo/missing.jar"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), hits.Load())
}

func TestDependencyCache_ServerErrorIsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cache, err := NewDependencyCache(t.TempDir(), srv.Client(), zerolog.Nop())
	require.NoError(t, err)

	_, err = cache.Resolve(context.Background(), []string{srv.URL + "/a.jar"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestLinkDependencies(t *testing.T) {
	cacheDir := t.TempDir()
	dep := filepath.Join(cacheDir, "a.jar")
	require.NoError(t, os.WriteFile(dep, []byte("a"), 0o644))

	lib := filepath.Join(t.TempDir(), "lib")
	require.NoError(t, linkDependencies(lib, []string{dep}))
	// Linking twice is harmless.
	require.NoError(t, linkDependencies(lib, []string{dep}))

	target, err := os.Readlink(filepath.Join(lib, "a.jar"))
	require.NoError(t, err)
	assert.Equal(t, dep, target)
}
