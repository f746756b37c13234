// Package repo resolves job repositories to local checkouts, caching them
// per project, repository and branch-or-commit.
package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/conductor/fleetagent/internal/job"
	"github.com/conductor/fleetagent/pkg/metrics"
)

// FetchError wraps a provider failure.
type FetchError struct {
	URL      string
	Version  string
	NotFound bool
	Err      error
}

func (e *FetchError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("repository %s (%s) not found: %v", e.URL, e.Version, e.Err)
	}
	return fmt.Sprintf("error while fetching repository %s (%s): %v", e.URL, e.Version, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// InvalidPathError reports a repository sub-path missing after checkout.
type InvalidPathError struct {
	Path string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("Invalid repository path: '%s' doesn't exist", e.Path)
}

// Key identifies a cached checkout.
type Key struct {
	ProjectID string
	Repo      string
	Version   string
}

// KeyFor returns the cache key of ref within a project. The repository
// part carries a hash of the normalized URL, so repositories sharing a
// name under different owners or hosts never share a checkout.
func KeyFor(projectID string, ref *job.RepositoryRef) Key {
	return Key{
		ProjectID: projectID,
		Repo:      ref.Name() + "-" + shortHash(normalizeURL(ref.URL)),
		Version:   ref.Version(),
	}
}

func normalizeURL(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimRight(u, "/")
	return strings.TrimSuffix(u, ".git")
}

func shortHash(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))[:12]
}

// String returns a stable textual form of the key.
func (k Key) String() string {
	return k.ProjectID + "/" + k.Repo + "/" + k.Version
}

// Dir returns the relative directory of the checkout. Distinct keys map to
// distinct directories.
func (k Key) Dir() string {
	return filepath.Join(safeName(k.ProjectID), safeName(k.Repo), safeName(k.Version))
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// safeName replaces characters unsafe in a path segment. A rewritten name
// gets a hash of the original appended so that "feature/x" and "feature_x"
// stay apart.
func safeName(s string) string {
	safe := unsafeChars.ReplaceAllString(s, "_")
	if strings.Trim(safe, ".") == "" {
		safe = "_"
	}
	if safe == s {
		return s
	}
	return safe + "-" + shortHash(s)
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Dir is the root directory of cached checkouts.
	Dir string

	// LockTimeout bounds the wait for a per-repository lock.
	LockTimeout time.Duration

	// LockStripes is the number of stripes in the lock set.
	LockStripes int
}

// Cache resolves repository refs to local checkouts. Fetches of the same
// key are serialized through a striped lock and skipped while the cached
// push timestamp is current.
type Cache struct {
	cfg      CacheConfig
	provider Provider
	meta     MetaStore
	creds    CredentialProvider
	locks    *StripedLock
	logger   zerolog.Logger
	metrics  *metrics.AgentMetrics
}

// NewCache creates a repository cache. A nil MetaStore keeps meta files
// under the cache directory; a nil CredentialProvider fetches anonymously.
func NewCache(cfg CacheConfig, provider Provider, meta MetaStore, creds CredentialProvider, logger zerolog.Logger, m *metrics.AgentMetrics) (*Cache, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if meta == nil {
		meta = NewFileMetaStore(cfg.Dir)
	}
	if creds == nil {
		creds = StaticCredentials{}
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}

	return &Cache{
		cfg:      cfg,
		provider: provider,
		meta:     meta,
		creds:    creds,
		locks:    NewStripedLock(cfg.LockStripes),
		logger:   logger.With().Str("component", "repository-cache").Logger(),
		metrics:  m,
	}, nil
}

// Fetch returns the local path of ref for the project, fetching it from
// the provider when the cached copy is missing or stale. The returned path
// points at the ref's sub-path when one is set.
func (c *Cache) Fetch(ctx context.Context, projectID string, ref *job.RepositoryRef) (string, error) {
	key := KeyFor(projectID, ref)
	dir := key.Dir()
	dest := filepath.Join(c.cfg.Dir, dir)

	// Locking on the directory serializes every writer of one checkout.
	unlock, err := c.locks.Lock(ctx, dir, c.cfg.LockTimeout)
	if err != nil {
		if errors.Is(err, ErrResourceBusy) {
			c.metrics.RecordRepoFetch("busy", 0)
			return "", fmt.Errorf("repository %s is locked: %w", key, err)
		}
		return "", err
	}
	defer unlock()

	meta, err := c.meta.Load(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to load repository meta, refetching")
		meta = nil
	}

	if c.isStale(meta, dest, ref) {
		start := time.Now()
		if err := c.fetch(ctx, ref, dest); err != nil {
			c.metrics.RecordRepoFetch("error", 0)
			return "", err
		}
		c.metrics.RecordRepoFetch("fetched", time.Since(start).Seconds())

		if err := c.meta.Save(ctx, key, Meta{PushedAt: ref.PushedAt, FetchedAt: time.Now()}); err != nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to save repository meta")
		}
	} else {
		c.metrics.RecordRepoFetch("cached", 0)
		c.logger.Debug().Str("key", key.String()).Msg("Using cached repository")
	}

	return resolvePath(dest, ref)
}

func (c *Cache) isStale(meta *Meta, dest string, ref *job.RepositoryRef) bool {
	if meta == nil {
		return true
	}
	if _, err := os.Stat(dest); err != nil {
		return true
	}
	if ref.CommitID != "" {
		return false
	}
	if ref.PushedAt.IsZero() {
		return true
	}
	return ref.PushedAt.After(meta.PushedAt)
}

// fetch delegates to the provider. A failed fetch is retried once from an
// empty directory in case the existing checkout is corrupt.
func (c *Cache) fetch(ctx context.Context, ref *job.RepositoryRef, dest string) error {
	creds, err := c.creds.Credentials(ctx, ref)
	if err != nil {
		return &FetchError{URL: ref.URL, Version: ref.Version(), Err: fmt.Errorf("failed to obtain credentials: %w", err)}
	}

	c.logger.Info().
		Str("url", ref.URL).
		Str("version", ref.Version()).
		Msg("Fetching repository")

	err = c.provider.Fetch(ctx, ref, creds, dest)
	if err != nil && ctx.Err() == nil {
		c.logger.Warn().Err(err).Str("url", ref.URL).Msg("Repository fetch failed, retrying from scratch")
		if rmErr := os.RemoveAll(dest); rmErr != nil {
			c.logger.Warn().Err(rmErr).Str("dir", dest).Msg("Failed to remove repository directory")
		}
		err = c.provider.Fetch(ctx, ref, creds, dest)
	}
	if err != nil {
		return &FetchError{
			URL:      ref.URL,
			Version:  ref.Version(),
			NotFound: errors.Is(err, ErrNotFound),
			Err:      err,
		}
	}
	return nil
}

func resolvePath(dest string, ref *job.RepositoryRef) (string, error) {
	sub := ref.CleanPath()
	if sub == "" {
		return dest, nil
	}
	p := filepath.Join(dest, sub)
	if _, err := os.Stat(p); err != nil {
		return "", &InvalidPathError{Path: sub}
	}
	return p, nil
}
