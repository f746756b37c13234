package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/conductor/fleetagent/internal/agent/fsutil"
)

// DependencyCache downloads job dependencies into a shared directory,
// keyed by the last path segment of their URI. Local files and snapshot
// versions bypass the cache and are fetched every time.
type DependencyCache struct {
	dir        string
	client     *http.Client
	maxRetries uint64
	logger     zerolog.Logger
}

// NewDependencyCache creates a cache rooted at dir.
func NewDependencyCache(dir string, client *http.Client, logger zerolog.Logger) (*DependencyCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dependency cache: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &DependencyCache{
		dir:        dir,
		client:     client,
		maxRetries: 3,
		logger:     logger.With().Str("component", "deps").Logger(),
	}, nil
}

// Resolve returns local paths for uris, in the same order.
func (d *DependencyCache) Resolve(ctx context.Context, uris []string) ([]string, error) {
	paths := make([]string, 0, len(uris))
	for _, raw := range uris {
		p, err := d.resolve(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve dependency %s: %w", raw, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (d *DependencyCache) resolve(ctx context.Context, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("cannot derive a file name from %q", raw)
	}

	dst := filepath.Join(d.dir, name)
	if !bypassCache(u) && fsutil.Exists(dst) {
		return dst, nil
	}

	switch u.Scheme {
	case "file", "":
		if err := d.install(dst, func(w io.Writer) error {
			f, err := os.Open(u.Path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(w, f)
			return err
		}); err != nil {
			return "", err
		}
	case "http", "https":
		b := retry.WithMaxRetries(d.maxRetries, retry.NewExponential(500*time.Millisecond))
		err := retry.Do(ctx, b, func(ctx context.Context) error {
			return d.install(dst, func(w io.Writer) error {
				return d.download(ctx, u.String(), w)
			})
		})
		if err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	d.logger.Debug().Str("uri", raw).Str("path", dst).Msg("Dependency resolved")
	return dst, nil
}

func (d *DependencyCache) download(ctx context.Context, src string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return retry.RetryableError(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return retry.RetryableError(err)
	}
	return nil
}

// install writes the dependency to a temporary file and renames it into
// place, so concurrent jobs never observe a partial file.
func (d *DependencyCache) install(dst string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(d.dir, ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func bypassCache(u *url.URL) bool {
	if u.Scheme == "file" || u.Scheme == "" {
		return true
	}
	return strings.Contains(strings.ToUpper(u.Path), "SNAPSHOT")
}

// linkDependencies makes each resolved dependency visible in libDir.
func linkDependencies(libDir string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := os.MkdirAll(libDir, 0o755); err != nil {
		return err
	}
	for _, p := range paths {
		link := filepath.Join(libDir, filepath.Base(p))
		if _, err := os.Lstat(link); err == nil {
			continue
		}
		if err := os.Symlink(p, link); err != nil {
			return fmt.Errorf("failed to link dependency %s: %w", p, err)
		}
	}
	return nil
}
