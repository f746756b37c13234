package agent

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/conductor/fleetagent/internal/agent/fsutil"
	"github.com/conductor/fleetagent/internal/agent/queue"
	"github.com/conductor/fleetagent/internal/job"
	"github.com/conductor/fleetagent/pkg/tracing"
)

// validJobID reports whether id can be used as a single path segment.
func validJobID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func (a *Agent) payloadDir(jobID string) string {
	return filepath.Join(a.cfg.PayloadDir(), jobID)
}

// prepareWorkspace assembles the job payload: the repository export, if
// the job has one, overlaid with the job state downloaded from the queue.
func (a *Agent) prepareWorkspace(ctx context.Context, req *job.Request) (string, error) {
	dir := a.payloadDir(req.ID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to clean payload directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create payload directory: %w", err)
	}

	if req.Repository != nil {
		if err := a.exportRepository(ctx, req, dir); err != nil {
			return "", err
		}
	}

	if err := a.restoreState(ctx, req.ID, dir); err != nil {
		return "", err
	}
	return dir, nil
}

func (a *Agent) exportRepository(ctx context.Context, req *job.Request, dir string) error {
	if a.repos == nil {
		return errors.New("job requires a repository but no repository cache is configured")
	}

	ctx, span := tracing.StartSpan(ctx, "repo.fetch", tracing.AttrRepoURL.String(req.Repository.URL))
	defer span.End()

	path, err := a.repos.Fetch(ctx, req.ProjectID, req.Repository)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	if err := fsutil.CopyDir(path, dir, ".git"); err != nil {
		return fmt.Errorf("failed to export repository: %w", err)
	}
	return nil
}

// restoreState unzips the job state over dir. A job without state is
// not an error.
func (a *Agent) restoreState(ctx context.Context, jobID, dir string) error {
	f, err := os.CreateTemp(a.cfg.PayloadDir(), jobID+"-*.zip")
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()

	if err := a.queue.DownloadState(ctx, jobID, f); err != nil {
		if errors.Is(err, queue.ErrNoState) {
			return nil
		}
		return fmt.Errorf("failed to download job state: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat state file: %w", err)
	}
	if fi.Size() == 0 {
		return nil
	}
	if err := unzip(f, fi.Size(), dir); err != nil {
		return fmt.Errorf("failed to extract job state: %w", err)
	}
	return nil
}

// unzip extracts the archive into dst, overwriting existing files.
// Entries escaping dst are rejected.
func unzip(r io.ReaderAt, size int64, dst string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return err
	}

	root := filepath.Clean(dst) + string(os.PathSeparator)
	for _, zf := range zr.File {
		target := filepath.Join(dst, zf.Name)
		if !strings.HasPrefix(target+string(os.PathSeparator), root) {
			return fmt.Errorf("illegal path in archive: %s", zf.Name)
		}

		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(zf, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(zf *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := zf.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
