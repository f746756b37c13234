package executor

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// AttachmentUploader receives the zipped attachments of a finished job.
type AttachmentUploader interface {
	UploadAttachments(ctx context.Context, jobID string, archive io.Reader, size int64) error
}

// zipAttachments archives dir into a temporary file. It returns a nil
// file when dir is missing or empty. The caller removes the file.
func zipAttachments(dir string) (*os.File, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) || (err == nil && len(entries) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out, err := os.CreateTemp("", "attachments-*.zip")
	if err != nil {
		return nil, err
	}

	zw := zip.NewWriter(out)
	walkErr := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err := zw.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if walkErr != nil {
		out.Close()
		os.Remove(out.Name())
		return nil, fmt.Errorf("failed to archive attachments: %w", walkErr)
	}

	if _, err := out.Seek(0, io.SeekStart); err != nil {
		out.Close()
		os.Remove(out.Name())
		return nil, err
	}
	return out, nil
}
