// Package bundle packages a finished task's artifacts into a single
// downloadable archive.
package bundle

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/snapgrid/snapgrid/models"
)

// ArchiveName is the bundle's filename inside a task's output directory.
const ArchiveName = "bundle.zip"

// ErrNoArtifacts means no completed job still has its artifact on disk.
var ErrNoArtifacts = errors.New("no artifacts available to bundle")

// Bundler produces a downloadable archive for a task and returns its path.
type Bundler interface {
	Bundle(ctx context.Context, task *models.Task) (string, error)
}

// Zip bundles completed job artifacts into bundle.zip inside the task's
// output directory. The archive is written to a temp file and renamed
// into place, so readers never observe a half-written bundle.
type Zip struct {
	log *logrus.Entry
}

// NewZip returns a zip bundler.
func NewZip(log *logrus.Entry) *Zip {
	return &Zip{log: log}
}

// Bundle builds the archive unless a fresh one already exists. Freshness
// compares the archive's mtime against the task's last update; terminal
// tasks never change, so a bundle built after finalization is reused.
func (z *Zip) Bundle(ctx context.Context, task *models.Task) (string, error) {
	path := filepath.Join(task.OutputDir, ArchiveName)
	if info, err := os.Stat(path); err == nil && info.ModTime().After(task.UpdatedAt) {
		return path, nil
	}

	if err := os.MkdirAll(task.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(task.OutputDir, "bundle-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp bundle: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	zw := zip.NewWriter(tmp)
	added := 0
	for i := range task.Jobs {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return "", err
		}
		job := &task.Jobs[i]
		if job.Status != models.JobCompleted || job.ArtifactPath == "" {
			continue
		}
		if err := addFile(zw, job.ArtifactPath); err != nil {
			z.log.WithError(err).WithFields(logrus.Fields{
				"task_id": task.ID,
				"job_id":  job.ID,
			}).Warn("artifact skipped while bundling")
			continue
		}
		added++
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finish archive: %w", err)
	}
	if added == 0 {
		return "", ErrNoArtifacts
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp bundle: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publish bundle: %w", err)
	}
	z.log.WithFields(logrus.Fields{"task_id": task.ID, "files": added}).Info("bundle written")
	return path, nil
}

func addFile(zw *zip.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w, err := zw.Create(filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
