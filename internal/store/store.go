package store

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"murmur/internal/config"
	"murmur/internal/fileutil"
	"murmur/internal/logging"
)

// ResultInfo describes a published subtitle artifact.
type ResultInfo struct {
	Path      string
	Size      int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store owns the on-disk layout: inbound bundles, per-task scratch
// directories, and published results.
type Store struct {
	uploads   string
	work      string
	results   string
	retention time.Duration
	logger    *slog.Logger
}

// New builds a Store over the configured roots. Directories are created by
// config.EnsureDirectories before the store is used.
func New(cfg *config.Config, logger *slog.Logger) *Store {
	return &Store{
		uploads:   cfg.Paths.UploadDir,
		work:      cfg.Paths.WorkDir,
		results:   cfg.Paths.ResultDir,
		retention: time.Duration(cfg.Pool.RetentionHours) * time.Hour,
		logger:    logging.NewComponentLogger(logger, "store"),
	}
}

// Retention returns the configured result retention window.
func (s *Store) Retention() time.Duration {
	return s.retention
}

// PutBundle streams an inbound bundle to the uploads root under a unique
// per-submission name, so concurrent submissions for the same task id never
// clobber an admitted task's bundle. The write goes to a temp file first and
// is renamed into place once complete.
func (s *Store) PutBundle(taskID string, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.uploads, "."+taskID+".*")
	if err != nil {
		return "", fmt.Errorf("create upload temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close upload temp: %w", err)
	}
	dest := strings.TrimPrefix(filepath.Base(tmpName), ".") + ".bundle"
	dest = filepath.Join(s.uploads, dest)
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("finalize upload: %w", err)
	}
	return dest, nil
}

// RemoveBundle deletes an inbound bundle by path. Missing files are not
// errors.
func (s *Store) RemoveBundle(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove bundle: %w", err)
	}
	return nil
}

// OpenWorkdir creates the exclusive scratch directory for a task. Reuse
// before deletion is refused.
func (s *Store) OpenWorkdir(taskID string) (string, error) {
	dir := filepath.Join(s.work, taskID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("workdir for %s already in use", taskID)
		}
		return "", fmt.Errorf("create workdir: %w", err)
	}
	return dir, nil
}

// DropWorkdir recursively deletes a task's scratch directory. Idempotent.
func (s *Store) DropWorkdir(taskID string) {
	dir := filepath.Join(s.work, taskID)
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("drop workdir failed", logging.String(logging.FieldTaskID, taskID), logging.Error(err))
	}
}

// ResultPath returns the published subtitle location for a task.
func (s *Store) ResultPath(taskID string) string {
	return filepath.Join(s.results, taskID+".srt")
}

// PublishResult moves a finished SRT into the results root under the task's
// stable name. The move is rename-based so a partial artifact never appears
// at the result path.
func (s *Store) PublishResult(taskID, srtPath string, now time.Time) (ResultInfo, error) {
	dest := s.ResultPath(taskID)
	if err := fileutil.MoveFile(srtPath, dest); err != nil {
		return ResultInfo{}, fmt.Errorf("publish result for %s: %w", taskID, err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return ResultInfo{}, fmt.Errorf("stat published result: %w", err)
	}
	return ResultInfo{
		Path:      dest,
		Size:      info.Size(),
		CreatedAt: now.UTC(),
		ExpiresAt: now.UTC().Add(s.retention),
	}, nil
}

// OpenResult opens a published result for streaming. The caller closes the
// file; an unlink racing the read is safe because the handle stays valid.
func (s *Store) OpenResult(taskID string) (*os.File, int64, error) {
	f, err := os.Open(s.ResultPath(taskID))
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// RemoveResult deletes a published result. Missing files are not errors.
func (s *Store) RemoveResult(taskID string) error {
	err := os.Remove(s.ResultPath(taskID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove result: %w", err)
	}
	return nil
}

// Sweep removes result files whose retention window has passed and returns
// the task ids of the removed artifacts. Individual failures are logged and
// skipped; Sweep never fails.
func (s *Store) Sweep(now time.Time) []string {
	entries, err := os.ReadDir(s.results)
	if err != nil {
		s.logger.Warn("sweep: read results root failed", logging.Error(err))
		return nil
	}

	var swept []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".srt") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("sweep: stat failed", logging.String("file", entry.Name()), logging.Error(err))
			continue
		}
		if now.Before(info.ModTime().Add(s.retention)) {
			continue
		}
		path := filepath.Join(s.results, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("sweep: remove failed", logging.String("file", entry.Name()), logging.Error(err))
			continue
		}
		taskID := strings.TrimSuffix(entry.Name(), ".srt")
		swept = append(swept, taskID)
		s.logger.Info("expired result removed", logging.String(logging.FieldTaskID, taskID))
	}
	return swept
}
