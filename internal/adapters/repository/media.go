package repository

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/okian/fieldsync/internal/domain/model"
	"github.com/okian/fieldsync/pkg/logger"
	"github.com/okian/fieldsync/pkg/metrics"
)

const mediaFilePerm = 0o600

// SaveMedia copies src into the media directory under a generated name.
// The source must exist before the copy and the destination must exist
// after it; any failure is logged and reported as "".
func (s *LocalStore) SaveMedia(ctx context.Context, src string) string {
	info, err := os.Stat(src)
	if err != nil || !info.Mode().IsRegular() {
		s.log.Warn(ctx, "media source missing", logger.String("src", src), logger.Error(err))
		metrics.RecordLocalStoreOp("save_media", "missing_source")
		return ""
	}

	name := fmt.Sprintf("assessment_%d_%s%s", s.now().UnixNano(), uuid.NewString(), filepath.Ext(src))
	dst := filepath.Join(s.mediaDir, name)
	if err := copyFile(src, dst); err != nil {
		_ = os.Remove(dst)
		s.log.Warn(ctx, "media copy failed", logger.String("src", src), logger.Error(err))
		metrics.RecordLocalStoreOp("save_media", "error")
		return ""
	}

	out, err := os.Stat(dst)
	if err != nil || out.Size() != info.Size() {
		_ = os.Remove(dst)
		s.log.Warn(ctx, "media copy not verified", logger.String("dst", dst), logger.Error(err))
		metrics.RecordLocalStoreOp("save_media", "unverified")
		return ""
	}

	metrics.RecordLocalStoreOp("save_media", "ok")
	return dst
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // path comes from the capture flow
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mediaFilePerm) //nolint:gosec // generated name inside the media dir
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// DeleteMedia removes a blob from the media directory. Paths still referenced
// by a record that has not reached every remote are refused.
func (s *LocalStore) DeleteMedia(ctx context.Context, path string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	clean, err := s.insideMediaDir(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var list []model.AssessmentRecord
	if err := s.db.View(func(txn *badger.Txn) error {
		var err error
		list, err = readList(txn)
		return err
	}); err != nil {
		return err
	}
	for _, r := range list {
		if r.SyncState.Pending() && r.Media.LocalPath != "" && filepath.Clean(r.Media.LocalPath) == clean {
			return fmt.Errorf("%w: %s (%s)", ErrMediaInUse, r.ID, r.SyncState)
		}
	}

	if err := os.Remove(clean); err != nil && !os.IsNotExist(err) {
		metrics.RecordLocalStoreOp("delete_media", "error")
		return fmt.Errorf("remove media %s: %w", clean, err)
	}
	metrics.RecordLocalStoreOp("delete_media", "ok")
	s.log.Debug(ctx, "media removed", logger.String("path", clean))
	return nil
}

func (s *LocalStore) insideMediaDir(path string) (string, error) {
	clean := filepath.Clean(path)
	rel, err := filepath.Rel(filepath.Clean(s.mediaDir), clean)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %s", ErrOutsideMediaDir, path)
	}
	return clean, nil
}

// Purge drops every record and media blob. It is the only path that
// removes unsynced data and is meant for an explicit user request.
func (s *LocalStore) Purge(ctx context.Context) (int, error) {
	var removed int
	err := s.mutate(ctx, "purge", func(list []model.AssessmentRecord) ([]model.AssessmentRecord, error) {
		removed = len(list)
		return []model.AssessmentRecord{}, nil
	})
	if err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(s.mediaDir)
	if err != nil {
		return removed, fmt.Errorf("read media directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.mediaDir, e.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove media %s: %w", e.Name(), err)
		}
	}
	s.log.Warn(ctx, "offline data purged", logger.Int("records", removed), logger.Int("media_files", len(entries)))
	metrics.UpdateMediaBytes(0)
	return removed, nil
}

// Info reports record counts per state and media usage.
func (s *LocalStore) Info(ctx context.Context) (Info, error) {
	list, err := s.List(ctx)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		Records:  len(list),
		ByState:  make(map[string]int),
		MediaDir: s.mediaDir,
	}
	for _, r := range list {
		info.ByState[string(r.SyncState)]++
	}

	err = filepath.WalkDir(s.mediaDir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // file vanished mid-walk
		}
		info.MediaFiles++
		info.MediaBytes += fi.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return info, fmt.Errorf("scan media directory: %w", err)
	}
	return info, nil
}
