package app

import (
	"fmt"
	"path/filepath"

	"github.com/cesargomez89/crate/internal/storage"
	"github.com/cesargomez89/crate/internal/store"
)

const defaultLimit = 30

// DownloadsService exposes the download history.
type DownloadsService struct {
	Repo *store.DB
}

func NewDownloadsService(repo *store.DB) *DownloadsService {
	return &DownloadsService{Repo: repo}
}

func (s *DownloadsService) ListDownloads(limit int) ([]*store.Download, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	return s.Repo.ListDownloads(limit)
}

// DeleteDownload removes the file for trackID, prunes its folder when empty,
// and forgets the history record. Unknown tracks are a no-op.
func (s *DownloadsService) DeleteDownload(trackID string) error {
	d, err := s.Repo.GetDownload(trackID)
	if err != nil {
		return fmt.Errorf("failed to get download: %w", err)
	}
	if d == nil {
		return nil
	}

	if err := storage.RemoveFile(d.FilePath); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	if err := storage.DeleteFolderIfEmpty(filepath.Dir(d.FilePath)); err != nil {
		return fmt.Errorf("failed to clean up folder: %w", err)
	}

	if err := s.Repo.DeleteDownload(trackID); err != nil {
		return fmt.Errorf("failed to delete download record: %w", err)
	}
	return nil
}
