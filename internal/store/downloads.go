package store

import (
	"database/sql"
	"errors"
	"time"
)

// Download records where a finished track ended up on disk.
type Download struct {
	CompletedAt time.Time `db:"completed_at" json:"completed_at"`
	TrackID     string    `db:"track_id" json:"track_id"`
	ItemID      string    `db:"item_id" json:"item_id"`
	FilePath    string    `db:"file_path" json:"file_path"`
	FileHash    string    `db:"file_hash" json:"file_hash"`
	Quality     string    `db:"quality" json:"quality"`
	SizeBytes   int64     `db:"size_bytes" json:"size_bytes"`
}

func (db *DB) RecordDownload(d *Download) error {
	if d.CompletedAt.IsZero() {
		d.CompletedAt = time.Now()
	}
	_, err := db.NamedExec(`
		INSERT INTO downloads (track_id, item_id, file_path, file_hash, quality, size_bytes, completed_at)
		VALUES (:track_id, :item_id, :file_path, :file_hash, :quality, :size_bytes, :completed_at)
		ON CONFLICT(track_id) DO UPDATE SET
			item_id = excluded.item_id,
			file_path = excluded.file_path,
			file_hash = excluded.file_hash,
			quality = excluded.quality,
			size_bytes = excluded.size_bytes,
			completed_at = excluded.completed_at
	`, d)
	return err
}

func (db *DB) GetDownload(trackID string) (*Download, error) {
	var d Download
	err := db.Get(&d, `SELECT track_id, item_id, file_path, COALESCE(file_hash, '') AS file_hash,
		COALESCE(quality, '') AS quality, size_bytes, completed_at FROM downloads WHERE track_id = ?`, trackID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DownloadedPath returns the recorded path for trackID, or "" when unknown.
func (db *DB) DownloadedPath(trackID string) (string, error) {
	d, err := db.GetDownload(trackID)
	if err != nil || d == nil {
		return "", err
	}
	return d.FilePath, nil
}

func (db *DB) ListDownloads(limit int) ([]*Download, error) {
	var downloads []*Download
	err := db.Select(&downloads, `SELECT track_id, item_id, file_path, COALESCE(file_hash, '') AS file_hash,
		COALESCE(quality, '') AS quality, size_bytes, completed_at FROM downloads ORDER BY completed_at DESC LIMIT ?`, limit)
	return downloads, err
}

func (db *DB) DeleteDownload(trackID string) error {
	_, err := db.Exec("DELETE FROM downloads WHERE track_id = ?", trackID)
	return err
}
