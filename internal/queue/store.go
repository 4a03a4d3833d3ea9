// Package queue persists the download queue as a single JSON snapshot file.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cesargomez89/crate/internal/constants"
	"github.com/cesargomez89/crate/internal/domain"
	"github.com/cesargomez89/crate/internal/logger"
)

// Record pairs an item with its state.
type Record struct {
	Item  *domain.QueueItem
	State *domain.QueueItemState
}

// Snapshot is the full queue content grouped by lifecycle bucket.
type Snapshot struct {
	Queued    []Record
	InFlight  []Record
	Completed []Record
	Failed    []Record
}

// Len returns the number of records across all buckets.
func (s *Snapshot) Len() int {
	return len(s.Queued) + len(s.InFlight) + len(s.Completed) + len(s.Failed)
}

// All returns every record, queued first.
func (s *Snapshot) All() []Record {
	all := make([]Record, 0, s.Len())
	all = append(all, s.Queued...)
	all = append(all, s.InFlight...)
	all = append(all, s.Completed...)
	all = append(all, s.Failed...)
	return all
}

// Store loads and saves queue snapshots.
type Store interface {
	Load() (*Snapshot, error)
	Save(snap *Snapshot) error
	Validate(item *domain.QueueItem) bool
}

// FileStore keeps the snapshot in a JSON file replaced atomically on every save.
type FileStore struct {
	path   string
	logger *logger.Logger
}

func NewFileStore(path string, log *logger.Logger) *FileStore {
	if log == nil {
		log = logger.Default()
	}
	return &FileStore{
		path:   path,
		logger: log.WithComponent("queue_store"),
	}
}

// Path returns the snapshot file location.
func (s *FileStore) Path() string {
	return s.path
}

// Validate reports whether item may be persisted.
func (s *FileStore) Validate(item *domain.QueueItem) bool {
	return item.Validate() == nil
}

// Load reads the snapshot. A missing file yields an empty snapshot. A file that
// cannot be parsed is moved aside and an empty snapshot is returned, so a damaged
// queue never blocks startup. Invalid entries are dropped and logged.
func (s *FileStore) Load() (*Snapshot, error) {
	snap := &Snapshot{}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue file: %w", err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		s.quarantine(err)
		return snap, nil
	}

	seen := make(map[string]bool)
	load := func(bucket string, raws []json.RawMessage, defaultState domain.State) []Record {
		var records []Record
		for i, raw := range raws {
			item, paused, err := decodeEntry(raw)
			if err != nil {
				s.logger.Warn("Dropping corrupt queue entry", "bucket", bucket, "index", i, "error", err)
				continue
			}
			if seen[item.ID] {
				s.logger.Warn("Dropping duplicate queue entry", "bucket", bucket, "item_id", item.ID)
				continue
			}
			seen[item.ID] = true

			state := defaultState
			if paused {
				state = domain.StatePaused
			}
			records = append(records, Record{
				Item:  item,
				State: restoreState(item, f.States[item.ID], state),
			})
		}
		return records
	}

	snap.Queued = load("queued", f.Queued, domain.StateQueued)
	snap.Completed = load("completed", f.Completed, domain.StateCompleted)
	snap.Failed = load("failed", f.Failed, domain.StateFailed)

	for id := range f.States {
		if !seen[id] {
			s.logger.Info("Pruning orphaned queue state", "item_id", id)
		}
	}

	return snap, nil
}

// Save writes the snapshot to a temporary file and renames it over the previous
// one. Invalid items and cancelled items are never written.
func (s *FileStore) Save(snap *Snapshot) error {
	f := file{
		Version:   fileVersion,
		Queued:    []json.RawMessage{},
		Completed: []json.RawMessage{},
		Failed:    []json.RawMessage{},
		States:    make(map[string]stateEntry),
	}

	add := func(dst *[]json.RawMessage, rec Record) error {
		if rec.Item == nil || !s.Validate(rec.Item) {
			id := ""
			if rec.Item != nil {
				id = rec.Item.ID
			}
			s.logger.Warn("Refusing to persist invalid queue entry", "item_id", id)
			return nil
		}
		paused := rec.State != nil && rec.State.State == domain.StatePaused
		raw, err := json.Marshal(entryFromItem(rec.Item, paused))
		if err != nil {
			return fmt.Errorf("failed to encode entry %s: %w", rec.Item.ID, err)
		}
		*dst = append(*dst, raw)
		if rec.State != nil {
			f.States[rec.Item.ID] = stateToEntry(rec.State)
		}
		return nil
	}

	for _, rec := range append(append([]Record{}, snap.Queued...), snap.InFlight...) {
		if rec.State != nil && rec.State.State == domain.StateCancelled {
			continue
		}
		if err := add(&f.Queued, rec); err != nil {
			return err
		}
	}
	for _, rec := range snap.Completed {
		if err := add(&f.Completed, rec); err != nil {
			return err
		}
	}
	for _, rec := range snap.Failed {
		if err := add(&f.Failed, rec); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	return writeAtomic(s.path, data)
}

func (s *FileStore) quarantine(cause error) {
	aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, aside); err != nil {
		s.logger.Error("Queue file is unreadable and could not be moved aside", "error", cause, "rename_error", err)
		return
	}
	s.logger.Error("Queue file is unreadable, starting with an empty queue", "error", cause, "moved_to", aside)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, constants.DirPermissions); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, constants.FilePermissions); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace queue file: %w", err)
	}
	success = true
	return nil
}

func decodeEntry(raw json.RawMessage) (*domain.QueueItem, bool, error) {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, domain.CorruptEntryError("decode", err)
	}
	item := Sanitize(e.toItem())
	if err := item.Validate(); err != nil {
		return nil, false, domain.CorruptEntryError("validate", err)
	}
	return item, e.Paused, nil
}

// Sanitize removes invalid and duplicate track references and sets the total to
// the tracks that remain. The result may still fail validation if nothing
// usable is left.
func Sanitize(item *domain.QueueItem) *domain.QueueItem {
	seen := make(map[string]bool, len(item.Tracks))
	kept := item.Tracks[:0:0]
	for _, t := range item.Tracks {
		if domain.IsInvalidID(t.ID) || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		kept = append(kept, t)
	}
	item.Tracks = kept
	item.TotalTrackCount = len(kept)
	return item
}

// restoreState rebuilds the state for a loaded item. Work that was running when
// the process stopped goes back to QUEUED.
func restoreState(item *domain.QueueItem, saved stateEntry, bucketState domain.State) *domain.QueueItemState {
	st := domain.NewQueueItemState(item, saved.UpdatedAt)
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	st.State = bucketState
	st.LastError = saved.LastError
	st.RetryCount = saved.RetryCount

	byID := make(map[string]trackStateEntry, len(saved.Tracks))
	for _, t := range saved.Tracks {
		byID[t.TrackID] = t
	}

	for i := range st.Tracks {
		ts := &st.Tracks[i]
		savedTrack, ok := byID[ts.TrackID]
		switch {
		case bucketState == domain.StateCompleted:
			ts.State = domain.StateCompleted
		case ok:
			ts.State = savedTrack.State
		case bucketState == domain.StateFailed:
			ts.State = domain.StateFailed
		}
		if ok {
			ts.Attempts = savedTrack.Attempts
			ts.LastError = savedTrack.LastError
			ts.Kind = savedTrack.Kind
			ts.FilePath = savedTrack.FilePath
		}
		if ts.State == domain.StateDownloading || ts.State == "" || ts.State == domain.StatePaused || ts.State == domain.StateCancelled {
			ts.State = domain.StateQueued
		}
		if bucketState == domain.StateFailed && ts.State == domain.StateFailed && ts.LastError == "" {
			ts.LastError = saved.LastError
		}
	}

	st.Recount(item.TotalTrackCount)
	return st
}
