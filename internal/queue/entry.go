package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cesargomez89/crate/internal/domain"
)

const fileVersion = 1

// file is the persisted layout. Field names are stable.
type file struct {
	Version   int                   `json:"version"`
	Queued    []json.RawMessage     `json:"queued"`
	Completed []json.RawMessage     `json:"completed"`
	Failed    []json.RawMessage     `json:"failed"`
	States    map[string]stateEntry `json:"states,omitempty"`
}

type entry struct {
	ItemID          flexID       `json:"item_id"`
	ItemType        string       `json:"item_type"`
	SourceID        flexID       `json:"source_id"`
	Title           string       `json:"title"`
	Artist          string       `json:"artist"`
	TotalTrackCount int          `json:"total_track_count,omitempty"`
	Tracks          []trackEntry `json:"tracks"`
	CreatedAt       time.Time    `json:"created_at"`
	Paused          bool         `json:"paused,omitempty"`
}

type trackEntry struct {
	TrackID          flexID `json:"track_id"`
	Title            string `json:"title"`
	TrackNumber      int    `json:"track_number"`
	DiscNumber       int    `json:"disc_number"`
	Artist           string `json:"artist,omitempty"`
	Album            string `json:"album,omitempty"`
	AlbumArtist      string `json:"album_artist,omitempty"`
	DurationSeconds  int    `json:"duration_seconds,omitempty"`
	Year             int    `json:"year,omitempty"`
	ISRC             string `json:"isrc,omitempty"`
	Compilation      bool   `json:"compilation,omitempty"`
	ArtworkURL       string `json:"artwork_url,omitempty"`
	PlaylistPosition int    `json:"playlist_position,omitempty"`
}

type stateEntry struct {
	State      domain.State      `json:"state"`
	Progress   float64           `json:"progress"`
	LastError  string            `json:"last_error,omitempty"`
	RetryCount int               `json:"retry_count,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Tracks     []trackStateEntry `json:"tracks,omitempty"`
}

type trackStateEntry struct {
	TrackID   string       `json:"track_id"`
	State     domain.State `json:"state"`
	Attempts  int          `json:"attempts,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	Kind      domain.Kind  `json:"kind,omitempty"`
	FilePath  string       `json:"file_path,omitempty"`
}

// flexID accepts ids written as strings, numbers or null.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

func entryFromItem(item *domain.QueueItem, paused bool) entry {
	tracks := make([]trackEntry, len(item.Tracks))
	for i, t := range item.Tracks {
		tracks[i] = trackEntry{
			TrackID:          flexID(t.ID),
			Title:            t.Title,
			TrackNumber:      t.TrackNumber,
			DiscNumber:       t.DiscNumber,
			Artist:           t.Artist,
			Album:            t.Album,
			AlbumArtist:      t.AlbumArtist,
			DurationSeconds:  t.DurationSeconds,
			Year:             t.Year,
			ISRC:             t.ISRC,
			Compilation:      t.Compilation,
			ArtworkURL:       t.ArtworkURL,
			PlaylistPosition: t.PlaylistPosition,
		}
	}
	return entry{
		ItemID:          flexID(item.ID),
		ItemType:        string(item.Type),
		SourceID:        flexID(item.SourceID),
		Title:           item.Title,
		Artist:          item.Artist,
		TotalTrackCount: item.TotalTrackCount,
		Tracks:          tracks,
		CreatedAt:       item.CreatedAt,
		Paused:          paused,
	}
}

func (e entry) toItem() *domain.QueueItem {
	itemType, _ := domain.ParseItemType(e.ItemType)
	tracks := make([]domain.TrackInfo, 0, len(e.Tracks))
	for _, t := range e.Tracks {
		tracks = append(tracks, domain.TrackInfo{
			ID:               string(t.TrackID),
			Title:            t.Title,
			Artist:           t.Artist,
			Album:            t.Album,
			AlbumArtist:      t.AlbumArtist,
			TrackNumber:      t.TrackNumber,
			DiscNumber:       t.DiscNumber,
			DurationSeconds:  t.DurationSeconds,
			Year:             t.Year,
			ISRC:             t.ISRC,
			Compilation:      t.Compilation,
			ArtworkURL:       t.ArtworkURL,
			PlaylistPosition: t.PlaylistPosition,
		}.Normalize())
	}
	return &domain.QueueItem{
		ID:              string(e.ItemID),
		Type:            itemType,
		SourceID:        string(e.SourceID),
		Title:           e.Title,
		Artist:          e.Artist,
		TotalTrackCount: e.TotalTrackCount,
		Tracks:          tracks,
		CreatedAt:       e.CreatedAt,
	}
}

func stateToEntry(s *domain.QueueItemState) stateEntry {
	tracks := make([]trackStateEntry, len(s.Tracks))
	for i, t := range s.Tracks {
		tracks[i] = trackStateEntry{
			TrackID:   t.TrackID,
			State:     t.State,
			Attempts:  t.Attempts,
			LastError: t.LastError,
			Kind:      t.Kind,
			FilePath:  t.FilePath,
		}
	}
	return stateEntry{
		State:      s.State,
		Progress:   s.Progress,
		LastError:  s.LastError,
		RetryCount: s.RetryCount,
		UpdatedAt:  s.UpdatedAt,
		Tracks:     tracks,
	}
}
