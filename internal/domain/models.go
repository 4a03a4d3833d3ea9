package domain

import (
	"fmt"
	"strings"
	"time"
)

type ItemType string

const (
	ItemTypeTrack    ItemType = "TRACK"
	ItemTypeAlbum    ItemType = "ALBUM"
	ItemTypePlaylist ItemType = "PLAYLIST"
)

func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeTrack, ItemTypeAlbum, ItemTypePlaylist:
		return true
	}
	return false
}

// ParseItemType accepts the persisted spelling as well as lowercase input from the API.
func ParseItemType(s string) (ItemType, bool) {
	t := ItemType(strings.ToUpper(strings.TrimSpace(s)))
	return t, t.Valid()
}

// TrackInfo describes one downloadable track. Values are treated as immutable once
// attached to a QueueItem.
type TrackInfo struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Artist           string `json:"artist"`
	Album            string `json:"album"`
	AlbumArtist      string `json:"album_artist"`
	TrackNumber      int    `json:"track_number"`
	DiscNumber       int    `json:"disc_number"`
	DurationSeconds  int    `json:"duration_seconds"`
	Year             int    `json:"year,omitempty"`
	ISRC             string `json:"isrc,omitempty"`
	Compilation      bool   `json:"compilation,omitempty"`
	ArtworkURL       string `json:"artwork_url,omitempty"`
	PlaylistPosition int    `json:"playlist_position,omitempty"`
}

// Normalize returns a copy with track and disc numbers defaulted to 1.
func (t TrackInfo) Normalize() TrackInfo {
	if t.TrackNumber < 1 {
		t.TrackNumber = 1
	}
	if t.DiscNumber < 1 {
		t.DiscNumber = 1
	}
	return t
}

// Merge returns t with empty fields filled from fallback. The playlist position always
// comes from fallback because only the enqueue descriptor knows it.
func (t TrackInfo) Merge(fallback TrackInfo) TrackInfo {
	if t.ID == "" {
		t.ID = fallback.ID
	}
	if t.Title == "" {
		t.Title = fallback.Title
	}
	if t.Artist == "" {
		t.Artist = fallback.Artist
	}
	if t.Album == "" {
		t.Album = fallback.Album
	}
	if t.AlbumArtist == "" {
		t.AlbumArtist = fallback.AlbumArtist
	}
	if t.TrackNumber < 1 {
		t.TrackNumber = fallback.TrackNumber
	}
	if t.DiscNumber < 1 {
		t.DiscNumber = fallback.DiscNumber
	}
	if t.DurationSeconds == 0 {
		t.DurationSeconds = fallback.DurationSeconds
	}
	if t.Year == 0 {
		t.Year = fallback.Year
	}
	if t.ISRC == "" {
		t.ISRC = fallback.ISRC
	}
	if t.ArtworkURL == "" {
		t.ArtworkURL = fallback.ArtworkURL
	}
	t.Compilation = t.Compilation || fallback.Compilation
	t.PlaylistPosition = fallback.PlaylistPosition
	return t.Normalize()
}

// FolderArtist is the artist used for directory names.
func (t TrackInfo) FolderArtist() string {
	if t.AlbumArtist != "" {
		return t.AlbumArtist
	}
	return t.Artist
}

// IsCompilation reports whether the track belongs in the compilation layout.
func (t TrackInfo) IsCompilation() bool {
	return t.Compilation || strings.EqualFold(t.AlbumArtist, "Various Artists")
}

// IsInvalidID reports whether id is empty or one of the placeholder values
// catalog listings emit for missing identifiers.
func IsInvalidID(id string) bool {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "", "unknown", "null", "none", "undefined", "nil":
		return true
	}
	return false
}

// QueueItem is the immutable description of a queued download.
type QueueItem struct {
	ID              string      `json:"id"`
	Type            ItemType    `json:"type"`
	SourceID        string      `json:"source_id"`
	Title           string      `json:"title"`
	Artist          string      `json:"artist"`
	TotalTrackCount int         `json:"total_track_count"`
	Tracks          []TrackInfo `json:"tracks"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Validate returns an ErrInvalidItem error when the item would be unsafe to persist.
func (i *QueueItem) Validate() error {
	if i == nil {
		return fmt.Errorf("%w: nil item", ErrInvalidItem)
	}
	if IsInvalidID(i.ID) {
		return fmt.Errorf("%w: invalid item id %q", ErrInvalidItem, i.ID)
	}
	if !i.Type.Valid() {
		return fmt.Errorf("%w: unknown item type %q", ErrInvalidItem, i.Type)
	}
	if IsInvalidID(i.SourceID) {
		return fmt.Errorf("%w: invalid source id %q", ErrInvalidItem, i.SourceID)
	}
	if len(i.Tracks) == 0 {
		return fmt.Errorf("%w: no tracks", ErrInvalidItem)
	}
	for _, t := range i.Tracks {
		if IsInvalidID(t.ID) {
			return fmt.Errorf("%w: invalid track id %q", ErrInvalidItem, t.ID)
		}
	}
	return nil
}

// TrackIndex returns the position of trackID within the item, or -1.
func (i *QueueItem) TrackIndex(trackID string) int {
	for idx, t := range i.Tracks {
		if t.ID == trackID {
			return idx
		}
	}
	return -1
}

// UnitKey identifies one (item, track) unit of work.
func UnitKey(itemID, trackID string) string {
	return itemID + "/" + trackID
}

// TrackState is the mutable download state of one track inside an item.
type TrackState struct {
	TrackID   string    `json:"track_id"`
	State     State     `json:"state"`
	Progress  float64   `json:"progress"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Kind      Kind      `json:"kind,omitempty"`
	FilePath  string    `json:"file_path,omitempty"`
	NotBefore time.Time `json:"-"`
}

// QueueItemState is the mutable state owned by the engine for a QueueItem.
type QueueItemState struct {
	ItemID              string       `json:"item_id"`
	State               State        `json:"state"`
	Progress            float64      `json:"progress"`
	CompletedTrackCount int          `json:"completed_track_count"`
	FailedTrackCount    int          `json:"failed_track_count"`
	LastError           string       `json:"last_error,omitempty"`
	RetryCount          int          `json:"retry_count"`
	UpdatedAt           time.Time    `json:"updated_at"`
	Tracks              []TrackState `json:"tracks"`
}

// NewQueueItemState creates the QUEUED state for item.
func NewQueueItemState(item *QueueItem, now time.Time) *QueueItemState {
	tracks := make([]TrackState, len(item.Tracks))
	for i, t := range item.Tracks {
		tracks[i] = TrackState{TrackID: t.ID, State: StateQueued}
	}
	return &QueueItemState{
		ItemID:    item.ID,
		State:     StateQueued,
		UpdatedAt: now,
		Tracks:    tracks,
	}
}

// Recount refreshes the aggregate counters and progress from the per-track states.
func (s *QueueItemState) Recount(total int) {
	completed, failed := 0, 0
	partial := 0.0
	for _, t := range s.Tracks {
		switch t.State {
		case StateCompleted:
			completed++
		case StateFailed:
			failed++
		case StateDownloading:
			partial += t.Progress
		}
	}
	s.CompletedTrackCount = completed
	s.FailedTrackCount = failed
	if total <= 0 {
		total = len(s.Tracks)
	}
	if total > 0 {
		p := (float64(completed) + partial) / float64(total)
		if p > 1 {
			p = 1
		}
		s.Progress = p
	}
}

// Pending reports whether any track still waits for admission or is running.
func (s *QueueItemState) Pending() (queued, active int) {
	for _, t := range s.Tracks {
		switch t.State {
		case StateQueued:
			queued++
		case StateDownloading:
			active++
		}
	}
	return queued, active
}

// Clone returns a deep copy safe to hand to readers.
func (s *QueueItemState) Clone() QueueItemState {
	c := *s
	c.Tracks = append([]TrackState(nil), s.Tracks...)
	return c
}

// ItemView pairs an item with a copy of its state for read-only consumers.
type ItemView struct {
	Item  QueueItem      `json:"item"`
	State QueueItemState `json:"state"`
}
