package dto

import (
	"time"

	"github.com/samber/lo"

	"github.com/cesargomez89/crate/internal/domain"
)

const timeFormat = "2006-01-02T15:04:05Z07:00"

type TrackResponse struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Artist    string  `json:"artist"`
	State     string  `json:"state"`
	Progress  float64 `json:"progress"`
	Attempts  int     `json:"attempts"`
	Error     string  `json:"error,omitempty"`
	FilePath  string  `json:"file_path,omitempty"`
	Position  int     `json:"position,omitempty"`
	TrackNo   int     `json:"track_number"`
	DiscNo    int     `json:"disc_number"`
	Duration  int     `json:"duration_seconds,omitempty"`
	Available bool    `json:"available"`
}

type ItemResponse struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	SourceID       string          `json:"source_id"`
	Title          string          `json:"title"`
	Artist         string          `json:"artist"`
	State          string          `json:"state"`
	Progress       float64         `json:"progress"`
	TotalTracks    int             `json:"total_tracks"`
	CompletedCount int             `json:"completed_tracks"`
	FailedCount    int             `json:"failed_tracks"`
	RetryCount     int             `json:"retry_count"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	Tracks         []TrackResponse `json:"tracks,omitempty"`
}

// NewItemResponse flattens an item view. Tracks are included only when
// withTracks is set to keep list responses small.
func NewItemResponse(v domain.ItemView, withTracks bool) ItemResponse {
	resp := ItemResponse{
		ID:             v.Item.ID,
		Type:           string(v.Item.Type),
		SourceID:       v.Item.SourceID,
		Title:          v.Item.Title,
		Artist:         v.Item.Artist,
		State:          string(v.State.State),
		Progress:       v.State.Progress,
		TotalTracks:    max(v.Item.TotalTrackCount, len(v.Item.Tracks)),
		CompletedCount: v.State.CompletedTrackCount,
		FailedCount:    v.State.FailedTrackCount,
		RetryCount:     v.State.RetryCount,
		Error:          v.State.LastError,
		CreatedAt:      formatTime(v.Item.CreatedAt),
		UpdatedAt:      formatTime(v.State.UpdatedAt),
	}
	if !withTracks {
		return resp
	}

	states := lo.KeyBy(v.State.Tracks, func(ts domain.TrackState) string { return ts.TrackID })
	resp.Tracks = lo.Map(v.Item.Tracks, func(t domain.TrackInfo, _ int) TrackResponse {
		ts, ok := states[t.ID]
		return TrackResponse{
			ID:        t.ID,
			Title:     t.Title,
			Artist:    t.Artist,
			State:     string(ts.State),
			Progress:  ts.Progress,
			Attempts:  ts.Attempts,
			Error:     ts.LastError,
			FilePath:  ts.FilePath,
			Position:  t.PlaylistPosition,
			TrackNo:   t.TrackNumber,
			DiscNo:    t.DiscNumber,
			Duration:  t.DurationSeconds,
			Available: ok && ts.State == domain.StateCompleted,
		}
	})
	return resp
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeFormat)
}

type QueueResponse struct {
	Items    []ItemResponse `json:"items"`
	Active   int            `json:"active"`
	Degraded bool           `json:"degraded"`
	Counts   map[string]int `json:"counts"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type ErrorResponse struct {
	Error  string            `json:"error"`
	Kind   string            `json:"kind,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}
