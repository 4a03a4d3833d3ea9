package catalog

import (
	"context"

	"github.com/cesargomez89/crate/internal/domain"
)

// MediaLocation is where the encrypted bytes of a track live and the seed
// needed to decrypt them. Locations are short-lived and must not be cached.
type MediaLocation struct {
	EncryptedURL   string `json:"encrypted_url"`
	DecryptionSeed string `json:"decryption_seed"`
	Format         string `json:"format,omitempty"`
}

// AlbumInfo is the album header returned before its tracks are listed.
type AlbumInfo struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	TotalTracks int    `json:"total_tracks"`
	Year        int    `json:"year,omitempty"`
	ArtworkURL  string `json:"artwork_url,omitempty"`
	Compilation bool   `json:"compilation,omitempty"`
}

// PlaylistInfo is the playlist header returned before its tracks are listed.
type PlaylistInfo struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Owner       string `json:"owner,omitempty"`
	TotalTracks int    `json:"total_tracks"`
	ArtworkURL  string `json:"artwork_url,omitempty"`
}

// Resolver turns catalog ids into track metadata and media locations.
// Implementations return *domain.Error values so callers can tell permanent
// failures from transient ones.
type Resolver interface {
	GetTrack(ctx context.Context, id string) (*domain.TrackInfo, error)
	GetMediaLocation(ctx context.Context, trackID, quality string) (*MediaLocation, error)
	GetAlbum(ctx context.Context, id string) (*AlbumInfo, error)
	GetAlbumTracks(ctx context.Context, albumID string, pageSize, offset int) ([]domain.TrackInfo, bool, error)
	GetPlaylist(ctx context.Context, id string) (*PlaylistInfo, error)
	GetPlaylistTracks(ctx context.Context, playlistID string, pageSize, offset int) ([]domain.TrackInfo, bool, error)
}
