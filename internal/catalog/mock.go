package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/cesargomez89/crate/internal/domain"
)

// MockResolver is an in-memory Resolver for tests and offline runs. Errors
// registered with SetError are keyed by "<op>:<id>" where op is one of track,
// media, album, album_tracks, playlist, playlist_tracks.
type MockResolver struct {
	mu             sync.Mutex
	tracks         map[string]domain.TrackInfo
	media          map[string]MediaLocation
	albums         map[string]*AlbumInfo
	albumTracks    map[string][]domain.TrackInfo
	playlists      map[string]*PlaylistInfo
	playlistTracks map[string][]domain.TrackInfo
	errs           map[string]error
	calls          map[string]int
}

func NewMockResolver() *MockResolver {
	return &MockResolver{
		tracks:         make(map[string]domain.TrackInfo),
		media:          make(map[string]MediaLocation),
		albums:         make(map[string]*AlbumInfo),
		albumTracks:    make(map[string][]domain.TrackInfo),
		playlists:      make(map[string]*PlaylistInfo),
		playlistTracks: make(map[string][]domain.TrackInfo),
		errs:           make(map[string]error),
		calls:          make(map[string]int),
	}
}

// AddTrack registers a track and where its media lives.
func (m *MockResolver) AddTrack(track domain.TrackInfo, loc MediaLocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks[track.ID] = track
	m.media[track.ID] = loc
}

// AddAlbum registers an album and its tracks. TotalTracks defaults to len(tracks).
func (m *MockResolver) AddAlbum(album AlbumInfo, tracks []domain.TrackInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if album.TotalTracks == 0 {
		album.TotalTracks = len(tracks)
	}
	m.albums[album.ID] = &album
	m.albumTracks[album.ID] = tracks
}

// AddPlaylist registers a playlist and its tracks.
func (m *MockResolver) AddPlaylist(pl PlaylistInfo, tracks []domain.TrackInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pl.TotalTracks == 0 {
		pl.TotalTracks = len(tracks)
	}
	m.playlists[pl.ID] = &pl
	m.playlistTracks[pl.ID] = tracks
}

// SetError makes the given operation fail. A nil err clears it.
func (m *MockResolver) SetError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, key)
		return
	}
	m.errs[key] = err
}

// Calls returns how many times the operation key was invoked.
func (m *MockResolver) Calls(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[key]
}

func (m *MockResolver) enter(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[key]++
	return m.errs[key]
}

func (m *MockResolver) GetTrack(ctx context.Context, id string) (*domain.TrackInfo, error) {
	if err := m.enter(ctx, "track:"+id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracks[id]
	if !ok {
		return nil, domain.NotFoundError("track", fmt.Errorf("track %s not found", id))
	}
	return &t, nil
}

func (m *MockResolver) GetMediaLocation(ctx context.Context, trackID, quality string) (*MediaLocation, error) {
	if err := m.enter(ctx, "media:"+trackID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.media[trackID]
	if !ok {
		return nil, domain.RightsError("media", fmt.Errorf("track %s is not available for streaming", trackID))
	}
	return &loc, nil
}

func (m *MockResolver) GetAlbum(ctx context.Context, id string) (*AlbumInfo, error) {
	if err := m.enter(ctx, "album:"+id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.albums[id]
	if !ok {
		return nil, domain.NotFoundError("album", fmt.Errorf("album %s not found", id))
	}
	cp := *a
	return &cp, nil
}

func (m *MockResolver) GetAlbumTracks(ctx context.Context, albumID string, pageSize, offset int) ([]domain.TrackInfo, bool, error) {
	if err := m.enter(ctx, "album_tracks:"+albumID); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tracks, ok := m.albumTracks[albumID]
	if !ok {
		return nil, false, domain.NotFoundError("album_tracks", fmt.Errorf("album %s not found", albumID))
	}
	page, more := paginate(tracks, pageSize, offset)
	return page, more, nil
}

func (m *MockResolver) GetPlaylist(ctx context.Context, id string) (*PlaylistInfo, error) {
	if err := m.enter(ctx, "playlist:"+id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.playlists[id]
	if !ok {
		return nil, domain.NotFoundError("playlist", fmt.Errorf("playlist %s not found", id))
	}
	cp := *pl
	return &cp, nil
}

func (m *MockResolver) GetPlaylistTracks(ctx context.Context, playlistID string, pageSize, offset int) ([]domain.TrackInfo, bool, error) {
	if err := m.enter(ctx, "playlist_tracks:"+playlistID); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tracks, ok := m.playlistTracks[playlistID]
	if !ok {
		return nil, false, domain.NotFoundError("playlist_tracks", fmt.Errorf("playlist %s not found", playlistID))
	}
	page, more := paginate(tracks, pageSize, offset)
	for i := range page {
		if page[i].PlaylistPosition == 0 {
			page[i].PlaylistPosition = offset + i + 1
		}
	}
	return page, more, nil
}

func paginate(tracks []domain.TrackInfo, pageSize, offset int) ([]domain.TrackInfo, bool) {
	if offset >= len(tracks) {
		return nil, false
	}
	if pageSize <= 0 {
		pageSize = len(tracks)
	}
	end := offset + pageSize
	if end > len(tracks) {
		end = len(tracks)
	}
	page := make([]domain.TrackInfo, end-offset)
	copy(page, tracks[offset:end])
	return page, end < len(tracks)
}

var _ Resolver = (*MockResolver)(nil)
