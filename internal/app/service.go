package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/cesargomez89/crate/internal/catalog"
	"github.com/cesargomez89/crate/internal/constants"
	"github.com/cesargomez89/crate/internal/domain"
	"github.com/cesargomez89/crate/internal/downloader"
	"github.com/cesargomez89/crate/internal/events"
	"github.com/cesargomez89/crate/internal/logger"
)

// DownloadService resolves catalog ids into queue items and fronts the engine
// for the HTTP layer.
type DownloadService struct {
	Engine   *downloader.Engine
	Resolver catalog.Resolver
	Bus      *events.Bus
	Logger   *logger.Logger
}

func NewDownloadService(engine *downloader.Engine, resolver catalog.Resolver, bus *events.Bus, log *logger.Logger) *DownloadService {
	if log == nil {
		log = logger.Default()
	}
	return &DownloadService{
		Engine:   engine,
		Resolver: resolver,
		Bus:      bus,
		Logger:   log.WithComponent("service"),
	}
}

func (s *DownloadService) EnqueueTrack(ctx context.Context, trackID string) (*domain.QueueItem, error) {
	if domain.IsInvalidID(trackID) {
		return nil, fmt.Errorf("%w: invalid track id %q", domain.ErrInvalidItem, trackID)
	}
	track, err := s.Resolver.GetTrack(ctx, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve track: %w", err)
	}

	item := s.newItem(domain.ItemTypeTrack, trackID, track.Title, track.Artist, []domain.TrackInfo{track.Normalize()}, 1)
	return s.enqueue(item)
}

func (s *DownloadService) EnqueueAlbum(ctx context.Context, albumID string) (*domain.QueueItem, error) {
	if domain.IsInvalidID(albumID) {
		return nil, fmt.Errorf("%w: invalid album id %q", domain.ErrInvalidItem, albumID)
	}
	album, err := s.Resolver.GetAlbum(ctx, albumID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve album: %w", err)
	}
	tracks, err := s.ResolveAlbum(ctx, albumID)
	if err != nil {
		return nil, err
	}

	tracks = lo.Map(tracks, func(t domain.TrackInfo, _ int) domain.TrackInfo {
		if t.Album == "" {
			t.Album = album.Title
		}
		if t.AlbumArtist == "" {
			t.AlbumArtist = album.Artist
		}
		if t.ArtworkURL == "" {
			t.ArtworkURL = album.ArtworkURL
		}
		if t.Year == 0 {
			t.Year = album.Year
		}
		t.Compilation = t.Compilation || album.Compilation
		return t.Normalize()
	})

	item := s.newItem(domain.ItemTypeAlbum, albumID, album.Title, album.Artist, tracks, album.TotalTracks)
	return s.enqueue(item)
}

func (s *DownloadService) EnqueuePlaylist(ctx context.Context, playlistID string) (*domain.QueueItem, error) {
	if domain.IsInvalidID(playlistID) {
		return nil, fmt.Errorf("%w: invalid playlist id %q", domain.ErrInvalidItem, playlistID)
	}
	pl, err := s.Resolver.GetPlaylist(ctx, playlistID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve playlist: %w", err)
	}
	tracks, err := s.ResolvePlaylist(ctx, playlistID)
	if err != nil {
		return nil, err
	}

	tracks = lo.Map(tracks, func(t domain.TrackInfo, i int) domain.TrackInfo {
		t.PlaylistPosition = i + 1
		return t.Normalize()
	})

	item := s.newItem(domain.ItemTypePlaylist, playlistID, pl.Title, pl.Owner, tracks, pl.TotalTracks)
	return s.enqueue(item)
}

// ResolveAlbum lists every track of an album, following pages until the
// catalog reports no more.
func (s *DownloadService) ResolveAlbum(ctx context.Context, albumID string) ([]domain.TrackInfo, error) {
	return s.paginate(ctx, "album", albumID, s.Resolver.GetAlbumTracks)
}

// ResolvePlaylist lists every track of a playlist in playlist order.
func (s *DownloadService) ResolvePlaylist(ctx context.Context, playlistID string) ([]domain.TrackInfo, error) {
	return s.paginate(ctx, "playlist", playlistID, s.Resolver.GetPlaylistTracks)
}

type pageFunc func(ctx context.Context, id string, pageSize, offset int) ([]domain.TrackInfo, bool, error)

func (s *DownloadService) paginate(ctx context.Context, kind, id string, fetch pageFunc) ([]domain.TrackInfo, error) {
	var all []domain.TrackInfo
	offset := 0
	for page := 0; page < constants.MaxAlbumPages; page++ {
		tracks, hasMore, err := fetch(ctx, id, constants.DefaultAlbumPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s tracks: %w", kind, err)
		}
		all = append(all, tracks...)
		if !hasMore || len(tracks) == 0 {
			break
		}
		offset += len(tracks)
	}

	// Listings can carry placeholder ids and repeat tracks across pages.
	all = lo.Filter(all, func(t domain.TrackInfo, _ int) bool { return !domain.IsInvalidID(t.ID) })
	all = lo.UniqBy(all, func(t domain.TrackInfo) string { return t.ID })
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: %s %s has no downloadable tracks", domain.ErrInvalidItem, kind, id)
	}
	s.Logger.Debug("Resolved tracks", "kind", kind, "id", id, "tracks", len(all))
	return all, nil
}

// newItem builds a queue item whose total is the number of tracks that can
// actually be downloaded. A declared total above that is only logged.
func (s *DownloadService) newItem(itemType domain.ItemType, sourceID, title, artist string, tracks []domain.TrackInfo, declared int) *domain.QueueItem {
	if declared > len(tracks) {
		s.Logger.Warn("Catalog listing is shorter than the declared track count",
			"type", itemType, "source_id", sourceID, "declared", declared, "listed", len(tracks))
	}
	return &domain.QueueItem{
		ID:              uuid.New().String(),
		Type:            itemType,
		SourceID:        sourceID,
		Title:           title,
		Artist:          artist,
		TotalTrackCount: len(tracks),
		Tracks:          tracks,
		CreatedAt:       time.Now(),
	}
}

func (s *DownloadService) enqueue(item *domain.QueueItem) (*domain.QueueItem, error) {
	if err := s.Engine.Enqueue(item); err != nil {
		return nil, err
	}
	s.Logger.Info("Item enqueued", "item_id", item.ID, "type", item.Type, "source_id", item.SourceID, "tracks", len(item.Tracks))
	return item, nil
}

func (s *DownloadService) Cancel(itemID string) error {
	return s.Engine.Cancel(itemID)
}

func (s *DownloadService) Pause(itemID string) error {
	return s.Engine.Pause(itemID)
}

func (s *DownloadService) Resume(itemID string) error {
	return s.Engine.Resume(itemID)
}

func (s *DownloadService) RetryFailed() int {
	return s.Engine.RetryFailed()
}

func (s *DownloadService) ClearCompleted() int {
	return s.Engine.ClearCompleted()
}

func (s *DownloadService) ClearFailed() int {
	return s.Engine.ClearFailed()
}

func (s *DownloadService) ClearAll() int {
	return s.Engine.ClearAll()
}

func (s *DownloadService) GetSnapshot() []domain.ItemView {
	return s.Engine.Snapshot()
}

func (s *DownloadService) GetItem(itemID string) (domain.ItemView, error) {
	return s.Engine.Get(itemID)
}

// Status summarises the engine for health and queue endpoints.
type Status struct {
	Active   int            `json:"active"`
	Degraded bool           `json:"degraded"`
	Counts   map[string]int `json:"counts"`
}

func (s *DownloadService) Status() Status {
	return Status{
		Active:   s.Engine.Active(),
		Degraded: s.Engine.Degraded(),
		Counts:   s.Engine.Counts(),
	}
}

// Subscribe registers handler for queue events and returns the unsubscribe func.
func (s *DownloadService) Subscribe(t events.Type, handler events.Handler) func() {
	return s.Bus.Subscribe(t, handler)
}
