package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cesargomez89/crate/internal/domain"
)

type Cache interface {
	GetCache(key string) ([]byte, error)
	SetCache(key string, data []byte, ttl time.Duration) error
	ClearCache() error
}

// CachedResolver caches catalog metadata. Media locations always go to the
// wrapped resolver.
type CachedResolver struct {
	resolver Resolver
	cache    Cache
	cacheTTL time.Duration
}

func NewCachedResolver(resolver Resolver, cache Cache, cacheTTL time.Duration) *CachedResolver {
	return &CachedResolver{
		resolver: resolver,
		cache:    cache,
		cacheTTL: cacheTTL,
	}
}

type trackPage struct {
	Tracks  []domain.TrackInfo `json:"tracks"`
	HasMore bool               `json:"has_more"`
}

// cached returns the value stored under key or calls fetch and stores its result.
func cached[T any](c *CachedResolver, key string, fetch func() (T, error)) (T, error) {
	var zero T

	data, err := c.cache.GetCache(key)
	if err != nil {
		return zero, err
	}
	if data != nil {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			return v, nil
		}
	}

	v, err := fetch()
	if err != nil {
		return zero, err
	}

	if data, err := json.Marshal(v); err == nil {
		_ = c.cache.SetCache(key, data, c.cacheTTL)
	}
	return v, nil
}

func (c *CachedResolver) GetTrack(ctx context.Context, id string) (*domain.TrackInfo, error) {
	return cached(c, fmt.Sprintf("track:%s", id), func() (*domain.TrackInfo, error) {
		return c.resolver.GetTrack(ctx, id)
	})
}

func (c *CachedResolver) GetMediaLocation(ctx context.Context, trackID, quality string) (*MediaLocation, error) {
	return c.resolver.GetMediaLocation(ctx, trackID, quality)
}

func (c *CachedResolver) GetAlbum(ctx context.Context, id string) (*AlbumInfo, error) {
	return cached(c, fmt.Sprintf("album:%s", id), func() (*AlbumInfo, error) {
		return c.resolver.GetAlbum(ctx, id)
	})
}

func (c *CachedResolver) GetAlbumTracks(ctx context.Context, albumID string, pageSize, offset int) ([]domain.TrackInfo, bool, error) {
	page, err := cached(c, fmt.Sprintf("album_tracks:%s:%d:%d", albumID, pageSize, offset), func() (*trackPage, error) {
		tracks, more, err := c.resolver.GetAlbumTracks(ctx, albumID, pageSize, offset)
		if err != nil {
			return nil, err
		}
		return &trackPage{Tracks: tracks, HasMore: more}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return page.Tracks, page.HasMore, nil
}

func (c *CachedResolver) GetPlaylist(ctx context.Context, id string) (*PlaylistInfo, error) {
	return cached(c, fmt.Sprintf("playlist:%s", id), func() (*PlaylistInfo, error) {
		return c.resolver.GetPlaylist(ctx, id)
	})
}

func (c *CachedResolver) GetPlaylistTracks(ctx context.Context, playlistID string, pageSize, offset int) ([]domain.TrackInfo, bool, error) {
	page, err := cached(c, fmt.Sprintf("playlist_tracks:%s:%d:%d", playlistID, pageSize, offset), func() (*trackPage, error) {
		tracks, more, err := c.resolver.GetPlaylistTracks(ctx, playlistID, pageSize, offset)
		if err != nil {
			return nil, err
		}
		return &trackPage{Tracks: tracks, HasMore: more}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return page.Tracks, page.HasMore, nil
}

func (c *CachedResolver) ClearCache() error {
	return c.cache.ClearCache()
}

var _ Resolver = (*CachedResolver)(nil)
