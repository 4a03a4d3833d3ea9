package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cesargomez89/crate/internal/domain"
	"github.com/cesargomez89/crate/internal/httpclient"
	"github.com/cesargomez89/crate/internal/logger"
)

// HTTPResolver talks to the catalog API over HTTP.
type HTTPResolver struct {
	BaseURL string
	client  *httpclient.Client
	logger  *logger.Logger
}

func NewHTTPResolver(baseURL string, client *httpclient.Client, log *logger.Logger) *HTTPResolver {
	if client == nil {
		client = httpclient.NewClient(nil, 0)
	}
	if log == nil {
		log = logger.Default()
	}
	return &HTTPResolver{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		logger:  log.WithComponent("catalog"),
	}
}

func (p *HTTPResolver) GetTrack(ctx context.Context, id string) (*domain.TrackInfo, error) {
	var resp struct {
		Data apiTrack `json:"data"`
	}
	if err := p.get(ctx, "track", "/info/", url.Values{"id": {id}}, &resp); err != nil {
		return nil, err
	}
	if formatID(resp.Data.ID) == "" {
		return nil, domain.NotFoundError("track", fmt.Errorf("track %s not found", id))
	}
	track := resp.Data.toTrackInfo(p.BaseURL, nil)
	return &track, nil
}

func (p *HTTPResolver) GetMediaLocation(ctx context.Context, trackID, quality string) (*MediaLocation, error) {
	p.logger.Debug("Media request", "track_id", trackID, "quality", quality)

	var resp struct {
		Data apiMedia `json:"data"`
	}
	if err := p.get(ctx, "media", "/track/", url.Values{"id": {trackID}, "quality": {quality}}, &resp); err != nil {
		return nil, err
	}
	if resp.Data.URL == "" {
		return nil, domain.RightsError("media", fmt.Errorf("track %s is not available for streaming", trackID))
	}
	return &MediaLocation{
		EncryptedURL:   absoluteURL(p.BaseURL, resp.Data.URL),
		DecryptionSeed: resp.Data.Seed,
		Format:         resp.Data.Format,
	}, nil
}

func (p *HTTPResolver) GetAlbum(ctx context.Context, id string) (*AlbumInfo, error) {
	var resp struct {
		Data apiAlbum `json:"data"`
	}
	if err := p.get(ctx, "album", "/album/", url.Values{"id": {id}}, &resp); err != nil {
		return nil, err
	}
	return &AlbumInfo{
		ID:          formatID(resp.Data.ID),
		Title:       resp.Data.Title,
		Artist:      resp.Data.Artist.Name,
		TotalTracks: resp.Data.NumberOfTracks,
		Year:        parseYear(resp.Data.ReleaseDate),
		ArtworkURL:  absoluteURL(p.BaseURL, resp.Data.Cover.First()),
		Compilation: resp.Data.Compilation || strings.EqualFold(resp.Data.Type, "COMPILATION"),
	}, nil
}

// GetAlbumTracks returns one page of album tracks. The album header is fetched
// so every track carries the album artist and artwork.
func (p *HTTPResolver) GetAlbumTracks(ctx context.Context, albumID string, pageSize, offset int) ([]domain.TrackInfo, bool, error) {
	album, err := p.GetAlbum(ctx, albumID)
	if err != nil {
		return nil, false, err
	}

	var page apiTrackPage
	if err := p.get(ctx, "album_tracks", "/album/tracks/", pageQuery(albumID, pageSize, offset), &page); err != nil {
		return nil, false, err
	}

	tracks := make([]domain.TrackInfo, 0, len(page.Items))
	for _, wrapped := range page.Items {
		tracks = append(tracks, wrapped.Item.toTrackInfo(p.BaseURL, album))
	}
	return tracks, page.hasMore(offset), nil
}

func (p *HTTPResolver) GetPlaylist(ctx context.Context, id string) (*PlaylistInfo, error) {
	var resp struct {
		Playlist apiPlaylist `json:"playlist"`
	}
	if err := p.get(ctx, "playlist", "/playlist/", url.Values{"id": {id}}, &resp); err != nil {
		return nil, err
	}
	plID := resp.Playlist.UUID
	if plID == "" {
		plID = id
	}
	return &PlaylistInfo{
		ID:          plID,
		Title:       resp.Playlist.Title,
		Owner:       resp.Playlist.Creator,
		TotalTracks: resp.Playlist.NumberOfTracks,
		ArtworkURL:  absoluteURL(p.BaseURL, resp.Playlist.SquareImage.First()),
	}, nil
}

// GetPlaylistTracks returns one page of playlist tracks numbered by their
// position in the playlist.
func (p *HTTPResolver) GetPlaylistTracks(ctx context.Context, playlistID string, pageSize, offset int) ([]domain.TrackInfo, bool, error) {
	var page apiTrackPage
	if err := p.get(ctx, "playlist_tracks", "/playlist/tracks/", pageQuery(playlistID, pageSize, offset), &page); err != nil {
		return nil, false, err
	}

	tracks := make([]domain.TrackInfo, 0, len(page.Items))
	for i, wrapped := range page.Items {
		track := wrapped.Item.toTrackInfo(p.BaseURL, nil)
		track.PlaylistPosition = offset + i + 1
		tracks = append(tracks, track)
	}
	return tracks, page.hasMore(offset), nil
}

func pageQuery(id string, pageSize, offset int) url.Values {
	return url.Values{
		"id":     {id},
		"limit":  {fmt.Sprint(pageSize)},
		"offset": {fmt.Sprint(offset)},
	}
}

func (p *HTTPResolver) get(ctx context.Context, op, path string, query url.Values, target interface{}) error {
	u := p.BaseURL + path + "?" + query.Encode()
	p.logger.Debug("API request", "url", u)

	resp, err := p.client.Get(ctx, u)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) {
			return domain.TransientError(op, err)
		}
		return domain.TransientError(op, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if err := ResponseError(op, resp); err != nil {
		return err
	}

	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(target); err != nil {
		return domain.TransientError(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// ResponseError maps a non-200 response to a classified error.
func ResponseError(op string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	err := fmt.Errorf("API request failed: %s", resp.Status)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.NotFoundError(op, err)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnavailableForLegalReasons:
		return domain.RightsError(op, err)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.TransientError(op, err)
	default:
		return err
	}
}

var _ Resolver = (*HTTPResolver)(nil)
