package catalog

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/cesargomez89/crate/internal/domain"
)

// FlexCover accepts a cover given as a string, an object with a url, or a
// list of such objects.
type FlexCover []string

func (f *FlexCover) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = []string{s}
	case '[':
		var items []struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		urls := make([]string, 0, len(items))
		for _, item := range items {
			urls = append(urls, item.URL)
		}
		*f = urls
	case '{':
		var item struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(data, &item); err != nil {
			return err
		}
		*f = []string{item.URL}
	}
	return nil
}

// First returns the first cover or "".
func (f FlexCover) First() string {
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

// formatID converts various ID types to string
func formatID(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return fmt.Sprintf("%.0f", val)
	case json.Number:
		return val.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func parseYear(date string) int {
	if len(date) < 4 {
		return 0
	}
	var year int
	if _, err := fmt.Sscanf(date[:4], "%d", &year); err != nil {
		return 0
	}
	return year
}

type apiArtist struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

type apiAlbumRef struct {
	ID          json.Number `json:"id"`
	Title       string      `json:"title"`
	ReleaseDate string      `json:"releaseDate"`
	Cover       FlexCover   `json:"cover"`
	Artist      *apiArtist  `json:"artist"`
}

type apiTrack struct {
	ID           json.Number `json:"id"`
	Title        string      `json:"title"`
	Version      *string     `json:"version"`
	Duration     int         `json:"duration"`
	TrackNumber  int         `json:"trackNumber"`
	VolumeNumber int         `json:"volumeNumber"`
	ISRC         string      `json:"isrc"`
	Artist       *apiArtist  `json:"artist"`
	Artists      []apiArtist `json:"artists"`
	Album        apiAlbumRef `json:"album"`
}

type apiAlbum struct {
	ID             json.Number `json:"id"`
	Title          string      `json:"title"`
	ReleaseDate    string      `json:"releaseDate"`
	NumberOfTracks int         `json:"numberOfTracks"`
	Type           string      `json:"type"`
	Compilation    bool        `json:"compilation"`
	Cover          FlexCover   `json:"cover"`
	Artist         apiArtist   `json:"artist"`
}

type apiPlaylist struct {
	UUID           string    `json:"uuid"`
	Title          string    `json:"title"`
	Creator        string    `json:"creator"`
	NumberOfTracks int       `json:"numberOfTracks"`
	SquareImage    FlexCover `json:"squareImage"`
}

type apiTrackPage struct {
	Items []struct {
		Item apiTrack `json:"item"`
	} `json:"items"`
	Limit              int `json:"limit"`
	Offset             int `json:"offset"`
	TotalNumberOfItems int `json:"totalNumberOfItems"`
}

// hasMore reports whether a page starting at offset leaves items unread.
func (p *apiTrackPage) hasMore(offset int) bool {
	if len(p.Items) == 0 {
		return false
	}
	return offset+len(p.Items) < p.TotalNumberOfItems
}

type apiMedia struct {
	URL    string `json:"url"`
	Seed   string `json:"seed"`
	Format string `json:"format"`
}

// toTrackInfo converts an API track. Album fields left empty by the API are
// filled from album when given.
func (t apiTrack) toTrackInfo(base string, album *AlbumInfo) domain.TrackInfo {
	title := t.Title
	if t.Version != nil && *t.Version != "" && !strings.Contains(title, *t.Version) {
		title = fmt.Sprintf("%s (%s)", title, *t.Version)
	}

	artist := ""
	if len(t.Artists) > 0 {
		artist = t.Artists[0].Name
	} else if t.Artist != nil {
		artist = t.Artist.Name
	}

	info := domain.TrackInfo{
		ID:              formatID(t.ID),
		Title:           title,
		Artist:          artist,
		Album:           t.Album.Title,
		TrackNumber:     t.TrackNumber,
		DiscNumber:      t.VolumeNumber,
		DurationSeconds: t.Duration,
		Year:            parseYear(t.Album.ReleaseDate),
		ISRC:            t.ISRC,
		ArtworkURL:      absoluteURL(base, t.Album.Cover.First()),
	}
	if t.Album.Artist != nil {
		info.AlbumArtist = t.Album.Artist.Name
	} else if t.Artist != nil {
		info.AlbumArtist = t.Artist.Name
	}

	if album != nil {
		info = info.Merge(domain.TrackInfo{
			Album:       album.Title,
			AlbumArtist: album.Artist,
			Year:        album.Year,
			ArtworkURL:  album.ArtworkURL,
			Compilation: album.Compilation,
		})
	}
	return info.Normalize()
}

// absoluteURL resolves a relative artwork reference against the catalog base URL.
func absoluteURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	b, err := url.Parse(strings.TrimSuffix(base, "/") + "/")
	if err != nil {
		return ref
	}
	r, err := url.Parse(strings.TrimPrefix(ref, "/"))
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
