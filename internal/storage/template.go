package storage

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/cesargomez89/crate/internal/constants"
	"github.com/cesargomez89/crate/internal/domain"
)

// PathTemplateData holds the data for path template execution
type PathTemplateData struct {
	AlbumArtist string
	Artist      string
	Album       string
	Disc        string
	Track       string
	Title       string
	Playlist    string
	Position    string
	Year        int
}

// Templates are the naming templates for each layout.
type Templates struct {
	Album       string
	Playlist    string
	Compilation string
}

// DefaultTemplates returns the built-in naming templates.
func DefaultTemplates() Templates {
	return Templates{
		Album:       constants.DefaultAlbumTemplate,
		Playlist:    constants.DefaultPlaylistTemplate,
		Compilation: constants.DefaultCompilationTemplate,
	}
}

// For selects the template for a track of the given item type.
func (t Templates) For(itemType domain.ItemType, track domain.TrackInfo) string {
	switch {
	case itemType == domain.ItemTypePlaylist:
		return t.Playlist
	case track.IsCompilation():
		return t.Compilation
	default:
		return t.Album
	}
}

// BuildPath executes the template and returns the relative path (without extension)
func BuildPath(templateStr string, data *PathTemplateData) (string, error) {
	tmpl, err := template.New("path").Option("missingkey=error").Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// BuildPathTemplateData creates PathTemplateData for a track. Playlist tracks
// are numbered by their playlist position.
func BuildPathTemplateData(item *domain.QueueItem, track domain.TrackInfo) *PathTemplateData {
	track = track.Normalize()

	data := &PathTemplateData{
		AlbumArtist: Sanitize(track.FolderArtist()),
		Artist:      Sanitize(track.Artist),
		Album:       Sanitize(track.Album),
		Disc:        fmt.Sprintf("%02d", track.DiscNumber),
		Track:       fmt.Sprintf("%02d", track.TrackNumber),
		Title:       Sanitize(track.Title),
		Year:        track.Year,
	}

	if item != nil && item.Type == domain.ItemTypePlaylist {
		data.Playlist = Sanitize(item.Title)
		pos := track.PlaylistPosition
		if pos < 1 {
			pos = item.TrackIndex(track.ID) + 1
		}
		data.Position = fmt.Sprintf("%02d", pos)
	} else {
		data.Position = data.Track
	}

	if data.AlbumArtist == "" {
		data.AlbumArtist = "Unknown Artist"
	}
	if data.Artist == "" {
		data.Artist = data.AlbumArtist
	}
	if data.Album == "" {
		data.Album = "Unknown Album"
	}
	if data.Title == "" {
		data.Title = Sanitize(track.ID)
	}
	return data
}

// BuildFullPath constructs the complete file path with extension
func BuildFullPath(root, templateStr string, data *PathTemplateData, ext string) (string, error) {
	relPath, err := BuildPath(templateStr, data)
	if err != nil {
		return "", err
	}
	return joinUnder(root, relPath+ParseExtension(ext))
}

// joinUnder joins rel to root and refuses results that escape root.
func joinUnder(root, rel string) (string, error) {
	full := filepath.Clean(filepath.Join(root, rel))
	cleanRoot := filepath.Clean(root)
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes output root", rel)
	}
	return full, nil
}

// ParseExtension parses an extension string, ensuring it starts with a dot
func ParseExtension(ext string) string {
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		return "." + ext
	}
	return ext
}
