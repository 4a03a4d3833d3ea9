package storage

import (
	"path/filepath"
	"strings"

	"github.com/cesargomez89/crate/internal/constants"
	"github.com/cesargomez89/crate/internal/domain"
	"github.com/cesargomez89/crate/internal/logger"
)

// History returns the recorded final path of a previously downloaded track.
// An empty path means the track was never recorded.
type History interface {
	DownloadedPath(trackID string) (string, error)
}

var knownExtensions = []string{constants.ExtFLAC, constants.ExtMP3}

// Probe checks whether the files of a queue item already exist on disk.
type Probe struct {
	templates Templates
	history   History
	logger    *logger.Logger
}

func NewProbe(templates Templates, history History, log *logger.Logger) *Probe {
	if log == nil {
		log = logger.Default()
	}
	return &Probe{
		templates: templates,
		history:   history,
		logger:    log.WithComponent("probe"),
	}
}

// TrackPath returns the primary output path for track with the given extension.
func (p *Probe) TrackPath(item *domain.QueueItem, track domain.TrackInfo, outputRoot, ext string) (string, error) {
	tmpl := p.templates.For(item.Type, track)
	return BuildFullPath(outputRoot, tmpl, BuildPathTemplateData(item, track), ext)
}

// IsAlreadyComplete reports whether every track of item resolves to an existing file.
func (p *Probe) IsAlreadyComplete(item *domain.QueueItem, outputRoot string) bool {
	if item == nil || len(item.Tracks) == 0 {
		return false
	}
	if item.TotalTrackCount > len(item.Tracks) {
		return false
	}
	for _, t := range item.Tracks {
		if _, ok := p.FindTrack(item, t, outputRoot); !ok {
			return false
		}
	}
	return true
}

// ExistingTracks maps track ids to the files found for them.
func (p *Probe) ExistingTracks(item *domain.QueueItem, outputRoot string) map[string]string {
	found := make(map[string]string)
	for _, t := range item.Tracks {
		if path, ok := p.FindTrack(item, t, outputRoot); ok {
			found[t.ID] = path
		}
	}
	return found
}

// FindTrack looks for track under every naming variant and returns the first hit.
func (p *Probe) FindTrack(item *domain.QueueItem, track domain.TrackInfo, outputRoot string) (string, bool) {
	if p.history != nil {
		path, err := p.history.DownloadedPath(track.ID)
		if err != nil {
			p.logger.Debug("History lookup failed", "track_id", track.ID, "error", err)
		} else if path != "" && FileExists(path) {
			return path, true
		}
	}

	for _, rel := range p.candidates(item, track) {
		for _, ext := range knownExtensions {
			full, err := joinUnder(outputRoot, rel+ext)
			if err != nil {
				continue
			}
			if FileExists(full) {
				return full, true
			}
		}
	}
	return "", false
}

// candidates lists relative paths (without extension) a track may live at: the
// item's own layout, the album layout, and each of those with and without the
// leading artist folder.
func (p *Probe) candidates(item *domain.QueueItem, track domain.TrackInfo) []string {
	data := BuildPathTemplateData(item, track)

	templates := []string{p.templates.For(item.Type, track)}
	if item.Type == domain.ItemTypePlaylist {
		templates = append(templates, p.templates.For(domain.ItemTypeAlbum, track))
	}

	seen := make(map[string]bool)
	var out []string
	add := func(rel string) {
		rel = filepath.Clean(rel)
		if rel == "." || seen[rel] {
			return
		}
		seen[rel] = true
		out = append(out, rel)
	}

	for _, tmpl := range templates {
		rel, err := BuildPath(tmpl, data)
		if err != nil {
			p.logger.Debug("Template failed", "template", tmpl, "error", err)
			continue
		}
		add(rel)

		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) > 1 && parts[0] == data.AlbumArtist {
			add(filepath.Join(parts[1:]...))
		} else {
			add(filepath.Join(data.AlbumArtist, rel))
		}
	}
	return out
}
