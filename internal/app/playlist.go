package app

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cesargomez89/crate/internal/constants"
	"github.com/cesargomez89/crate/internal/domain"
	"github.com/cesargomez89/crate/internal/events"
	"github.com/cesargomez89/crate/internal/logger"
	"github.com/cesargomez89/crate/internal/storage"
)

// PlaylistGenerator writes an .m3u file for every playlist item that finishes
// with at least one track on disk.
type PlaylistGenerator struct {
	root   string
	logger *logger.Logger
}

func NewPlaylistGenerator(outputRoot string, log *logger.Logger) *PlaylistGenerator {
	if log == nil {
		log = logger.Default()
	}
	return &PlaylistGenerator{root: outputRoot, logger: log.WithComponent("playlist")}
}

// Attach subscribes the generator to state changes on bus.
func (pg *PlaylistGenerator) Attach(bus *events.Bus) func() {
	return bus.Subscribe(events.StateChanged, pg.handle)
}

func (pg *PlaylistGenerator) handle(evt events.Event) {
	if evt.State != domain.StateCompleted && evt.State != domain.StateFailed {
		return
	}
	view, ok := evt.Payload.(domain.ItemView)
	if !ok || view.Item.Type != domain.ItemTypePlaylist {
		return
	}
	path, err := pg.Generate(view)
	if err != nil {
		pg.logger.Error("Failed to write playlist", "item_id", view.Item.ID, "error", err)
		return
	}
	if path != "" {
		pg.logger.Info("Playlist written", "item_id", view.Item.ID, "path", path)
	}
}

// Generate writes the playlist for view and returns its path. Entries follow
// playlist order and point at the files relative to the playlists folder.
// Nothing is written when no track completed.
func (pg *PlaylistGenerator) Generate(view domain.ItemView) (string, error) {
	files := make(map[string]string, len(view.State.Tracks))
	for _, ts := range view.State.Tracks {
		if ts.State == domain.StateCompleted && ts.FilePath != "" {
			files[ts.TrackID] = ts.FilePath
		}
	}
	if len(files) == 0 {
		return "", nil
	}

	playlistsDir := filepath.Join(pg.root, constants.PlaylistsDir)
	if err := storage.EnsureDir(playlistsDir); err != nil {
		return "", fmt.Errorf("failed to create playlists directory: %w", err)
	}

	name := storage.Sanitize(view.Item.Title)
	if name == "" {
		name = storage.Sanitize(view.Item.SourceID)
	}
	playlistPath := filepath.Join(playlistsDir, name+constants.ExtM3U)

	f, err := os.Create(playlistPath)
	if err != nil {
		return "", fmt.Errorf("failed to create playlist file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.WriteString("#EXTM3U\n"); err != nil {
		return "", fmt.Errorf("failed to write playlist header: %w", err)
	}

	for _, t := range view.Item.Tracks {
		path, ok := files[t.ID]
		if !ok {
			continue
		}
		rel, err := filepath.Rel(playlistsDir, path)
		if err != nil {
			rel = path
		}
		line := fmt.Sprintf("#EXTINF:%d,%s - %s\n%s\n", t.DurationSeconds, t.Artist, t.Title, filepath.ToSlash(rel))
		if _, err := w.WriteString(line); err != nil {
			return "", fmt.Errorf("failed to write track to playlist: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("failed to write playlist: %w", err)
	}
	return playlistPath, nil
}
