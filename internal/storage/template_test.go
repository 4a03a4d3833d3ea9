package storage

import (
	"path/filepath"
	"testing"

	"github.com/cesargomez89/crate/internal/domain"
)

func TestBuildPath(t *testing.T) {
	data := &PathTemplateData{AlbumArtist: "Artist", Album: "Album", Disc: "01", Track: "02", Title: "Song"}

	got, err := BuildPath("{{.AlbumArtist}}/{{.Album}}/{{.Disc}}-{{.Track}} {{.Title}}", data)
	if err != nil {
		t.Fatalf("BuildPath failed: %v", err)
	}
	if got != "Artist/Album/01-02 Song" {
		t.Errorf("Unexpected path %q", got)
	}

	if _, err := BuildPath("{{.Nope}}", data); err == nil {
		t.Error("Expected error for unknown field")
	}
	if _, err := BuildPath("{{.Title", data); err == nil {
		t.Error("Expected error for malformed template")
	}
}

func TestBuildPathTemplateData(t *testing.T) {
	item := &domain.QueueItem{ID: "a", Type: domain.ItemTypeAlbum}
	track := domain.TrackInfo{ID: "9", Title: "Song/Part", Artist: "Guest", AlbumArtist: "Band", Album: "LP", TrackNumber: 3}

	data := BuildPathTemplateData(item, track)

	if data.AlbumArtist != "Band" {
		t.Errorf("Expected album artist Band, got %s", data.AlbumArtist)
	}
	if data.Title != "SongPart" {
		t.Errorf("Expected sanitized title, got %s", data.Title)
	}
	if data.Track != "03" || data.Disc != "01" {
		t.Errorf("Expected 03/01 padding, got %s/%s", data.Track, data.Disc)
	}
	if data.Position != "03" {
		t.Errorf("Expected album position to follow track number, got %s", data.Position)
	}
}

func TestBuildPathTemplateData_Playlist(t *testing.T) {
	item := &domain.QueueItem{
		ID:    "p",
		Type:  domain.ItemTypePlaylist,
		Title: "Road Trip",
		Tracks: []domain.TrackInfo{
			{ID: "x", TrackNumber: 7},
			{ID: "y", TrackNumber: 1},
		},
	}

	data := BuildPathTemplateData(item, item.Tracks[1])
	if data.Position != "02" {
		t.Errorf("Expected playlist position 02, got %s", data.Position)
	}
	if data.Playlist != "Road Trip" {
		t.Errorf("Expected playlist name, got %s", data.Playlist)
	}

	explicit := domain.TrackInfo{ID: "y", TrackNumber: 1, PlaylistPosition: 14}
	if got := BuildPathTemplateData(item, explicit).Position; got != "14" {
		t.Errorf("Expected explicit playlist position 14, got %s", got)
	}
}

func TestTemplates_For(t *testing.T) {
	tmpl := DefaultTemplates()

	if got := tmpl.For(domain.ItemTypeAlbum, domain.TrackInfo{}); got != tmpl.Album {
		t.Errorf("Expected album template, got %s", got)
	}
	if got := tmpl.For(domain.ItemTypeTrack, domain.TrackInfo{}); got != tmpl.Album {
		t.Errorf("Expected album template for single tracks, got %s", got)
	}
	if got := tmpl.For(domain.ItemTypePlaylist, domain.TrackInfo{Compilation: true}); got != tmpl.Playlist {
		t.Errorf("Expected playlist template, got %s", got)
	}
	if got := tmpl.For(domain.ItemTypeAlbum, domain.TrackInfo{AlbumArtist: "Various Artists"}); got != tmpl.Compilation {
		t.Errorf("Expected compilation template, got %s", got)
	}
}

func TestBuildFullPath(t *testing.T) {
	root := t.TempDir()
	data := &PathTemplateData{AlbumArtist: "A", Album: "B", Disc: "01", Track: "01", Title: "C"}

	got, err := BuildFullPath(root, "{{.AlbumArtist}}/{{.Album}}/{{.Title}}", data, "flac")
	if err != nil {
		t.Fatalf("BuildFullPath failed: %v", err)
	}
	want := filepath.Join(root, "A", "B", "C.flac")
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}

	if _, err := BuildFullPath(root, "../{{.Title}}", data, ".flac"); err == nil {
		t.Error("Expected template escaping the root to be rejected")
	}
}

func TestParseExtension(t *testing.T) {
	for in, want := range map[string]string{"": "", "flac": ".flac", ".mp3": ".mp3"} {
		if got := ParseExtension(in); got != want {
			t.Errorf("ParseExtension(%q) = %q, want %q", in, got, want)
		}
	}
}
