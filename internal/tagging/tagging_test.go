package tagging

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/bogem/id3v2/v2"
	flac "github.com/go-flac/go-flac"
	"github.com/go-flac/flacvorbis"

	"github.com/cesargomez89/crate/internal/domain"
	"github.com/cesargomez89/crate/internal/logger"
)

var audioFrames = append([]byte{0xFF, 0xF8}, "AUDIO-FRAMES-VERBATIM"...)

// minimalFLAC returns a stream with a single STREAMINFO block followed by
// opaque frame bytes.
func minimalFLAC() []byte {
	info := make([]byte, 34)
	binary.BigEndian.PutUint16(info[0:2], 4096)
	binary.BigEndian.PutUint16(info[2:4], 4096)
	packed := uint64(44100)<<44 | uint64(1)<<41 | uint64(15)<<36 | 1000
	binary.BigEndian.PutUint64(info[10:18], packed)

	var buf bytes.Buffer
	buf.WriteString("fLaC")
	buf.Write([]byte{0x80, 0x00, 0x00, byte(len(info))})
	buf.Write(info)
	buf.Write(audioFrames)
	return buf.Bytes()
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	return buf.Bytes()
}

func testTags() *domain.TrackInfo {
	return &domain.TrackInfo{
		ID:          "1",
		Title:       "Song",
		Artist:      "Singer",
		AlbumArtist: "Band",
		Album:       "LP",
		TrackNumber: 5,
		DiscNumber:  2,
		Year:        2023,
		ISRC:        "XX123",
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		header []byte
		want   Format
	}{
		{[]byte("fLaC"), FormatFLAC},
		{[]byte("ID3\x04"), FormatMP3},
		{[]byte{0xFF, 0xFB, 0x90, 0x00}, FormatMP3},
		{[]byte("RIFF"), FormatUnknown},
		{nil, FormatUnknown},
	}
	for _, tt := range tests {
		if got := DetectFormat(tt.header); got != tt.want {
			t.Errorf("DetectFormat(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
	if FormatMP3.Ext() != ".mp3" || FormatFLAC.Ext() != ".flac" || FormatUnknown.Ext() != ".flac" {
		t.Error("Unexpected extensions")
	}
}

func TestNewVorbisComment(t *testing.T) {
	tags := testTags()
	tags.Compilation = true
	vc := newVorbisComment(tags)

	check := func(name, expected string) {
		t.Helper()
		target := fmt.Sprintf("%s=%s", name, expected)
		for _, entry := range vc.Comments {
			if entry == target {
				return
			}
		}
		t.Errorf("Field %s not found in VorbisComment", target)
	}

	check("TITLE", "Song")
	check("ARTIST", "Singer")
	check("ALBUMARTIST", "Band")
	check("ALBUM", "LP")
	check("TRACKNUMBER", "5")
	check("DISCNUMBER", "2")
	check("DATE", "2023")
	check("ISRC", "XX123")
	check("COMPILATION", "1")

	if vc.Vendor != "crate" {
		t.Errorf("Unexpected vendor %q", vc.Vendor)
	}
}

func TestWriter_FLAC(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "song.flac")
	w := NewWriter(logger.Discard())

	if err := w.Write(context.Background(), bytes.NewReader(minimalFLAC()), testTags(), pngImage(t), out); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	parsed, err := flac.ParseFile(out)
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}
	if !bytes.Equal(parsed.Frames, audioFrames) {
		t.Error("Expected audio frames to be copied verbatim")
	}

	var comment *flacvorbis.MetaDataBlockVorbisComment
	pictures := 0
	for _, block := range parsed.Meta {
		switch block.Type {
		case flac.VorbisComment:
			comment, err = flacvorbis.ParseFromMetaDataBlock(*block)
			if err != nil {
				t.Fatalf("ParseFromMetaDataBlock failed: %v", err)
			}
		case flac.Picture:
			pictures++
		}
	}
	if comment == nil {
		t.Fatal("Expected a Vorbis comment block")
	}
	titles, _ := comment.Get(flacvorbis.FIELD_TITLE)
	if len(titles) != 1 || titles[0] != "Song" {
		t.Errorf("Unexpected titles %v", titles)
	}
	if pictures != 1 {
		t.Errorf("Expected 1 picture block, got %d", pictures)
	}
	if parsed.Meta[0].Type != flac.StreamInfo {
		t.Error("Expected STREAMINFO to stay the first block")
	}
}

func TestWriter_FLACRetagReplacesComments(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.flac")
	second := filepath.Join(dir, "second.flac")
	w := NewWriter(logger.Discard())

	if err := w.Write(context.Background(), bytes.NewReader(minimalFLAC()), testTags(), nil, first); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	retag := testTags()
	retag.Title = "Renamed"
	if err := w.Write(context.Background(), bytes.NewReader(data), retag, nil, second); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	parsed, err := flac.ParseFile(second)
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}
	comments := 0
	for _, block := range parsed.Meta {
		if block.Type == flac.VorbisComment {
			comments++
			vc, _ := flacvorbis.ParseFromMetaDataBlock(*block)
			if titles, _ := vc.Get(flacvorbis.FIELD_TITLE); len(titles) != 1 || titles[0] != "Renamed" {
				t.Errorf("Unexpected titles %v", titles)
			}
		}
	}
	if comments != 1 {
		t.Errorf("Expected exactly one comment block, got %d", comments)
	}
}

func TestWriter_FLACBadArtworkIsSkipped(t *testing.T) {
	out := filepath.Join(t.TempDir(), "song.flac")
	w := NewWriter(logger.Discard())

	if err := w.Write(context.Background(), bytes.NewReader(minimalFLAC()), testTags(), []byte("not an image"), out); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	parsed, err := flac.ParseFile(out)
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}
	for _, block := range parsed.Meta {
		if block.Type == flac.Picture {
			t.Error("Expected unreadable artwork to be skipped")
		}
	}
}

func TestWriter_MP3(t *testing.T) {
	out := filepath.Join(t.TempDir(), "song.mp3")
	audio := append([]byte{0xFF, 0xFB, 0x90, 0x00}, make([]byte, 400)...)
	w := NewWriter(logger.Discard())

	if err := w.Write(context.Background(), bytes.NewReader(audio), testTags(), pngImage(t), out); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	tag, err := id3v2.Open(out, id3v2.Options{Parse: true})
	if err != nil {
		t.Fatalf("id3v2.Open failed: %v", err)
	}
	defer tag.Close()

	if tag.Title() != "Song" || tag.Artist() != "Singer" || tag.Album() != "LP" {
		t.Errorf("Unexpected tag %s/%s/%s", tag.Title(), tag.Artist(), tag.Album())
	}
	if pics := tag.GetFrames(tag.CommonID("Attached picture")); len(pics) != 1 {
		t.Errorf("Expected 1 attached picture, got %d", len(pics))
	}
}

func TestWriter_UnknownFormatWrittenUntagged(t *testing.T) {
	out := filepath.Join(t.TempDir(), "song.bin")
	payload := []byte("RIFF....opaque")
	w := NewWriter(logger.Discard())

	if err := w.Write(context.Background(), bytes.NewReader(payload), testTags(), nil, out); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("Expected payload to be written unchanged")
	}
}

func TestWriter_FailuresAreWriteErrors(t *testing.T) {
	out := filepath.Join(t.TempDir(), "song.flac")
	w := NewWriter(logger.Discard())

	// Header claims FLAC but the metadata block is truncated.
	broken := []byte("fLaC\x00\x00\x00\x22abc")
	err := w.Write(context.Background(), bytes.NewReader(broken), testTags(), nil, out)
	if domain.Classify(err) != domain.KindWrite {
		t.Errorf("Expected write error, got %v", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("Expected no partial output file")
	}
}

func TestWriter_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewWriter(logger.Discard())

	err := w.Write(ctx, bytes.NewReader(minimalFLAC()), testTags(), nil, filepath.Join(t.TempDir(), "x.flac"))
	if domain.Classify(err) != domain.KindCancelled {
		t.Errorf("Expected cancelled, got %v", err)
	}
}
