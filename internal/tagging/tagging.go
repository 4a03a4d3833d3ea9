package tagging

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bogem/id3v2/v2"
	flac "github.com/go-flac/go-flac"
	"github.com/go-flac/flacpicture"
	"github.com/go-flac/flacvorbis"

	"github.com/cesargomez89/crate/internal/constants"
	"github.com/cesargomez89/crate/internal/domain"
	"github.com/cesargomez89/crate/internal/logger"
	"github.com/cesargomez89/crate/internal/storage"
)

const vendor = "crate"

// Format is the container detected from the first bytes of a stream.
type Format string

const (
	FormatFLAC    Format = "flac"
	FormatMP3     Format = "mp3"
	FormatUnknown Format = ""
)

// Ext returns the file extension for the format, defaulting to .flac.
func (f Format) Ext() string {
	if f == FormatMP3 {
		return constants.ExtMP3
	}
	return constants.ExtFLAC
}

// DetectFormat inspects a stream header.
func DetectFormat(header []byte) Format {
	switch {
	case bytes.HasPrefix(header, []byte("fLaC")):
		return FormatFLAC
	case bytes.HasPrefix(header, []byte("ID3")):
		return FormatMP3
	case len(header) >= 2 && header[0] == 0xFF && header[1]&0xE0 == 0xE0:
		return FormatMP3
	}
	return FormatUnknown
}

// Writer applies metadata while writing decrypted audio to its output path.
type Writer struct {
	logger *logger.Logger
}

func NewWriter(log *logger.Logger) *Writer {
	if log == nil {
		log = logger.Default()
	}
	return &Writer{logger: log.WithComponent("tagging")}
}

// Write copies src to outputPath with tags applied. FLAC gets Vorbis comments
// and a front cover, MP3 gets ID3v2.4, anything else is written untagged.
// Failures are returned as domain write errors.
func (w *Writer) Write(ctx context.Context, src io.Reader, tags *domain.TrackInfo, artwork []byte, outputPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tags == nil {
		tags = &domain.TrackInfo{}
	}

	br := bufio.NewReader(src)
	header, _ := br.Peek(4)
	format := DetectFormat(header)

	var err error
	switch format {
	case FormatFLAC:
		err = w.writeFLAC(br, tags, artwork, outputPath)
	case FormatMP3:
		err = w.writeMP3(br, tags, artwork, outputPath)
	default:
		w.logger.Warn("Unknown container, writing untagged", "track_id", tags.ID, "path", outputPath)
		err = writeRaw(br, outputPath)
	}
	if err != nil {
		_ = storage.RemoveFile(outputPath)
		return domain.WriteError("tag", err)
	}
	return ctx.Err()
}

func writeRaw(src io.Reader, outputPath string) error {
	f, err := storage.CreateFile(outputPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("failed to write audio: %w", err)
	}
	return f.Close()
}

// writeFLAC replaces any existing Vorbis comment and picture blocks. Audio
// frames are copied verbatim.
func (w *Writer) writeFLAC(src io.Reader, tags *domain.TrackInfo, artwork []byte, outputPath string) error {
	file, err := flac.ParseBytes(src)
	if err != nil {
		return fmt.Errorf("failed to parse FLAC stream: %w", err)
	}

	kept := file.Meta[:0]
	for _, block := range file.Meta {
		if block.Type == flac.VorbisComment || block.Type == flac.Picture {
			continue
		}
		kept = append(kept, block)
	}
	file.Meta = kept

	comment := newVorbisComment(tags).Marshal()
	file.Meta = append(file.Meta, &comment)

	if len(artwork) > 0 {
		pic, err := flacpicture.NewFromImageData(flacpicture.PictureTypeFrontCover, "Front Cover", artwork, detectMIME(artwork))
		if err != nil {
			w.logger.Debug("Skipping unreadable artwork", "track_id", tags.ID, "error", err)
		} else {
			block := pic.Marshal()
			file.Meta = append(file.Meta, &block)
		}
	}

	if err := storage.WriteFile(outputPath, file.Marshal()); err != nil {
		return fmt.Errorf("failed to write FLAC file: %w", err)
	}
	return nil
}

func newVorbisComment(track *domain.TrackInfo) *flacvorbis.MetaDataBlockVorbisComment {
	vc := flacvorbis.New()
	vc.Vendor = vendor

	addTag := func(name, value string) {
		if value != "" {
			_ = vc.Add(name, value)
		}
	}

	addTag(flacvorbis.FIELD_TITLE, track.Title)
	addTag(flacvorbis.FIELD_ARTIST, track.Artist)
	addTag("ALBUMARTIST", track.AlbumArtist)
	addTag(flacvorbis.FIELD_ALBUM, track.Album)
	if track.TrackNumber > 0 {
		addTag(flacvorbis.FIELD_TRACKNUMBER, fmt.Sprintf("%d", track.TrackNumber))
	}
	if track.DiscNumber > 0 {
		addTag("DISCNUMBER", fmt.Sprintf("%d", track.DiscNumber))
	}
	if track.Year > 0 {
		addTag(flacvorbis.FIELD_DATE, fmt.Sprintf("%d", track.Year))
	}
	addTag(flacvorbis.FIELD_ISRC, track.ISRC)
	if track.DurationSeconds > 0 {
		addTag("LENGTH", fmt.Sprintf("%d", track.DurationSeconds))
	}
	if track.IsCompilation() {
		addTag("COMPILATION", "1")
	}
	return vc
}

// writeMP3 copies the stream and then rewrites its ID3 tag in place.
func (w *Writer) writeMP3(src io.Reader, tags *domain.TrackInfo, artwork []byte, outputPath string) error {
	if err := writeRaw(src, outputPath); err != nil {
		return err
	}

	tag, err := id3v2.Open(outputPath, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("failed to open MP3 file: %w", err)
	}
	defer tag.Close()

	tag.SetVersion(4)
	tag.SetDefaultEncoding(id3v2.EncodingUTF8)

	if tags.Title != "" {
		tag.SetTitle(tags.Title)
	}
	if tags.Artist != "" {
		tag.SetArtist(tags.Artist)
	}
	if tags.Album != "" {
		tag.SetAlbum(tags.Album)
	}
	if tags.Year > 0 {
		tag.SetYear(fmt.Sprintf("%d", tags.Year))
	}
	if tags.AlbumArtist != "" {
		tag.AddTextFrame(tag.CommonID("Band/Orchestra/Accompaniment"), tag.DefaultEncoding(), tags.AlbumArtist)
	}
	if tags.TrackNumber > 0 {
		tag.AddTextFrame(tag.CommonID("Track number/Position in set"), tag.DefaultEncoding(), fmt.Sprintf("%d", tags.TrackNumber))
	}
	if tags.DiscNumber > 0 {
		tag.AddTextFrame(tag.CommonID("Part of a set"), tag.DefaultEncoding(), fmt.Sprintf("%d", tags.DiscNumber))
	}
	if tags.ISRC != "" {
		tag.AddTextFrame(tag.CommonID("ISRC"), tag.DefaultEncoding(), tags.ISRC)
	}
	if tags.IsCompilation() {
		tag.AddTextFrame("TCMP", tag.DefaultEncoding(), "1")
	}
	if len(artwork) > 0 {
		tag.AddAttachedPicture(id3v2.PictureFrame{
			Encoding:    id3v2.EncodingUTF8,
			MimeType:    detectMIME(artwork),
			PictureType: id3v2.PTFrontCover,
			Description: "Front Cover",
			Picture:     artwork,
		})
	}

	if err := tag.Save(); err != nil {
		return fmt.Errorf("failed to save ID3 tag: %w", err)
	}
	return nil
}

func detectMIME(data []byte) string {
	mime := http.DetectContentType(data)
	if idx := strings.Index(mime, ";"); idx != -1 {
		mime = strings.TrimSpace(mime[:idx])
	}
	if !strings.HasPrefix(mime, "image/") {
		return constants.MimeTypeJPEG
	}
	return mime
}

