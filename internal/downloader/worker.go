package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cesargomez89/crate/internal/catalog"
	"github.com/cesargomez89/crate/internal/cipher"
	"github.com/cesargomez89/crate/internal/constants"
	"github.com/cesargomez89/crate/internal/domain"
	"github.com/cesargomez89/crate/internal/events"
	"github.com/cesargomez89/crate/internal/logger"
	"github.com/cesargomez89/crate/internal/storage"
	"github.com/cesargomez89/crate/internal/store"
	"github.com/cesargomez89/crate/internal/tagging"
)

// Outcome is the result of one worker run. It travels to the engine as the
// payload of a WORKER_FINISHED event.
type Outcome struct {
	ItemID   string
	TrackID  string
	Token    uint64
	FilePath string
	Bytes    int64
	Duration time.Duration
	Err      error
}

// job is one admitted (item, track) unit.
type job struct {
	ctx   context.Context
	unit  string
	token uint64
	item  *domain.QueueItem
	track domain.TrackInfo
}

type tempFiles struct {
	encrypted string
	decrypted string
	staged    string
}

func (t tempFiles) cleanup() {
	for _, p := range []string{t.encrypted, t.decrypted, t.staged} {
		_ = storage.RemoveFile(p)
	}
}

func (e *Engine) tempPaths(unit string) tempFiles {
	base := filepath.Join(storage.TempDir(e.opts.OutputRoot), storage.Sanitize(strings.ReplaceAll(unit, "/", "_")))
	return tempFiles{
		encrypted: base + constants.EncryptedTempExtension,
		decrypted: base + constants.DecryptedTempExtension,
		staged:    base + constants.StagedTempExtension,
	}
}

func (e *Engine) runWorker(j job) {
	defer e.wg.Done()
	defer e.exitWorker(j)

	log := e.logger.WithItem(j.item.ID, string(j.item.Type)).WithTrack(j.track.ID, j.track.Title)
	out := Outcome{ItemID: j.item.ID, TrackID: j.track.ID, Token: j.token}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic in worker", "panic", r)
			out.Err = fmt.Errorf("worker panic: %v", r)
			out.Duration = time.Since(start)
			e.deliver(out, log)
		}
	}()

	e.telemetry.IncrementActiveDownloads()
	defer e.telemetry.DecrementActiveDownloads()

	out.FilePath, out.Bytes, out.Err = e.process(j, log)
	out.Duration = time.Since(start)
	e.deliver(out, log)
}

// exitWorker runs on every exit path, including after a recovered panic.
func (e *Engine) exitWorker(j job) {
	e.registry.remove(j.unit)
	e.kick()
}

// deliver hands the outcome to the engine through the bus. When no subscriber
// acknowledges it in time the outcome is applied directly.
func (e *Engine) deliver(out Outcome, log *logger.Logger) {
	evt := events.Event{
		Type:    events.WorkerFinished,
		ItemID:  out.ItemID,
		TrackID: out.TrackID,
		Payload: out,
	}
	if e.bus.PublishAck(evt, e.opts.AckTimeout) {
		return
	}
	if e.isRunning() {
		log.Warn("Worker outcome not acknowledged, applying directly")
	}
	e.applyOutcome(out)
}

// process runs the pipeline for one track and returns the final path and the
// number of bytes downloaded. Temporary files never outlive the call.
func (e *Engine) process(j job, log *logger.Logger) (string, int64, error) {
	ctx := j.ctx
	tmp := e.tempPaths(j.unit)
	defer tmp.cleanup()

	// 1. authoritative metadata; the enqueue descriptor fills the gaps
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	info, err := e.resolver.GetTrack(ctx, j.track.ID)
	if err != nil {
		return "", 0, err
	}
	track := info.Merge(j.track)

	// 2. media location
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	loc, err := e.resolver.GetMediaLocation(ctx, track.ID, e.opts.Quality)
	if err != nil {
		return "", 0, err
	}

	// 3. encrypted stream
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	n, err := e.fetch(j, loc.EncryptedURL, tmp.encrypted)
	if err != nil {
		return "", n, err
	}
	log.Debug("Downloaded encrypted stream", "size", humanize.Bytes(uint64(n)))

	// 4. decrypt
	if err := ctx.Err(); err != nil {
		return "", n, err
	}
	format, err := decryptFile(loc.DecryptionSeed, tmp.encrypted, tmp.decrypted)
	if err != nil {
		return "", n, err
	}
	if format == tagging.FormatUnknown {
		log.Warn("Decrypted stream has no known container header", "format_hint", loc.Format)
	}

	// 5. tags and artwork
	if err := ctx.Err(); err != nil {
		return "", n, err
	}
	artwork := e.fetchArtwork(ctx, track.ArtworkURL, log)
	if err := e.tag(ctx, tmp.decrypted, &track, artwork, tmp.staged); err != nil {
		return "", n, err
	}

	// 6. move into place
	if err := ctx.Err(); err != nil {
		return "", n, err
	}
	dest, err := e.probe.TrackPath(j.item, track, e.opts.OutputRoot, format.Ext())
	if err != nil {
		return "", n, domain.WriteError("path", err)
	}
	err = e.commit(j, func() error {
		return storage.MoveFile(tmp.staged, dest)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", n, err
		}
		return "", n, domain.WriteError("move", err)
	}

	e.recordHistory(j, track, dest, n, log)
	log.Info("Track downloaded", "path", dest, "size", humanize.Bytes(uint64(n)))
	return dest, n, nil
}

// fetch streams url into path and returns the number of bytes written.
func (e *Engine) fetch(j job, url, path string) (int64, error) {
	ctx := j.ctx
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, domain.NotFoundError("fetch", fmt.Errorf("invalid media url: %w", err))
	}

	resp, err := e.client.Do(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, domain.TransientError("fetch", err)
	}
	defer resp.Body.Close()

	if err := catalog.ResponseError("fetch", resp); err != nil {
		return 0, err
	}

	f, err := storage.CreateFile(path)
	if err != nil {
		return 0, domain.WriteError("fetch", err)
	}

	body := newProgressReader(resp.Body, resp.ContentLength, func(read, total int64) {
		e.updateProgress(j, read, total)
	})
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil && cerr != nil {
		return n, domain.WriteError("fetch", cerr)
	}
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if domain.Classify(err) == domain.KindWrite {
			return n, domain.WriteError("fetch", err)
		}
		return n, domain.TransientError("fetch", err)
	}
	if resp.ContentLength > 0 && n < resp.ContentLength {
		return n, domain.TransientError("fetch", fmt.Errorf("got %d of %d bytes: %w", n, resp.ContentLength, io.ErrUnexpectedEOF))
	}
	return n, nil
}

// decryptFile decrypts src into dst and reports the container format found at
// the start of the plaintext.
func decryptFile(seed, src, dst string) (tagging.Format, error) {
	in, err := os.Open(src)
	if err != nil {
		return tagging.FormatUnknown, domain.WriteError("decrypt", err)
	}
	defer in.Close()

	out, err := storage.CreateFile(dst)
	if err != nil {
		return tagging.FormatUnknown, domain.WriteError("decrypt", err)
	}

	r, err := cipher.NewReader(seed, in)
	if err != nil {
		out.Close()
		return tagging.FormatUnknown, err
	}

	header := make([]byte, 4)
	hn, err := io.ReadFull(r, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		out.Close()
		return tagging.FormatUnknown, domain.WriteError("decrypt", err)
	}
	header = header[:hn]

	if _, err := out.Write(header); err != nil {
		out.Close()
		return tagging.FormatUnknown, domain.WriteError("decrypt", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return tagging.FormatUnknown, domain.WriteError("decrypt", err)
	}
	if err := out.Close(); err != nil {
		return tagging.FormatUnknown, domain.WriteError("decrypt", err)
	}
	return tagging.DetectFormat(header), nil
}

func (e *Engine) tag(ctx context.Context, decrypted string, track *domain.TrackInfo, artwork []byte, staged string) error {
	f, err := os.Open(decrypted)
	if err != nil {
		return domain.WriteError("tag", err)
	}
	defer f.Close()
	return e.writer.Write(ctx, f, track, artwork, staged)
}

// fetchArtwork is best effort: a missing cover never fails the track.
func (e *Engine) fetchArtwork(ctx context.Context, url string, log *logger.Logger) []byte {
	if url == "" {
		return nil
	}
	data, err := tagging.DownloadImage(ctx, e.client, url)
	if err != nil {
		log.Debug("Artwork unavailable", "url", url, "error", err)
		return nil
	}
	return data
}

func (e *Engine) recordHistory(j job, track domain.TrackInfo, dest string, size int64, log *logger.Logger) {
	if e.history == nil {
		return
	}
	hash, err := storage.HashFile(dest)
	if err != nil {
		log.Debug("Failed to hash file", "path", dest, "error", err)
	}
	err = e.history.RecordDownload(&store.Download{
		TrackID:     track.ID,
		ItemID:      j.item.ID,
		FilePath:    dest,
		FileHash:    hash,
		Quality:     e.opts.Quality,
		SizeBytes:   size,
		CompletedAt: time.Now(),
	})
	if err != nil {
		log.Warn("Failed to record download", "error", err)
	}
}
