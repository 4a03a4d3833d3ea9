package downloader

import (
	"io"
	"time"

	"github.com/cesargomez89/crate/internal/constants"
)

// progressReader wraps a download body and reports progress at coarse intervals:
// after every byteInterval bytes or every timeInterval, whichever comes first,
// plus once at EOF.
type progressReader struct {
	reader       io.Reader
	total        int64
	read         int64
	sinceReport  int64
	lastReport   time.Time
	byteInterval int64
	timeInterval time.Duration
	onProgress   func(read, total int64)
}

func newProgressReader(r io.Reader, total int64, onProgress func(read, total int64)) *progressReader {
	return &progressReader{
		reader:       r,
		total:        total,
		lastReport:   time.Now(),
		byteInterval: constants.ProgressUpdateBytes,
		timeInterval: constants.ProgressUpdateFreq,
		onProgress:   onProgress,
	}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceReport += int64(n)
		if pr.sinceReport >= pr.byteInterval || time.Since(pr.lastReport) >= pr.timeInterval {
			pr.report()
		}
	}
	if err == io.EOF && pr.sinceReport > 0 {
		pr.report()
	}
	return n, err
}

func (pr *progressReader) report() {
	pr.sinceReport = 0
	pr.lastReport = time.Now()
	if pr.onProgress != nil {
		pr.onProgress(pr.read, pr.total)
	}
}
