// Package netlog provides the rotating file writer behind the
// application log and the optional traffic log. Files are cut on a
// time interval; finished segments are optionally gzip-compressed and
// published under their final name only once complete.
package netlog

import (
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Writer is an io.Writer cutting its output into timestamped segments.
// It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex

	dir      string
	base     string
	compress bool
	every    time.Duration

	fh     *os.File
	gz     *gzip.Writer
	n      int64
	opened time.Time
}

// New creates a writer producing files named
// <dir>/<base>-<timestamp>.log[.gz]. every <= 0 disables time-based
// rotation (a single segment, published on Close).
func New(dir, base string, compress bool, every time.Duration) *Writer {
	return &Writer{
		dir:      dir,
		base:     base,
		compress: compress,
		every:    every,
	}
}

// Name returns the final path of the currently open segment, or the
// path the next write will open.
func (w *Writer) Name() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fh != nil {
		return publishedName(w.fh.Name())
	}
	return path.Join(w.dir, w.segmentName(time.Now(), 0))
}

func (w *Writer) segmentName(t time.Time, seq int) string {
	stamp := t.Format("20060102.1504")
	if seq > 0 {
		stamp = fmt.Sprintf("%s.%d", stamp, seq)
	}
	name := fmt.Sprintf("%s-%s.log", w.base, stamp)
	if w.compress {
		name += ".gz"
	}
	return name
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func publishedName(tmp string) string {
	if len(tmp) > 4 && tmp[len(tmp)-4:] == ".tmp" {
		return tmp[:len(tmp)-4]
	}
	return tmp
}

// Write appends p to the current segment, opening or rotating first if
// needed. Lines buffered in the compressor are flushed before a
// segment is closed, so rotation never loses data.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fh != nil && w.every > 0 && time.Since(w.opened) >= w.every {
		if err := w.closeSegment(); err != nil {
			return 0, err
		}
	}
	if w.fh == nil {
		if err := w.openSegment(); err != nil {
			return 0, err
		}
	}

	var n int
	var err error
	if w.gz != nil {
		n, err = w.gz.Write(p)
	} else {
		n, err = w.fh.Write(p)
	}
	w.n += int64(n)
	return n, err
}

func (w *Writer) openSegment() error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	now := time.Now()
	base := path.Join(w.dir, w.segmentName(now, 0))
	fpath := base + ".tmp"
	// avoid clobbering a segment cut within the same rotation stamp
	for i := 1; exists(base) || exists(fpath); i++ {
		base = path.Join(w.dir, w.segmentName(now, i))
		fpath = base + ".tmp"
	}
	fh, err := os.OpenFile(fpath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.fh = fh
	w.opened = now
	w.n = 0
	if w.compress {
		w.gz = gzip.NewWriter(fh)
	}
	return nil
}

// closeSegment flushes, closes and publishes the current segment.
// Empty segments are removed instead of published.
func (w *Writer) closeSegment() error {
	if w.fh == nil {
		return nil
	}
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			return err
		}
		w.gz = nil
	}
	fpath := w.fh.Name()
	if err := w.fh.Close(); err != nil {
		return err
	}
	w.fh = nil
	if w.n == 0 {
		return os.Remove(fpath)
	}
	return os.Rename(fpath, publishedName(fpath))
}

// Rotate forces the current segment closed; the next write opens a new
// one.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeSegment()
}

// Close publishes the current segment and stops the writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeSegment()
}
