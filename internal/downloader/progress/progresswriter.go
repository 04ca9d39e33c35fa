package progress

import (
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/italolelis/model_downloader/internal/storage"
)

// ProgressWriter wraps an io.Writer and reports the running byte count via a callback,
// at most once per interval and always once the total is reached.
type ProgressWriter struct {
	Writer     io.Writer
	Total      int64
	OnProgress func(written int64, total int64)
	written    int64 // cumulative, including the starting offset
	sometimes  *rate.Sometimes
}

func NewWriter(w io.Writer, start, total int64, interval time.Duration, cb func(written int64, total int64)) *ProgressWriter {
	s := &rate.Sometimes{Interval: interval}
	if interval <= 0 {
		s = &rate.Sometimes{Every: 1}
	}

	return &ProgressWriter{
		Writer:     w,
		Total:      total,
		OnProgress: cb,
		written:    start,
		sometimes:  s,
	}
}

func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	if n > 0 {
		pw.written += int64(n)

		if storage.Percent(pw.written, pw.Total) >= 100 {
			pw.OnProgress(pw.written, pw.Total)
		} else {
			pw.sometimes.Do(func() { pw.OnProgress(pw.written, pw.Total) })
		}
	}

	return n, err
}

// Written returns the bytes written so far, counting the starting offset.
func (pw *ProgressWriter) Written() int64 {
	return pw.written
}
