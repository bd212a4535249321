package cdn

import (
	"errors"
	"io"
	"time"
)

// LatencyReader measures how long it takes to read the underlying reader
// until EOF, starting from the first read.
type LatencyReader struct {
	io.Reader
	Callback func(latency time.Duration, read int64)

	start time.Time
	read  int64
	done  bool
}

func (r *LatencyReader) Read(b []byte) (int, error) {
	if r.start.IsZero() {
		r.start = time.Now()
	}

	n, err := r.Reader.Read(b)
	r.read += int64(n)
	if errors.Is(err, io.EOF) && !r.done {
		r.done = true
		if r.Callback != nil {
			r.Callback(time.Since(r.start), r.read)
		}
	}

	return n, err
}
