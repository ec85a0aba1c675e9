// Package throttle paces delivery of an already complete payload.
//
// A payload is cut into fixed-size chunks and the producer pauses for a fixed delay
// between two chunks, which limits the delivery rate to roughly ChunkSize/Delay bytes
// per second. The time spent writing a chunk is not accounted for, so this is not a
// real bandwidth limiter.
package throttle

import (
	"context"
	"io"
	"iter"
	"net/http"
	"time"
)

const (
	DefaultChunkSize = 100 * 1024
	DefaultDelay     = time.Second
)

type Throttle struct {
	// Maximum number of bytes per chunk. Values below 1 deliver the body as one chunk.
	ChunkSize int
	// Pause between two consecutive chunks.
	Delay time.Duration
	// Sleep suspends the producer between chunks.
	// If nil, a timer is used which returns early when the context is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New returns a throttle with the given chunk size and delay.
func New(chunkSize int, delay time.Duration) Throttle {
	return Throttle{ChunkSize: chunkSize, Delay: delay}
}

// Chunks returns the chunks of body as a lazy sequence.
// The last chunk may be shorter than the chunk size and an empty body yields nothing.
// There is no pause before the first chunk or after the last one.
// Chunks are sub-slices of body and must not be modified.
func (t Throttle) Chunks(ctx context.Context, body []byte) iter.Seq[[]byte] {
	size := t.ChunkSize
	if size < 1 {
		size = len(body)
	}
	return func(yield func([]byte) bool) {
		for start := 0; start < len(body); start += size {
			if start > 0 {
				if err := t.sleep(ctx); err != nil {
					return
				}
			}
			end := min(start+size, len(body))
			if !yield(body[start:end]) {
				return
			}
		}
	}
}

// Copy writes body to w chunk by chunk, flushing after every chunk if w supports it.
// It returns the number of bytes written. Copy stops with the context error if
// the context is done while pausing.
func (t Throttle) Copy(ctx context.Context, w io.Writer, body []byte) (int64, error) {
	flusher, _ := w.(http.Flusher)
	var written int64
	for chunk := range t.Chunks(ctx, body) {
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if written < int64(len(body)) {
		return written, ctx.Err()
	}
	return written, nil
}

// NumChunks returns the number of chunks a body of the given length is delivered in.
func (t Throttle) NumChunks(length int) int {
	if length == 0 {
		return 0
	}
	if t.ChunkSize < 1 {
		return 1
	}
	return (length + t.ChunkSize - 1) / t.ChunkSize
}

func (t Throttle) sleep(ctx context.Context) error {
	if t.Sleep != nil {
		return t.Sleep(ctx, t.Delay)
	}
	return sleepContext(ctx, t.Delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
