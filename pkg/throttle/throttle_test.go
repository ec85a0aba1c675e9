package throttle

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

// recordSleeps returns a sleep function that records the requested pauses
// instead of actually sleeping.
func recordSleeps(sleeps *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
}

func TestChunkSizes(t *testing.T) {
	var sleeps []time.Duration
	th := Throttle{ChunkSize: 5, Delay: time.Second, Sleep: recordSleeps(&sleeps)}
	body := []byte("hello, world")

	var sizes []int
	for chunk := range th.Chunks(context.Background(), body) {
		sizes = append(sizes, len(chunk))
	}

	if len(sizes) != 3 || sizes[0] != 5 || sizes[1] != 5 || sizes[2] != 2 {
		t.Fatalf("Chunk sizes are %v", sizes)
	}
	// pauses only between chunks
	if len(sleeps) != 2 {
		t.Fatalf("Slept %d times", len(sleeps))
	}
	for _, d := range sleeps {
		if d != time.Second {
			t.Fatalf("Slept for %s", d)
		}
	}
	if n := th.NumChunks(len(body)); n != 3 {
		t.Fatalf("NumChunks is %d", n)
	}
}

func TestChunksReconstructBody(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789abcdef"), 37)
	for _, size := range []int{1, 2, 7, 16, 100, len(body), len(body) + 1} {
		var sleeps []time.Duration
		th := Throttle{ChunkSize: size, Sleep: recordSleeps(&sleeps)}
		var buf bytes.Buffer
		count := 0
		for chunk := range th.Chunks(context.Background(), body) {
			count++
			buf.Write(chunk)
		}
		if !bytes.Equal(buf.Bytes(), body) {
			t.Fatalf("Size %d: body not reconstructed", size)
		}
		if count != th.NumChunks(len(body)) {
			t.Fatalf("Size %d: %d chunks, expected %d", size, count, th.NumChunks(len(body)))
		}
		if len(sleeps) != count-1 {
			t.Fatalf("Size %d: slept %d times for %d chunks", size, len(sleeps), count)
		}
	}
}

func TestEmptyBodyYieldsNothing(t *testing.T) {
	var sleeps []time.Duration
	th := Throttle{ChunkSize: 5, Delay: time.Hour, Sleep: recordSleeps(&sleeps)}
	for range th.Chunks(context.Background(), nil) {
		t.Fatal("Empty body yielded a chunk")
	}
	if len(sleeps) != 0 {
		t.Fatalf("Slept %d times", len(sleeps))
	}
}

func TestChunksAreRestartable(t *testing.T) {
	th := Throttle{ChunkSize: 3}
	seq := th.Chunks(context.Background(), []byte("abcdefgh"))
	for i := 0; i < 2; i++ {
		var buf bytes.Buffer
		for chunk := range seq {
			buf.Write(chunk)
		}
		if buf.String() != "abcdefgh" {
			t.Fatalf("Run %d: body is %s", i, buf.String())
		}
	}
}

func TestRealDelayIsApplied(t *testing.T) {
	th := New(2, 20*time.Millisecond)
	start := time.Now()
	rec := httptest.NewRecorder()
	n, err := th.Copy(context.Background(), rec, []byte("abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 || rec.Body.String() != "abcdef" {
		t.Fatalf("Wrote %d bytes: %s", n, rec.Body.String())
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("Delivery took only %s", elapsed)
	}
	if !rec.Flushed {
		t.Fatal("Recorder was not flushed")
	}
}

func TestCopyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	th := Throttle{ChunkSize: 2, Delay: time.Hour, Sleep: func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}}
	var buf bytes.Buffer
	n, err := th.Copy(ctx, &buf, []byte("abcdef"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Error is %v", err)
	}
	if n != 2 || buf.String() != "ab" {
		t.Fatalf("Wrote %d bytes: %s", n, buf.String())
	}
}
