package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultChunkSize is the transfer chunk size. Comfortably under the
// frame limit even after JSON base64 expansion.
const DefaultChunkSize = 256 << 10

// ChunkSource serves fixed-size chunks of a staged archive by sequence
// number. Reads are stateless (any chunk can be re-fetched after a
// transient failure) and optionally paced to a bandwidth cap so a bulk
// transfer cannot starve live sync traffic.
type ChunkSource struct {
	mu        sync.Mutex
	f         *os.File
	size      int64
	chunkSize int
	limiter   *rate.Limiter
}

// OpenChunkSource opens the archive at path for chunked serving.
// bytesPerSec of zero leaves the transfer unpaced.
func OpenChunkSource(path string, chunkSize, bytesPerSec int) (*ChunkSource, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open staged archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat staged archive: %w", err)
	}
	s := &ChunkSource{f: f, size: info.Size(), chunkSize: chunkSize}
	if bytesPerSec > 0 {
		// Burst must cover one whole chunk or WaitN can never admit it.
		burst := bytesPerSec
		if burst < chunkSize {
			burst = chunkSize
		}
		s.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
	return s, nil
}

// Size is the archive size in bytes.
func (s *ChunkSource) Size() int64 {
	return s.size
}

// ChunkSize is the fixed chunk length; only the final chunk is shorter.
func (s *ChunkSource) ChunkSize() int {
	return s.chunkSize
}

// Chunks is how many chunks the archive spans.
func (s *ChunkSource) Chunks() int {
	if s.size == 0 {
		return 0
	}
	return int((s.size + int64(s.chunkSize) - 1) / int64(s.chunkSize))
}

// ChunkAt reads chunk seq, blocking for bandwidth when paced. eof is set
// on the final chunk.
func (s *ChunkSource) ChunkAt(ctx context.Context, seq int) (data []byte, eof bool, err error) {
	if seq < 0 {
		return nil, false, fmt.Errorf("negative chunk sequence %d", seq)
	}
	offset := int64(seq) * int64(s.chunkSize)
	if offset >= s.size {
		return nil, false, fmt.Errorf("chunk %d past end of archive", seq)
	}

	want := s.chunkSize
	if remaining := s.size - offset; int64(want) > remaining {
		want = int(remaining)
	}
	if s.limiter != nil {
		if err := s.limiter.WaitN(ctx, want); err != nil {
			return nil, false, err
		}
	}

	buf := make([]byte, want)
	s.mu.Lock()
	_, err = s.f.ReadAt(buf, offset)
	s.mu.Unlock()
	if err != nil && err != io.EOF {
		return nil, false, fmt.Errorf("read chunk %d: %w", seq, err)
	}
	return buf, offset+int64(want) >= s.size, nil
}

// Close closes the staged archive file.
func (s *ChunkSource) Close() error {
	return s.f.Close()
}

// ChunkSink reassembles a chunked transfer into a file on the joiner,
// enforcing in-order delivery so a gap is caught immediately rather than
// at checksum time.
type ChunkSink struct {
	f        *os.File
	path     string
	next     int
	received int64
}

// CreateChunkSink creates (truncating) the download destination.
func CreateChunkSink(path string) (*ChunkSink, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create backups directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create snapshot download: %w", err)
	}
	return &ChunkSink{f: f, path: path}, nil
}

// Put appends chunk seq, which must be the next expected sequence.
func (s *ChunkSink) Put(seq int, data []byte) error {
	if seq != s.next {
		return fmt.Errorf("out-of-order chunk: got %d, want %d", seq, s.next)
	}
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("write chunk %d: %w", seq, err)
	}
	s.next++
	s.received += int64(len(data))
	return nil
}

// BytesReceived is the running byte count for progress reporting.
func (s *ChunkSink) BytesReceived() int64 {
	return s.received
}

// Path is the destination filename.
func (s *ChunkSink) Path() string {
	return s.path
}

// Close flushes and closes the destination file.
func (s *ChunkSink) Close() error {
	if err := s.f.Sync(); err != nil {
		_ = s.f.Close()
		return err
	}
	return s.f.Close()
}

// Abort closes and removes a partial download.
func (s *ChunkSink) Abort() {
	_ = s.f.Close()
	_ = os.Remove(s.path)
}
