// Package codec splits byte sources into fixed-size chunks and reassembles
// received chunks into a single contiguous buffer.
package codec

import (
	"errors"
	"fmt"
	"io"
	"iter"

	"dropnet/pkg/optimize"
)

// ChunkSize is the wire chunk size; the final chunk of a file may be shorter.
const ChunkSize = 16384

var ErrIncompleteTransfer = errors.New("incomplete transfer")

// Chunk is one contiguous byte range of a source.
type Chunk struct {
	Index  int
	Offset int64
	Data   []byte
}

// TotalChunks returns ceil(size / chunkSize) without overflowing for sizes
// near math.MaxInt64.
func TotalChunks(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	n := size / int64(chunkSize)
	if size%int64(chunkSize) != 0 {
		n++
	}
	return int(n)
}

// ChunkLength returns the length chunk index must have in a source of size
// bytes, or -1 when index is out of range.
func ChunkLength(index int, size int64, chunkSize int) int {
	if index < 0 || index >= TotalChunks(size, chunkSize) {
		return -1
	}
	if rest := size - int64(index)*int64(chunkSize); rest < int64(chunkSize) {
		return int(rest)
	}
	return chunkSize
}

// Splitter is a finite, restartable view of a source as chunks.
type Splitter struct {
	src       io.ReaderAt
	size      int64
	chunkSize int
	total     int
	pool      *optimize.BytePool
}

// Split prepares a lazy chunk sequence over src. No bytes are read until a
// chunk is requested.
func Split(src io.ReaderAt, size int64, chunkSize int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	return &Splitter{
		src:       src,
		size:      size,
		chunkSize: chunkSize,
		total:     TotalChunks(size, chunkSize),
	}
}

// Total returns the number of chunks in the sequence.
func (s *Splitter) Total() int {
	return s.total
}

// Reuse makes All read into buffers taken from pool. Data yielded by All is
// then only valid until the loop body returns. Pools with buffers smaller
// than the chunk size are ignored.
func (s *Splitter) Reuse(pool *optimize.BytePool) *Splitter {
	if pool != nil && pool.Size() >= s.chunkSize {
		s.pool = pool
	}
	return s
}

// Chunk reads chunk i. Each call allocates a fresh buffer so callers may keep
// the returned data.
func (s *Splitter) Chunk(i int) (Chunk, error) {
	return s.read(i, nil)
}

// read fills buf, or a new buffer when buf is nil.
func (s *Splitter) read(i int, buf []byte) (Chunk, error) {
	if i < 0 || i >= s.total {
		return Chunk{}, fmt.Errorf("chunk index %d out of range [0, %d)", i, s.total)
	}

	offset := int64(i) * int64(s.chunkSize)
	length := int64(s.chunkSize)
	if remaining := s.size - offset; remaining < length {
		length = remaining
	}

	if buf == nil {
		buf = make([]byte, length)
	}
	buf = buf[:length]
	n, err := s.src.ReadAt(buf, offset)
	if int64(n) == length {
		// ReadAt may report io.EOF alongside a full final read.
		err = nil
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("failed to read chunk %d: %w", i, err)
	}

	return Chunk{Index: i, Offset: offset, Data: buf}, nil
}

// All yields every chunk in index order. Iteration stops after the first
// read error, which is yielded with a zero Chunk.
func (s *Splitter) All() iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		for i := 0; i < s.total; i++ {
			var buf []byte
			if s.pool != nil {
				buf = s.pool.Get()
			}
			c, err := s.read(i, buf)
			more := yield(c, err)
			if buf != nil {
				s.pool.Put(buf)
			}
			if !more || err != nil {
				return
			}
		}
	}
}

// Reassemble concatenates chunks in index order into a buffer of exactly
// totalSize bytes. It fails with ErrIncompleteTransfer if any index in
// [0, TotalChunks(totalSize, chunkSize)) is missing or the sizes disagree.
// Nothing is allocated until the chunks are known to add up to totalSize.
func Reassemble(chunks map[int][]byte, totalSize int64, chunkSize int) ([]byte, error) {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	total := TotalChunks(totalSize, chunkSize)

	if missing, first := countMissing(chunks, total); missing > 0 {
		return nil, fmt.Errorf("%w: %d of %d chunks missing (first missing index %d)",
			ErrIncompleteTransfer, missing, total, first)
	}

	var n int64
	for i := 0; i < total; i++ {
		n += int64(len(chunks[i]))
	}
	if n != totalSize {
		return nil, fmt.Errorf("%w: received %d bytes, expected %d",
			ErrIncompleteTransfer, n, totalSize)
	}

	buf := make([]byte, 0, totalSize)
	for i := 0; i < total; i++ {
		buf = append(buf, chunks[i]...)
	}
	return buf, nil
}

// countMissing returns how many indices in [0, total) are absent from chunks
// and the lowest of them, or -1. It walks the received chunks rather than
// the whole range.
func countMissing(chunks map[int][]byte, total int) (missing, first int) {
	present := 0
	for i := range chunks {
		if i >= 0 && i < total {
			present++
		}
	}
	missing, first = total-present, -1
	if missing == 0 {
		return missing, first
	}
	for i := 0; i < total; i++ {
		if _, ok := chunks[i]; !ok {
			return missing, i
		}
	}
	return missing, first
}
