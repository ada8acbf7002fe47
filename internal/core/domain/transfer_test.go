package domain

import (
	"bytes"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"dropnet/internal/core/codec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboundSession_Progress(t *testing.T) {
	s := NewOutboundSession("t1", "peer-a", "a.bin", 40000)
	assert.Equal(t, TransferPending, s.Status)
	assert.Equal(t, 3, s.TotalChunks)

	var progress []float64
	for i := 0; i < 3; i++ {
		p, err := s.RecordSent()
		require.NoError(t, err)
		progress = append(progress, p)
	}
	assert.InDeltaSlice(t, []float64{1.0 / 3, 2.0 / 3, 1}, progress, 1e-9)
	assert.Equal(t, TransferTransferring, s.Status)

	_, err := s.RecordSent()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, s.Complete())
	assert.Equal(t, TransferCompleted, s.Status)
	assert.False(t, s.FinishedAt.IsZero())
}

func TestOutboundSession_ZeroBytes(t *testing.T) {
	s := NewOutboundSession("t0", "peer-a", "empty", 0)
	assert.Equal(t, 0, s.TotalChunks)

	require.NoError(t, s.Complete())
	assert.Equal(t, 1.0, s.Progress)
}

func TestSession_NoTransitionOutOfTerminal(t *testing.T) {
	s := NewOutboundSession("t1", "peer-a", "a.bin", 10)
	require.NoError(t, s.Fail(ErrTransferFailed))

	assert.ErrorIs(t, s.Start(), ErrInvalidTransition)
	assert.ErrorIs(t, s.Complete(), ErrInvalidTransition)
	assert.ErrorIs(t, s.Fail(errors.New("again")), ErrInvalidTransition)
	assert.Equal(t, TransferFailed, s.Status)
	assert.ErrorIs(t, s.Err, ErrTransferFailed)
}

func TestInboundSession_ReorderedChunks(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 4000)
	s := NewInboundSession("t1", "peer-a", "a.bin", int64(len(data)))
	assert.Equal(t, -1, s.TotalChunks)

	split := codec.Split(bytes.NewReader(data), int64(len(data)), codec.ChunkSize)
	order := []int{2, 0, 1}
	var progress []float64
	for _, i := range order {
		c, err := split.Chunk(i)
		require.NoError(t, err)
		p, err := s.StoreChunk(c.Index, split.Total(), c.Data)
		require.NoError(t, err)
		progress = append(progress, p)
	}
	assert.InDeltaSlice(t, []float64{1.0 / 3, 2.0 / 3, 1}, progress, 1e-9)
	assert.Equal(t, 3, s.TotalChunks)

	out, err := s.Reassemble()
	require.NoError(t, err)
	assert.Equal(t, data, out)
	assert.Equal(t, TransferCompleted, s.Status)
}

func TestInboundSession_DuplicateChunkDoesNotAdvance(t *testing.T) {
	s := NewInboundSession("t1", "peer-a", "a.bin", 2*codec.ChunkSize)

	p1, err := s.StoreChunk(0, 2, make([]byte, codec.ChunkSize))
	require.NoError(t, err)
	p2, err := s.StoreChunk(0, 2, make([]byte, codec.ChunkSize))
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
	assert.Equal(t, 1, s.ChunksReceived())
}

func TestInboundSession_RejectsOutOfRangeIndex(t *testing.T) {
	s := NewInboundSession("t1", "peer-a", "a.bin", 10)
	_, err := s.StoreChunk(1, 1, []byte("x"))
	assert.Error(t, err)
	_, err = s.StoreChunk(-1, 1, []byte("x"))
	assert.Error(t, err)
}

func TestInboundSession_RejectsChunksDisagreeingWithOffer(t *testing.T) {
	s := NewInboundSession("t1", "peer-a", "a.bin", 40000)

	_, err := s.StoreChunk(0, 2, make([]byte, codec.ChunkSize))
	assert.Error(t, err)
	_, err = s.StoreChunk(0, 3, make([]byte, 10))
	assert.Error(t, err)
	_, err = s.StoreChunk(2, 3, make([]byte, codec.ChunkSize))
	assert.Error(t, err)
	assert.Equal(t, TransferPending, s.Status)
	assert.Equal(t, 0, s.ChunksReceived())

	p, err := s.StoreChunk(2, 3, make([]byte, 40000-2*codec.ChunkSize))
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3, p, 1e-9)
}

func TestInboundSession_HugeDeclaredSizeFailsOnComplete(t *testing.T) {
	s := NewInboundSession("t1", "peer-a", "a.bin", math.MaxInt64)

	_, err := s.StoreChunk(0, 1, []byte("x"))
	assert.Error(t, err)

	out, err := s.Reassemble()
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrIncompleteTransfer)
	assert.Equal(t, TransferFailed, s.Status)
}

func TestInboundSession_MissingChunkFails(t *testing.T) {
	data := make([]byte, 40000)
	s := NewInboundSession("t1", "peer-a", "a.bin", int64(len(data)))
	split := codec.Split(bytes.NewReader(data), int64(len(data)), codec.ChunkSize)

	for i := 0; i < 2; i++ {
		c, err := split.Chunk(i)
		require.NoError(t, err)
		_, err = s.StoreChunk(i, 3, c.Data)
		require.NoError(t, err)
	}

	out, err := s.Reassemble()
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrIncompleteTransfer)
	assert.Equal(t, TransferFailed, s.Status)
	assert.Equal(t, 0, s.ChunksReceived())
}

func TestInboundSession_ZeroBytes(t *testing.T) {
	s := NewInboundSession("t0", "peer-a", "empty", 0)
	out, err := s.Reassemble()
	require.NoError(t, err)
	assert.Len(t, out, 0)
	assert.Equal(t, TransferCompleted, s.Status)
}

func TestInboundSession_FailFromPending(t *testing.T) {
	s := NewInboundSession("t1", "peer-a", "a.bin", 10)
	require.NoError(t, s.Fail(ErrIncompleteTransfer))
	assert.Equal(t, TransferFailed, s.Status)

	_, err := s.StoreChunk(0, 1, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSnapshot_DetachesBuffer(t *testing.T) {
	s := NewInboundSession("t1", "peer-a", "a.bin", 3)
	_, err := s.StoreChunk(0, 1, []byte("abc"))
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, 0, snap.ChunksReceived())
	assert.Equal(t, 1, s.ChunksReceived())
}

func TestBytesFile_ReadAt(t *testing.T) {
	f := BytesFile("x", []byte("hello"))
	assert.Equal(t, int64(5), f.Size)

	buf := make([]byte, 3)
	n, err := f.Reader.ReadAt(buf, 3)
	assert.Equal(t, 2, n)
	assert.Equal(t, io.EOF, err)

	_, err = f.Reader.ReadAt(buf, 5)
	assert.Equal(t, io.EOF, err)
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	f, closer, err := OpenFile(path)
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, "report.txt", f.Name)
	assert.Equal(t, int64(7), f.Size)

	_, _, err = OpenFile(dir)
	assert.Error(t, err)
}

func TestDisplayLabel(t *testing.T) {
	assert.Equal(t, "Peer abcdefgh", DisplayLabel("abcdefghijkl"))
	assert.Equal(t, "Peer abc", DisplayLabel("abc"))
}
