package domain

import (
	"fmt"
	"io"
	"os"
	"time"

	"dropnet/internal/core/codec"
)

type TransferID string

type TransferStatus string

const (
	TransferPending      TransferStatus = "pending"
	TransferTransferring TransferStatus = "transferring"
	TransferCompleted    TransferStatus = "completed"
	TransferFailed       TransferStatus = "failed"
)

type TransferDirection string

const (
	TransferOutbound TransferDirection = "outbound"
	TransferInbound  TransferDirection = "inbound"
)

// TransferSession tracks one file moving in one direction. It is not safe for
// concurrent use; the owning connection manager serializes access.
type TransferSession struct {
	ID           TransferID
	PeerID       PeerID
	FileName     string
	DeclaredSize int64
	Direction    TransferDirection
	Status       TransferStatus
	Progress     float64
	// TotalChunks is -1 for inbound sessions until the first chunk arrives.
	TotalChunks int
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time

	chunkSize  int
	chunksSent int
	chunks     map[int][]byte
}

// NewOutboundSession creates a pending session for a file about to be offered.
func NewOutboundSession(id TransferID, peerID PeerID, fileName string, size int64) *TransferSession {
	return &TransferSession{
		ID:           id,
		PeerID:       peerID,
		FileName:     fileName,
		DeclaredSize: size,
		Direction:    TransferOutbound,
		Status:       TransferPending,
		TotalChunks:  codec.TotalChunks(size, codec.ChunkSize),
		StartedAt:    time.Now(),
		chunkSize:    codec.ChunkSize,
	}
}

// NewInboundSession creates a pending session in response to an offer.
func NewInboundSession(id TransferID, peerID PeerID, fileName string, size int64) *TransferSession {
	return &TransferSession{
		ID:           id,
		PeerID:       peerID,
		FileName:     fileName,
		DeclaredSize: size,
		Direction:    TransferInbound,
		Status:       TransferPending,
		TotalChunks:  -1,
		StartedAt:    time.Now(),
		chunkSize:    codec.ChunkSize,
		chunks:       make(map[int][]byte),
	}
}

func (s *TransferSession) IsTerminal() bool {
	return s.Status == TransferCompleted || s.Status == TransferFailed
}

// Start moves a pending session to transferring. Starting an already
// transferring session is a no-op.
func (s *TransferSession) Start() error {
	switch s.Status {
	case TransferPending:
		s.Status = TransferTransferring
		return nil
	case TransferTransferring:
		return nil
	default:
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.Status)
	}
}

// RecordSent accounts for one chunk handed to the transport and returns the
// new progress fraction.
func (s *TransferSession) RecordSent() (float64, error) {
	if s.Direction != TransferOutbound {
		return s.Progress, fmt.Errorf("%w: record sent on inbound session", ErrInvalidTransition)
	}
	if err := s.Start(); err != nil {
		return s.Progress, err
	}
	if s.chunksSent >= s.TotalChunks {
		return s.Progress, fmt.Errorf("%w: all %d chunks already sent", ErrInvalidTransition, s.TotalChunks)
	}

	s.chunksSent++
	s.setProgress(float64(s.chunksSent) / float64(s.TotalChunks))
	return s.Progress, nil
}

// StoreChunk stores the bytes for index, overwriting any earlier delivery of
// the same index, and returns the new progress fraction. Progress is the
// number of distinct indices held over totalChunks. The chunk count and the
// chunk length must agree with the size declared in the offer.
func (s *TransferSession) StoreChunk(index, totalChunks int, data []byte) (float64, error) {
	if s.Direction != TransferInbound {
		return s.Progress, fmt.Errorf("%w: store chunk on outbound session", ErrInvalidTransition)
	}
	if s.IsTerminal() {
		return s.Progress, fmt.Errorf("%w: store chunk in %s", ErrInvalidTransition, s.Status)
	}
	if totalChunks <= 0 || index < 0 || index >= totalChunks {
		return s.Progress, fmt.Errorf("chunk index %d out of range for %d chunks", index, totalChunks)
	}
	if want := codec.TotalChunks(s.DeclaredSize, s.chunkSize); totalChunks != want {
		return s.Progress, fmt.Errorf("chunk claims %d chunks, offer of %d bytes has %d", totalChunks, s.DeclaredSize, want)
	}
	if want := codec.ChunkLength(index, s.DeclaredSize, s.chunkSize); len(data) != want {
		return s.Progress, fmt.Errorf("chunk %d has %d bytes, expected %d", index, len(data), want)
	}
	if err := s.Start(); err != nil {
		return s.Progress, err
	}

	s.TotalChunks = totalChunks
	s.chunks[index] = data
	s.setProgress(float64(len(s.chunks)) / float64(totalChunks))
	return s.Progress, nil
}

// Complete marks an outbound session completed once every chunk and the
// complete message have been dispatched.
func (s *TransferSession) Complete() error {
	if s.Direction != TransferOutbound {
		return fmt.Errorf("%w: inbound sessions complete through Reassemble", ErrInvalidTransition)
	}
	if s.IsTerminal() {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, s.Status)
	}

	s.Status = TransferCompleted
	s.Progress = 1
	s.FinishedAt = time.Now()
	return nil
}

// Reassemble finishes an inbound session. On success the session is completed
// and the contiguous buffer returned; otherwise the session fails with
// ErrIncompleteTransfer and no partial data is returned.
func (s *TransferSession) Reassemble() ([]byte, error) {
	if s.Direction != TransferInbound {
		return nil, fmt.Errorf("%w: reassemble on outbound session", ErrInvalidTransition)
	}
	if s.IsTerminal() {
		return nil, fmt.Errorf("%w: reassemble from %s", ErrInvalidTransition, s.Status)
	}

	data, err := codec.Reassemble(s.chunks, s.DeclaredSize, s.chunkSize)
	if err != nil {
		_ = s.Fail(err)
		return nil, err
	}

	s.Status = TransferCompleted
	s.Progress = 1
	s.FinishedAt = time.Now()
	s.chunks = nil
	return data, nil
}

// Fail moves the session to failed and releases any partial buffer.
func (s *TransferSession) Fail(cause error) error {
	if s.IsTerminal() {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, s.Status)
	}

	s.Status = TransferFailed
	s.Err = cause
	s.FinishedAt = time.Now()
	s.chunks = nil
	return nil
}

func (s *TransferSession) ChunksSent() int {
	return s.chunksSent
}

func (s *TransferSession) ChunksReceived() int {
	return len(s.chunks)
}

// Snapshot returns a copy of the exported fields without the chunk buffer.
func (s *TransferSession) Snapshot() TransferSession {
	c := *s
	c.chunks = nil
	return c
}

func (s *TransferSession) setProgress(p float64) {
	if p > 1 {
		p = 1
	}
	if p > s.Progress {
		s.Progress = p
	}
}

// FileSource is a named, sized random-access byte source to send.
type FileSource struct {
	Name   string
	Size   int64
	Reader io.ReaderAt
}

func NewFileSource(name string, size int64, r io.ReaderAt) FileSource {
	return FileSource{Name: name, Size: size, Reader: r}
}

// BytesFile wraps an in-memory buffer as a FileSource.
func BytesFile(name string, data []byte) FileSource {
	return FileSource{Name: name, Size: int64(len(data)), Reader: bytesReaderAt(data)}
}

// OpenFile opens path for sending. The caller closes the returned closer once
// the transfer has finished.
func OpenFile(path string) (FileSource, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileSource{}, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return FileSource{}, nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return FileSource{}, nil, fmt.Errorf("%s is a directory", path)
	}
	return NewFileSource(info.Name(), info.Size(), f), f, nil
}

type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ReceivedFile is the artifact produced by a completed inbound transfer.
type ReceivedFile struct {
	TransferID TransferID
	PeerID     PeerID
	FileName   string
	Data       []byte
}

// TransferRecord is the caller-facing view of a transfer kept by the
// orchestrator.
type TransferRecord struct {
	ID        TransferID
	Name      string
	Size      int64
	Progress  float64
	Status    TransferStatus
	Direction TransferDirection
	PeerID    PeerID
	Err       error
	UpdatedAt time.Time
}
