// Package protocol defines the messages exchanged over a peer channel and
// their binary framing.
//
// Each frame is a 4-byte big-endian header length, a JSON header and an
// optional raw payload. Only chunk frames carry a payload.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"dropnet/internal/core/codec"
	"dropnet/pkg/validation"
)

type Kind string

const (
	KindOffer    Kind = "file-offer"
	KindAccept   Kind = "file-accept"
	KindChunk    Kind = "file-chunk"
	KindComplete Kind = "file-complete"
)

const (
	headerLengthSize = 4
	// MaxHeaderSize bounds the JSON header of a single frame.
	MaxHeaderSize = 4096
)

var ErrMalformedFrame = errors.New("malformed frame")

// Message is one protocol message. Data is only meaningful for chunks and is
// carried outside the JSON header.
type Message struct {
	Type        Kind   `json:"type"`
	TransferID  string `json:"transferId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	ChunkIndex  int    `json:"chunkIndex,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	Data        []byte `json:"-"`
}

func NewOffer(transferID, fileName string, fileSize int64) Message {
	return Message{Type: KindOffer, TransferID: transferID, FileName: fileName, FileSize: fileSize}
}

func NewAccept(transferID, fileName string, fileSize int64) Message {
	return Message{Type: KindAccept, TransferID: transferID, FileName: fileName, FileSize: fileSize}
}

func NewChunk(transferID, fileName string, fileSize int64, index, total int, data []byte) Message {
	return Message{
		Type:        KindChunk,
		TransferID:  transferID,
		FileName:    fileName,
		FileSize:    fileSize,
		ChunkIndex:  index,
		TotalChunks: total,
		Data:        data,
	}
}

func NewComplete(transferID, fileName string, fileSize int64) Message {
	return Message{Type: KindComplete, TransferID: transferID, FileName: fileName, FileSize: fileSize}
}

// Validate checks the fields required by the message kind.
func (m Message) Validate() error {
	switch m.Type {
	case KindOffer, KindAccept, KindChunk, KindComplete:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if err := validation.ValidateTransferID(m.TransferID); err != nil {
		return err
	}
	if err := validation.ValidateFileName(m.FileName); err != nil {
		return err
	}
	if err := validation.ValidateFileSize(m.FileSize, validation.MaxFileSize); err != nil {
		return err
	}

	if m.Type == KindChunk {
		if err := validation.ValidateChunk(m.ChunkIndex, m.TotalChunks, len(m.Data), codec.ChunkSize); err != nil {
			return err
		}
	} else if len(m.Data) > 0 {
		return fmt.Errorf("%s message must not carry a payload", m.Type)
	}
	return nil
}

// Encode validates m and serializes it into a single frame.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", m.Type, err)
	}

	header, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	if len(header) > MaxHeaderSize {
		return nil, fmt.Errorf("header of %d bytes exceeds %d", len(header), MaxHeaderSize)
	}

	frame := make([]byte, headerLengthSize+len(header)+len(m.Data))
	binary.BigEndian.PutUint32(frame, uint32(len(header)))
	copy(frame[headerLengthSize:], header)
	copy(frame[headerLengthSize+len(header):], m.Data)
	return frame, nil
}

// Decode parses and validates a frame. The returned Data does not alias
// frame.
func Decode(frame []byte) (Message, error) {
	if len(frame) < headerLengthSize {
		return Message{}, fmt.Errorf("%w: %d bytes is shorter than the length prefix", ErrMalformedFrame, len(frame))
	}

	headerLen := int(binary.BigEndian.Uint32(frame))
	if headerLen == 0 || headerLen > MaxHeaderSize || headerLengthSize+headerLen > len(frame) {
		return Message{}, fmt.Errorf("%w: header length %d", ErrMalformedFrame, headerLen)
	}

	var m Message
	if err := json.Unmarshal(frame[headerLengthSize:headerLengthSize+headerLen], &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if payload := frame[headerLengthSize+headerLen:]; len(payload) > 0 {
		m.Data = make([]byte, len(payload))
		copy(m.Data, payload)
	} else if m.Type == KindChunk {
		m.Data = []byte{}
	}

	if err := m.Validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return m, nil
}
