package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dropnet/internal/core/domain"
	"dropnet/internal/core/ports"
	"dropnet/internal/core/protocol"
	apperrors "dropnet/pkg/errors"
	"dropnet/pkg/validation"
)

// channelHandler receives the lifecycle of one channel on behalf of the
// manager. Callbacks from a manager generation that has since been torn down
// are ignored.
type channelHandler struct {
	m          *ConnectionManager
	direction  domain.ConnectionDirection
	generation uint64
	dial       *pendingDial
}

var _ ports.ChannelHandler = (*channelHandler)(nil)

func (h *channelHandler) stale() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.generation != h.m.generation || !h.m.connected
}

func (h *channelHandler) HandleOpen(ch ports.Channel) {
	m := h.m
	peerID := ch.RemotePeer()

	if h.stale() {
		if h.dial != nil {
			h.dial.resolve(domain.ErrDisconnected)
		}
		_ = ch.Close()
		return
	}

	// An outbound channel that opens after its dial was abandoned is closed
	// without touching the registry, which may hold a newer channel.
	if h.dial != nil && !h.dial.claim() {
		_ = ch.Close()
		m.logger.Debugw("closing channel opened after dial was abandoned", "peer_id", peerID)
		return
	}

	conn := domain.PeerConnection{
		PeerID:    peerID,
		State:     domain.ConnectionOpen,
		Direction: h.direction,
		OpenedAt:  time.Now(),
	}
	if prior := m.registry.Register(conn, ch); prior != nil {
		m.logger.Infow("replacing existing channel", "peer_id", peerID)
		_ = prior.Close()
	}
	if h.dial != nil {
		h.dial.finish(nil)
	}

	m.metrics.PeerConnected(h.direction)
	m.logger.Infow("peer channel open", "peer_id", peerID, "direction", h.direction)
	m.emit(domain.Event{Kind: domain.EventConnectionOpened, PeerID: peerID})
	if h.direction == domain.DirectionInbound {
		m.status(fmt.Sprintf("Peer %s connected to you", peerID))
	} else {
		m.status(fmt.Sprintf("Connected to %s", peerID))
	}
}

func (h *channelHandler) HandleMessage(ch ports.Channel, data []byte) {
	if h.stale() {
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		h.m.logger.Warnw("dropping malformed frame", "peer_id", ch.RemotePeer(), "error", err)
		return
	}

	switch msg.Type {
	case protocol.KindOffer:
		h.handleOffer(ch, msg)
	case protocol.KindAccept:
		h.handleAccept(ch, msg)
	case protocol.KindChunk:
		h.handleChunk(ch, msg)
	case protocol.KindComplete:
		h.handleComplete(ch, msg)
	}
}

func (h *channelHandler) handleOffer(ch ports.Channel, msg protocol.Message) {
	m := h.m
	id := domain.TransferID(msg.TransferID)
	peerID := ch.RemotePeer()

	if err := validation.ValidateFileSize(msg.FileSize, m.cfg.MaxFileSize); err != nil {
		m.logger.Warnw("rejecting offer", "transfer_id", id, "peer_id", peerID, "file_name", msg.FileName, "error", err)
		m.status(fmt.Sprintf("Rejected %s from %s: too large", msg.FileName, peerID))
		return
	}

	m.mu.Lock()
	if _, exists := m.transfers[id]; exists {
		m.mu.Unlock()
		m.logger.Warnw("ignoring offer for transfer already in progress", "transfer_id", id, "peer_id", peerID)
		return
	}
	session := domain.NewInboundSession(id, peerID, msg.FileName, msg.FileSize)
	m.transfers[id] = &liveTransfer{session: session, channel: ch}
	m.mu.Unlock()

	m.metrics.TransferStarted(domain.TransferInbound)
	m.transferLog(context.Background(), id, peerID).Infow("receiving file",
		"file_name", msg.FileName,
		"file_size", msg.FileSize,
	)
	m.emit(domain.Event{
		Kind:       domain.EventTransferStarted,
		PeerID:     peerID,
		TransferID: id,
		FileName:   msg.FileName,
		FileSize:   msg.FileSize,
		Direction:  domain.TransferInbound,
	})

	if err := m.replyOn(ch, protocol.NewAccept(msg.TransferID, msg.FileName, msg.FileSize)); err != nil {
		m.logger.Warnw("failed to accept offer", "transfer_id", id, "error", err)
	}
}

func (h *channelHandler) handleAccept(ch ports.Channel, msg protocol.Message) {
	m := h.m

	m.mu.Lock()
	lt, ok := m.transfers[domain.TransferID(msg.TransferID)]
	if ok && lt.session.Direction == domain.TransferOutbound && lt.session.PeerID == ch.RemotePeer() {
		lt.markAccepted()
	}
	m.mu.Unlock()
}

// lookupInbound returns the live inbound transfer id from peerID. The caller
// holds m.mu.
func (h *channelHandler) lookupInbound(id domain.TransferID, peerID domain.PeerID) (*liveTransfer, bool) {
	lt, ok := h.m.transfers[id]
	if !ok || lt.session.Direction != domain.TransferInbound || lt.session.PeerID != peerID {
		return nil, false
	}
	return lt, true
}

func (h *channelHandler) handleChunk(ch ports.Channel, msg protocol.Message) {
	m := h.m
	id := domain.TransferID(msg.TransferID)

	m.mu.Lock()
	lt, ok := h.lookupInbound(id, ch.RemotePeer())
	if !ok {
		m.mu.Unlock()
		m.logger.Debugw("chunk for unknown transfer", "transfer_id", id, "peer_id", ch.RemotePeer())
		return
	}
	progress, err := lt.session.StoreChunk(msg.ChunkIndex, msg.TotalChunks, msg.Data)
	m.mu.Unlock()
	if err != nil {
		m.logger.Warnw("rejected chunk", "transfer_id", id, "chunk", msg.ChunkIndex, "error", err)
		return
	}

	m.metrics.ChunkReceived(len(msg.Data))
	m.emit(domain.Event{
		Kind:       domain.EventTransferProgress,
		PeerID:     ch.RemotePeer(),
		TransferID: id,
		FileName:   msg.FileName,
		FileSize:   msg.FileSize,
		Direction:  domain.TransferInbound,
		Progress:   progress,
	})
}

func (h *channelHandler) handleComplete(ch ports.Channel, msg protocol.Message) {
	m := h.m
	id := domain.TransferID(msg.TransferID)
	peerID := ch.RemotePeer()

	m.mu.Lock()
	lt, ok := h.lookupInbound(id, peerID)
	if !ok {
		m.mu.Unlock()
		m.logger.Debugw("complete for unknown transfer", "transfer_id", id, "peer_id", peerID)
		return
	}
	data, err := lt.session.Reassemble()
	if err == nil {
		delete(m.transfers, id)
	} else if !errors.Is(err, domain.ErrInvalidTransition) {
		lt.session.Err = apperrors.NewIncompleteTransferError(string(id), string(peerID), err)
	}
	snap := lt.session.Snapshot()
	m.mu.Unlock()

	if err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			m.reportFailed(lt)
		}
		return
	}

	m.metrics.TransferFinished(domain.TransferInbound, domain.TransferCompleted, int64(len(data)), time.Since(snap.StartedAt))
	m.logger.Infow("file received",
		"transfer_id", id,
		"peer_id", peerID,
		"file_name", snap.FileName,
		"bytes", len(data),
	)
	m.emit(domain.Event{
		Kind:       domain.EventTransferCompleted,
		PeerID:     peerID,
		TransferID: id,
		FileName:   snap.FileName,
		FileSize:   snap.DeclaredSize,
		Direction:  domain.TransferInbound,
		Progress:   1,
		File: &domain.ReceivedFile{
			TransferID: id,
			PeerID:     peerID,
			FileName:   snap.FileName,
			Data:       data,
		},
	})
}

func (h *channelHandler) HandleClose(ch ports.Channel) {
	m := h.m
	peerID := ch.RemotePeer()

	if h.dial != nil {
		h.dial.resolve(fmt.Errorf("%w: channel closed before opening", domain.ErrConnectionFailed))
	}
	if h.stale() {
		return
	}

	if m.registry.Remove(peerID, ch) {
		m.metrics.PeerDisconnected()
		m.logger.Infow("peer channel closed", "peer_id", peerID)
		m.emit(domain.Event{Kind: domain.EventConnectionClosed, PeerID: peerID})
		m.status(fmt.Sprintf("Peer %s disconnected", peerID))
	}

	m.mu.Lock()
	var bound []*liveTransfer
	for _, lt := range m.transfers {
		if lt.channel == ch {
			bound = append(bound, lt)
		}
	}
	m.mu.Unlock()

	for _, lt := range bound {
		cause := fmt.Errorf("%w: %w", domain.ErrTransferFailed, domain.ErrDisconnected)
		if lt.session.Direction == domain.TransferInbound {
			cause = fmt.Errorf("%w: %w", domain.ErrIncompleteTransfer, domain.ErrDisconnected)
		}
		m.finishFailed(lt, m.transferError(lt.session, cause))
	}
}

func (h *channelHandler) HandleError(ch ports.Channel, err error) {
	m := h.m
	peerID := ch.RemotePeer()

	if h.dial != nil {
		h.dial.resolve(fmt.Errorf("%w: %w", domain.ErrConnectionFailed, err))
	}
	if h.stale() {
		return
	}

	m.logger.Warnw("peer channel error", "peer_id", peerID, "error", err)
	m.emit(domain.Event{Kind: domain.EventConnectionError, PeerID: peerID, Err: err})
	m.status(fmt.Sprintf("Connection error with %s", peerID))
}
