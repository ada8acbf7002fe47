package ports

import (
	"context"

	"dropnet/internal/core/domain"
)

// PeerSession is a registry entry: the open channel to a peer plus its
// public description. Send is serialized per entry.
type PeerSession interface {
	Connection() domain.PeerConnection
	Channel() Channel
	Send(frame []byte) error
}

type PeerSessionRegistry interface {
	// Register stores an open channel, replacing any entry for the same peer.
	// The replaced channel, if any, is returned for the caller to close.
	Register(conn domain.PeerConnection, ch Channel) Channel
	Lookup(peerID domain.PeerID) (PeerSession, bool)
	// Remove deletes the entry only while it still holds ch.
	Remove(peerID domain.PeerID, ch Channel) bool
	ListOpen() []domain.PeerID
	Connections() []domain.PeerConnection
	Clear() []Channel
}

// PresenceRepository is the signaling server's directory of registered peers.
type PresenceRepository interface {
	Add(ctx context.Context, presence *domain.Presence) error
	Remove(ctx context.Context, id domain.PeerID) error
	Exists(ctx context.Context, id domain.PeerID) (bool, error)
	List(ctx context.Context) ([]domain.PeerID, error)
}
