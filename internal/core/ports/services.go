package ports

import (
	"context"
	"time"

	"dropnet/internal/core/domain"
)

type EventSink interface {
	Emit(event domain.Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(event domain.Event)

func (f EventSinkFunc) Emit(event domain.Event) { f(event) }

type TransferMetrics interface {
	TransferStarted(direction domain.TransferDirection)
	TransferFinished(direction domain.TransferDirection, status domain.TransferStatus, bytes int64, duration time.Duration)
	ChunkSent(bytes int)
	ChunkReceived(bytes int)
	PeerConnected(direction domain.ConnectionDirection)
	PeerDisconnected()
	ObserveConnect(outcome string, duration time.Duration)
}

type SignalingMetrics interface {
	ClientConnected()
	ClientDisconnected()
	MessageRouted(messageType string)
	MessageRejected(reason string)
}

// SignalRelay carries signaling envelopes between server replicas that share
// a presence directory. Envelopes are opaque to the relay.
type SignalRelay interface {
	Publish(ctx context.Context, envelope []byte) error
	// Subscribe delivers envelopes published by any replica until ctx is done.
	Subscribe(ctx context.Context, handle func(envelope []byte)) error
}
