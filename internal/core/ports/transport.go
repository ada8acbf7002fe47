package ports

import (
	"context"

	"dropnet/internal/core/domain"
)

// Channel is an ordered, reliable, bidirectional message channel to one
// remote peer.
type Channel interface {
	RemotePeer() domain.PeerID
	Send(data []byte) error
	Close() error
	IsOpen() bool
}

// ChannelHandler receives the lifecycle of one channel. A transport delivers
// the calls for a channel sequentially, HandleOpen before any HandleMessage.
type ChannelHandler interface {
	HandleOpen(ch Channel)
	HandleMessage(ch Channel, data []byte)
	HandleClose(ch Channel)
	HandleError(ch Channel, err error)
}

// InboundAcceptor is notified of channels initiated by remote peers. The
// returned handler is attached before the channel can open.
type InboundAcceptor interface {
	AcceptChannel(ch Channel) ChannelHandler
	HandleSignalingError(err error)
}

// Transport establishes channels through a signaling service.
type Transport interface {
	// Connect registers with the signaling service and returns the identity
	// it assigned.
	Connect(ctx context.Context, acceptor InboundAcceptor) (domain.PeerID, error)
	// Dial starts an outbound channel. The channel reports through handler
	// once it opens or fails.
	Dial(peerID domain.PeerID, handler ChannelHandler) (Channel, error)
	Close() error
}
