// Package loopback is an in-process transport. Every peer attaches to a
// shared Hub, which plays the signaling service, and channels deliver frames
// through per-endpoint queues with the same ordering guarantees as a real
// data channel.
package loopback

import (
	"context"
	"errors"
	"sync"
	"time"

	"dropnet/internal/core/domain"
	"dropnet/internal/core/ports"
	"dropnet/pkg/utils"
)

var (
	ErrChannelClosed = errors.New("loopback: channel closed")
	ErrNotRegistered = errors.New("loopback: transport not registered")
	ErrDuplicatePeer = errors.New("loopback: peer id already registered")
)

// Hub is the shared signaling point for loopback transports.
type Hub struct {
	mu    sync.Mutex
	peers map[domain.PeerID]*Transport
}

func NewHub() *Hub {
	return &Hub{peers: make(map[domain.PeerID]*Transport)}
}

// Peers lists the registered peer ids.
func (h *Hub) Peers() []domain.PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]domain.PeerID, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	return ids
}

// Sever closes every channel between a and b, as if the link dropped.
func (h *Hub) Sever(a, b domain.PeerID) {
	h.mu.Lock()
	t, ok := h.peers[a]
	h.mu.Unlock()
	if !ok {
		return
	}

	for _, ep := range t.endpoints() {
		if ep.remote == b {
			_ = ep.Close()
		}
	}
}

// InjectError reports err on a's side of every channel between a and b.
func (h *Hub) InjectError(a, b domain.PeerID, err error) {
	h.mu.Lock()
	t, ok := h.peers[a]
	h.mu.Unlock()
	if !ok {
		return
	}

	for _, ep := range t.endpoints() {
		if ep.remote == b {
			ep.fail(err)
		}
	}
}

func (h *Hub) lookup(id domain.PeerID) (*Transport, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.peers[id]
	return t, ok
}

type Option func(*Transport)

// WithPeerID fixes the identity assigned on Connect instead of a random one.
func WithPeerID(id domain.PeerID) Option {
	return func(t *Transport) { t.fixedID = id }
}

// WithConnectDelay delays registration, for exercising signaling timeouts.
func WithConnectDelay(d time.Duration) Option {
	return func(t *Transport) { t.connectDelay = d }
}

// Transport is one peer's attachment to a Hub.
type Transport struct {
	hub          *Hub
	fixedID      domain.PeerID
	connectDelay time.Duration

	mu       sync.Mutex
	id       domain.PeerID
	acceptor ports.InboundAcceptor
	channels map[*endpoint]struct{}
}

var _ ports.Transport = (*Transport)(nil)

func (h *Hub) NewTransport(opts ...Option) *Transport {
	t := &Transport{
		hub:      h,
		channels: make(map[*endpoint]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Connect(ctx context.Context, acceptor ports.InboundAcceptor) (domain.PeerID, error) {
	if t.connectDelay > 0 {
		timer := time.NewTimer(t.connectDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	id := t.fixedID
	if id == "" {
		id = domain.PeerID(utils.GeneratePeerID())
	}

	t.hub.mu.Lock()
	if _, taken := t.hub.peers[id]; taken {
		t.hub.mu.Unlock()
		return "", ErrDuplicatePeer
	}
	t.hub.peers[id] = t
	t.hub.mu.Unlock()

	t.mu.Lock()
	t.id = id
	t.acceptor = acceptor
	t.mu.Unlock()
	return id, nil
}

// Dial starts a channel to peerID. A channel to a peer that is not registered
// never opens, like a connection whose offer nobody answers.
func (t *Transport) Dial(peerID domain.PeerID, handler ports.ChannelHandler) (ports.Channel, error) {
	t.mu.Lock()
	localID := t.id
	t.mu.Unlock()
	if localID == "" {
		return nil, ErrNotRegistered
	}

	local := newEndpoint(t, localID, peerID, handler)
	t.track(local)

	remote, ok := t.hub.lookup(peerID)
	if !ok {
		return local, nil
	}

	remote.mu.Lock()
	acceptor := remote.acceptor
	remote.mu.Unlock()
	if acceptor == nil {
		return local, nil
	}

	far := newEndpoint(remote, peerID, localID, nil)
	far.handler = acceptor.AcceptChannel(far)
	local.setPeer(far)
	far.setPeer(local)
	remote.track(far)

	local.markOpen()
	far.markOpen()
	return local, nil
}

// Close unregisters from the hub and closes every channel.
func (t *Transport) Close() error {
	t.mu.Lock()
	id := t.id
	t.id = ""
	t.acceptor = nil
	t.mu.Unlock()

	if id != "" {
		t.hub.mu.Lock()
		if cur, ok := t.hub.peers[id]; ok && cur == t {
			delete(t.hub.peers, id)
		}
		t.hub.mu.Unlock()
	}

	for _, ep := range t.endpoints() {
		_ = ep.Close()
	}
	return nil
}

func (t *Transport) track(ep *endpoint) {
	t.mu.Lock()
	t.channels[ep] = struct{}{}
	t.mu.Unlock()
}

func (t *Transport) untrack(ep *endpoint) {
	t.mu.Lock()
	delete(t.channels, ep)
	t.mu.Unlock()
}

func (t *Transport) endpoints() []*endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*endpoint, 0, len(t.channels))
	for ep := range t.channels {
		out = append(out, ep)
	}
	return out
}
