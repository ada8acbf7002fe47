package loopback

import (
	"sync"

	"dropnet/internal/core/domain"
	"dropnet/internal/core/ports"
)

// endpoint is one end of a loopback channel. Its handler callbacks run on a
// single goroutine in the order they were queued.
type endpoint struct {
	owner   *Transport
	local   domain.PeerID
	remote  domain.PeerID
	handler ports.ChannelHandler

	mu       sync.Mutex
	peer     *endpoint
	open     bool
	closed   bool
	finished bool
	queue    []func()
	wake     chan struct{}
}

var _ ports.Channel = (*endpoint)(nil)

func newEndpoint(owner *Transport, local, remote domain.PeerID, handler ports.ChannelHandler) *endpoint {
	ep := &endpoint{
		owner:   owner,
		local:   local,
		remote:  remote,
		handler: handler,
		wake:    make(chan struct{}, 1),
	}
	go ep.run()
	return ep
}

func (ep *endpoint) RemotePeer() domain.PeerID {
	return ep.remote
}

func (ep *endpoint) IsOpen() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.open && !ep.closed
}

// Send queues a copy of data for the remote handler.
func (ep *endpoint) Send(data []byte) error {
	ep.mu.Lock()
	peer, ok := ep.peer, ep.open && !ep.closed
	ep.mu.Unlock()
	if !ok || peer == nil {
		return ErrChannelClosed
	}

	frame := make([]byte, len(data))
	copy(frame, data)
	return peer.deliver(frame)
}

// Close closes both ends. Each end sees HandleClose once.
func (ep *endpoint) Close() error {
	ep.mu.Lock()
	peer := ep.peer
	ep.mu.Unlock()

	ep.shutdown()
	if peer != nil {
		peer.shutdown()
	}
	return nil
}

func (ep *endpoint) setPeer(peer *endpoint) {
	ep.mu.Lock()
	ep.peer = peer
	ep.mu.Unlock()
}

func (ep *endpoint) markOpen() {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return
	}
	ep.open = true
	ep.enqueueLocked(func(h ports.ChannelHandler) { h.HandleOpen(ep) })
}

func (ep *endpoint) deliver(frame []byte) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return ErrChannelClosed
	}
	ep.enqueueLocked(func(h ports.ChannelHandler) { h.HandleMessage(ep, frame) })
	return nil
}

func (ep *endpoint) fail(err error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return
	}
	ep.enqueueLocked(func(h ports.ChannelHandler) { h.HandleError(ep, err) })
}

func (ep *endpoint) shutdown() {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return
	}
	ep.closed = true
	ep.open = false
	ep.enqueueLocked(func(h ports.ChannelHandler) { h.HandleClose(ep) })
	ep.finished = true
	ep.mu.Unlock()

	ep.owner.untrack(ep)
}

func (ep *endpoint) enqueueLocked(fn func(ports.ChannelHandler)) {
	ep.queue = append(ep.queue, func() {
		if ep.handler != nil {
			fn(ep.handler)
		}
	})
	select {
	case ep.wake <- struct{}{}:
	default:
	}
}

func (ep *endpoint) run() {
	for range ep.wake {
		for {
			ep.mu.Lock()
			if len(ep.queue) == 0 {
				done := ep.finished
				ep.mu.Unlock()
				if done {
					return
				}
				break
			}
			fn := ep.queue[0]
			ep.queue = ep.queue[1:]
			ep.mu.Unlock()

			fn()
		}
	}
}
