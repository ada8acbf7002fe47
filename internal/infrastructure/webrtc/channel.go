package webrtc

import (
	"errors"
	"sync"

	"dropnet/internal/core/domain"
	"dropnet/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

var ErrChannelClosed = errors.New("data channel closed")

// dataChannel is one peer connection carrying one ordered data channel.
// pion invokes its callbacks from several goroutines, so handler calls are
// queued and run on a single goroutine in arrival order.
type dataChannel struct {
	owner        *Transport
	connectionID string
	remote       domain.PeerID
	pc           *webrtc.PeerConnection
	handler      ports.ChannelHandler

	high uint64
	low  chan struct{}

	mu         sync.Mutex
	dc         *webrtc.DataChannel
	open       bool
	closed     bool
	remoteSet  bool
	candidates []webrtc.ICECandidateInit
	signaled   bool
	local      []webrtc.ICECandidateInit
	queue      []func()
	finished   bool
	wake       chan struct{}
	done       chan struct{}
}

var _ ports.Channel = (*dataChannel)(nil)

func newDataChannel(owner *Transport, connectionID string, remote domain.PeerID, pc *webrtc.PeerConnection) *dataChannel {
	c := &dataChannel{
		owner:        owner,
		connectionID: connectionID,
		remote:       remote,
		pc:           pc,
		high:         owner.cfg.BufferedAmountHigh,
		low:          make(chan struct{}, 1),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *dataChannel) RemotePeer() domain.PeerID {
	return c.remote
}

func (c *dataChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

// Send writes one frame. While more than the high-water mark is buffered it
// waits for the buffer to drain below the low-water mark.
func (c *dataChannel) Send(data []byte) error {
	c.mu.Lock()
	dc, ok := c.dc, c.open && !c.closed
	c.mu.Unlock()
	if !ok || dc == nil {
		return ErrChannelClosed
	}

	for c.high > 0 && dc.BufferedAmount() > c.high {
		select {
		case <-c.low:
		case <-c.done:
			return ErrChannelClosed
		}
	}
	return dc.Send(data)
}

func (c *dataChannel) Close() error {
	c.shutdown()
	return nil
}

// bind attaches the pion data channel, either the one this side created or
// the one announced by the remote peer.
func (c *dataChannel) bind(dc *webrtc.DataChannel) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		dc.Close()
		return
	}
	c.dc = dc
	c.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(c.owner.cfg.BufferedAmountLow)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.low <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(c.markOpen)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.deliver(msg.Data)
	})
	dc.OnError(c.fail)
	dc.OnClose(c.shutdown)
}

func (c *dataChannel) markOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.open {
		return
	}
	c.open = true
	c.enqueueLocked(func(h ports.ChannelHandler) { h.HandleOpen(c) })
}

func (c *dataChannel) deliver(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.enqueueLocked(func(h ports.ChannelHandler) { h.HandleMessage(c, data) })
}

func (c *dataChannel) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.enqueueLocked(func(h ports.ChannelHandler) { h.HandleError(c, err) })
}

func (c *dataChannel) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.open = false
	dc := c.dc
	c.enqueueLocked(func(h ports.ChannelHandler) { h.HandleClose(c) })
	c.finished = true
	close(c.done)
	c.mu.Unlock()

	c.owner.untrack(c)
	go func() {
		if dc != nil {
			dc.Close()
		}
		if err := c.pc.Close(); err != nil {
			c.owner.logger.Debugw("error closing peer connection", "connection_id", c.connectionID, "error", err)
		}
	}()
}

// addCandidate applies a remote candidate, holding it until the remote
// description is known.
func (c *dataChannel) addCandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if !c.remoteSet {
		c.candidates = append(c.candidates, candidate)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(candidate)
}

func (c *dataChannel) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	c.mu.Lock()
	c.remoteSet = true
	pending := c.candidates
	c.candidates = nil
	c.mu.Unlock()

	for _, candidate := range pending {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			return err
		}
	}
	return nil
}

// holdLocal keeps a local candidate back until the offer or answer it
// belongs to has been sent. It reports whether the candidate was held.
func (c *dataChannel) holdLocal(candidate webrtc.ICECandidateInit) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaled {
		return false
	}
	c.local = append(c.local, candidate)
	return true
}

// markSignaled releases the held local candidates.
func (c *dataChannel) markSignaled() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signaled = true
	held := c.local
	c.local = nil
	return held
}

func (c *dataChannel) enqueueLocked(fn func(ports.ChannelHandler)) {
	c.queue = append(c.queue, func() {
		if c.handler != nil {
			fn(c.handler)
		}
	})
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *dataChannel) run() {
	for range c.wake {
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				finished := c.finished
				c.mu.Unlock()
				if finished {
					return
				}
				break
			}
			fn := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			fn()
		}
	}
}
