package services

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dropnet/internal/core/domain"
	"dropnet/internal/core/ports"
	"dropnet/internal/core/protocol"
	"dropnet/internal/infrastructure/loopback"
	"dropnet/internal/infrastructure/repositories/memory"
	apperrors "dropnet/pkg/errors"
	"dropnet/pkg/validation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Emit(evt domain.Event) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
}

func (l *eventLog) all() []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Event(nil), l.events...)
}

func (l *eventLog) ofKind(kind domain.EventKind) []domain.Event {
	var out []domain.Event
	for _, evt := range l.all() {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

func (l *eventLog) statuses() []string {
	var out []string
	for _, evt := range l.ofKind(domain.EventStatusUpdate) {
		out = append(out, evt.Message)
	}
	return out
}

func (l *eventLog) waitStatus(t *testing.T, message string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range l.statuses() {
			if s == message {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond, "no status %q", message)
}

func (l *eventLog) waitFor(t *testing.T, kind domain.EventKind) domain.Event {
	t.Helper()
	var found domain.Event
	require.Eventually(t, func() bool {
		evts := l.ofKind(kind)
		if len(evts) == 0 {
			return false
		}
		found = evts[len(evts)-1]
		return true
	}, 2*time.Second, time.Millisecond, "no %s event", kind)
	return found
}

type node struct {
	id     domain.PeerID
	m      *ConnectionManager
	events *eventLog
}

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		SignalingTimeout:   time.Second,
		PeerConnectTimeout: time.Second,
		OfferGrace:         200 * time.Millisecond,
	}
}

func newNode(t *testing.T, hub *loopback.Hub, id domain.PeerID, cfg ManagerConfig, opts ...ManagerOption) *node {
	t.Helper()

	events := &eventLog{}
	opts = append([]ManagerOption{
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithEventSink(events),
	}, opts...)
	m := NewConnectionManager(hub.NewTransport(loopback.WithPeerID(id)), memory.NewPeerSessionRegistry(), cfg, opts...)
	got, err := m.ConnectToNetwork(context.Background())
	require.NoError(t, err)
	require.Equal(t, id, got)
	t.Cleanup(m.DisconnectAll)

	return &node{id: id, m: m, events: events}
}

func connectedPair(t *testing.T) (*loopback.Hub, *node, *node) {
	t.Helper()

	hub := loopback.NewHub()
	a := newNode(t, hub, "peer-a", testManagerConfig())
	b := newNode(t, hub, "peer-b", testManagerConfig())

	require.NoError(t, a.m.ConnectToPeer(context.Background(), b.id))
	require.Eventually(t, func() bool { return b.m.IsPeerOpen(a.id) }, time.Second, time.Millisecond)
	return hub, a, b
}

func patterned(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

func TestConnectToNetwork(t *testing.T) {
	hub := loopback.NewHub()
	a := newNode(t, hub, "peer-a", testManagerConfig())

	assert.True(t, a.m.IsConnected())
	assert.Equal(t, domain.PeerID("peer-a"), a.m.LocalPeerID())

	again, err := a.m.ConnectToNetwork(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a.id, again)

	opened := a.events.ofKind(domain.EventPeerOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, a.id, opened[0].PeerID)
	assert.Contains(t, a.events.statuses(), "Connected to network")
}

func TestConnectToNetwork_SignalingTimeout(t *testing.T) {
	cfg := testManagerConfig()
	cfg.SignalingTimeout = 20 * time.Millisecond

	hub := loopback.NewHub()
	m := NewConnectionManager(hub.NewTransport(loopback.WithConnectDelay(time.Second)), memory.NewPeerSessionRegistry(), cfg)

	start := time.Now()
	_, err := m.ConnectToNetwork(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSignalingUnavailable)
	assert.Equal(t, apperrors.ErrCodeSignalingUnavailable, apperrors.CodeOf(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, m.IsConnected())
}

func TestConnectToPeer_OpensBothSides(t *testing.T) {
	_, a, b := connectedPair(t)

	assert.True(t, a.m.IsPeerOpen(b.id))
	peers := a.m.OpenPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, b.id, peers[0].PeerID)
	assert.Equal(t, domain.DirectionOutbound, peers[0].Direction)
	assert.Equal(t, "Peer peer-b", peers[0].DisplayLabel)

	inbound := b.m.OpenPeers()
	require.Len(t, inbound, 1)
	assert.Equal(t, domain.DirectionInbound, inbound[0].Direction)

	assert.Contains(t, a.events.statuses(), "Connecting to peer-b...")
	a.events.waitStatus(t, "Connected to peer-b")
	b.events.waitStatus(t, "Peer peer-a connected to you")

	// Already open: no second dial.
	require.NoError(t, a.m.ConnectToPeer(context.Background(), b.id))
	assert.Len(t, a.events.ofKind(domain.EventConnectionOpened), 1)
}

func TestConnectToPeer_NotConnected(t *testing.T) {
	m := NewConnectionManager(loopback.NewHub().NewTransport(), memory.NewPeerSessionRegistry(), testManagerConfig())

	err := m.ConnectToPeer(context.Background(), "peer-b")
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestConnectToPeer_Timeout(t *testing.T) {
	cfg := testManagerConfig()
	cfg.PeerConnectTimeout = 30 * time.Millisecond
	a := newNode(t, loopback.NewHub(), "peer-a", cfg)

	err := a.m.ConnectToPeer(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnectionTimeout)
	assert.Equal(t, apperrors.ErrCodeConnectionTimeout, apperrors.CodeOf(err))
	assert.False(t, a.m.IsPeerOpen("ghost"))
	assert.Empty(t, a.m.OpenPeers())
	assert.Contains(t, a.events.statuses(), "Failed to connect to ghost - peer not found")
}

// stubChannel never opens on its own; tests drive its handler directly.
type stubChannel struct {
	peer   domain.PeerID
	mu     sync.Mutex
	closed bool
}

func (c *stubChannel) RemotePeer() domain.PeerID { return c.peer }
func (c *stubChannel) Send([]byte) error         { return nil }

func (c *stubChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *stubChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

type stubDial struct {
	ch      *stubChannel
	handler ports.ChannelHandler
}

type stubTransport struct {
	id       domain.PeerID
	mu       sync.Mutex
	acceptor ports.InboundAcceptor
	dialed   []stubDial
}

func (tr *stubTransport) Connect(_ context.Context, acceptor ports.InboundAcceptor) (domain.PeerID, error) {
	tr.mu.Lock()
	tr.acceptor = acceptor
	tr.mu.Unlock()
	return tr.id, nil
}

func (tr *stubTransport) Dial(peerID domain.PeerID, handler ports.ChannelHandler) (ports.Channel, error) {
	ch := &stubChannel{peer: peerID}
	tr.mu.Lock()
	tr.dialed = append(tr.dialed, stubDial{ch: ch, handler: handler})
	tr.mu.Unlock()
	return ch, nil
}

func (tr *stubTransport) Close() error { return nil }

func (tr *stubTransport) dials() []stubDial {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]stubDial(nil), tr.dialed...)
}

func (tr *stubTransport) inbound(peerID domain.PeerID) *stubChannel {
	ch := &stubChannel{peer: peerID}
	tr.mu.Lock()
	acceptor := tr.acceptor
	tr.mu.Unlock()
	acceptor.AcceptChannel(ch).HandleOpen(ch)
	return ch
}

func TestConnectToPeer_LateOpenKeepsInboundChannel(t *testing.T) {
	cfg := testManagerConfig()
	cfg.PeerConnectTimeout = 30 * time.Millisecond
	tr := &stubTransport{id: "peer-a"}
	events := &eventLog{}
	m := NewConnectionManager(tr, memory.NewPeerSessionRegistry(), cfg,
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithEventSink(events),
	)
	_, err := m.ConnectToNetwork(context.Background())
	require.NoError(t, err)
	t.Cleanup(m.DisconnectAll)

	errs := make(chan error, 1)
	go func() { errs <- m.ConnectToPeer(context.Background(), "peer-b") }()
	require.Eventually(t, func() bool { return len(tr.dials()) == 1 }, time.Second, time.Millisecond)

	// peer-b reaches us first while our own dial is still negotiating.
	inbound := tr.inbound("peer-b")
	assert.ErrorIs(t, <-errs, domain.ErrConnectionTimeout)

	out := tr.dials()[0]
	out.handler.HandleOpen(out.ch)
	out.handler.HandleClose(out.ch)

	assert.False(t, out.ch.IsOpen())
	assert.True(t, inbound.IsOpen())
	assert.True(t, m.IsPeerOpen("peer-b"))
	peers := m.OpenPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, domain.DirectionInbound, peers[0].Direction)
	assert.Len(t, events.ofKind(domain.EventConnectionOpened), 1)
	assert.Empty(t, events.ofKind(domain.EventConnectionClosed))
}

func TestConnectToPeer_OpenRegistersBeforeReturning(t *testing.T) {
	tr := &stubTransport{id: "peer-a"}
	m := NewConnectionManager(tr, memory.NewPeerSessionRegistry(), testManagerConfig())
	_, err := m.ConnectToNetwork(context.Background())
	require.NoError(t, err)
	t.Cleanup(m.DisconnectAll)

	errs := make(chan error, 1)
	go func() { errs <- m.ConnectToPeer(context.Background(), "peer-b") }()
	require.Eventually(t, func() bool { return len(tr.dials()) == 1 }, time.Second, time.Millisecond)

	out := tr.dials()[0]
	out.handler.HandleOpen(out.ch)
	require.NoError(t, <-errs)
	assert.True(t, m.IsPeerOpen("peer-b"))
	assert.True(t, out.ch.IsOpen())
}

func TestConnectToPeer_ContextCancelled(t *testing.T) {
	a := newNode(t, loopback.NewHub(), "peer-a", testManagerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.m.ConnectToPeer(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrConnectionTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendFile_LogsCarryTransferAndPeer(t *testing.T) {
	hub := loopback.NewHub()
	sendCore, sendLogs := observer.New(zapcore.InfoLevel)
	recvCore, recvLogs := observer.New(zapcore.InfoLevel)
	a := newNode(t, hub, "peer-a", testManagerConfig(), WithLogger(zap.New(sendCore).Sugar()))
	b := newNode(t, hub, "peer-b", testManagerConfig(), WithLogger(zap.New(recvCore).Sugar()))
	require.NoError(t, a.m.ConnectToPeer(context.Background(), b.id))
	require.Eventually(t, func() bool { return b.m.IsPeerOpen(a.id) }, time.Second, time.Millisecond)

	require.NoError(t, a.m.SendFile(context.Background(), domain.BytesFile("a.bin", patterned(1000)), b.id, "t-log", nil))
	b.events.waitFor(t, domain.EventTransferCompleted)

	for _, msg := range []string{"sending file", "file sent"} {
		entries := sendLogs.FilterMessage(msg).All()
		require.Len(t, entries, 1, msg)
		fields := entries[0].ContextMap()
		assert.Equal(t, "t-log", fields["transfer_id"], msg)
		assert.Equal(t, "peer-b", fields["peer_id"], msg)
	}

	entries := recvLogs.FilterMessage("receiving file").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "t-log", fields["transfer_id"])
	assert.Equal(t, "peer-a", fields["peer_id"])
	assert.Equal(t, "a.bin", fields["file_name"])
}

func TestSendFile_ThreeChunks(t *testing.T) {
	_, a, b := connectedPair(t)
	data := patterned(40000)

	var progress []float64
	err := a.m.SendFile(context.Background(), domain.BytesFile("a.bin", data), b.id, "t-1", func(p float64) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	require.Len(t, progress, 3)
	assert.InDelta(t, 1.0/3, progress[0], 1e-9)
	assert.InDelta(t, 2.0/3, progress[1], 1e-9)
	assert.Equal(t, 1.0, progress[2])

	done := b.events.waitFor(t, domain.EventTransferCompleted)
	require.NotNil(t, done.File)
	assert.Equal(t, domain.TransferID("t-1"), done.File.TransferID)
	assert.Equal(t, a.id, done.File.PeerID)
	assert.Equal(t, "a.bin", done.File.FileName)
	assert.True(t, bytes.Equal(data, done.File.Data))

	var received []float64
	for _, evt := range b.events.ofKind(domain.EventTransferProgress) {
		received = append(received, evt.Progress)
	}
	require.Len(t, received, 3)
	assert.Equal(t, 1.0, received[2])

	started := b.events.ofKind(domain.EventTransferStarted)
	require.Len(t, started, 1)
	assert.Equal(t, domain.TransferInbound, started[0].Direction)
	assert.Equal(t, int64(40000), started[0].FileSize)

	sent := a.events.waitFor(t, domain.EventTransferCompleted)
	assert.Equal(t, domain.TransferOutbound, sent.Direction)
	assert.Empty(t, a.m.ActiveTransfers())
	assert.Empty(t, b.m.ActiveTransfers())
}

func TestSendFile_ZeroBytes(t *testing.T) {
	_, a, b := connectedPair(t)

	calls := 0
	err := a.m.SendFile(context.Background(), domain.BytesFile("empty.txt", nil), b.id, "t-empty", func(float64) {
		calls++
	})
	require.NoError(t, err)
	assert.Zero(t, calls)

	done := b.events.waitFor(t, domain.EventTransferCompleted)
	require.NotNil(t, done.File)
	assert.Empty(t, done.File.Data)
	assert.Equal(t, "empty.txt", done.File.FileName)
}

type countingReader struct {
	reads atomic.Int32
}

func (r *countingReader) ReadAt(p []byte, off int64) (int, error) {
	r.reads.Add(1)
	return len(p), nil
}

func TestSendFile_NoActiveConnection(t *testing.T) {
	a := newNode(t, loopback.NewHub(), "peer-a", testManagerConfig())

	src := &countingReader{}
	err := a.m.SendFile(context.Background(), domain.NewFileSource("x.bin", 100000, src), "peer-b", "t-2", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoActiveConnection)
	assert.Equal(t, apperrors.ErrCodeNoActiveConnection, apperrors.CodeOf(err))
	assert.Zero(t, src.reads.Load())
	assert.Empty(t, a.events.ofKind(domain.EventTransferStarted))
}

func TestSendFile_DuplicateTransferID(t *testing.T) {
	_, a, b := connectedPair(t)

	release := make(chan struct{})
	errs := make(chan error, 1)
	go func() {
		errs <- a.m.SendFile(context.Background(), domain.BytesFile("a.bin", patterned(40000)), b.id, "t-dup", func(float64) {
			<-release
		})
	}()

	require.Eventually(t, func() bool {
		_, ok := a.m.Session("t-dup")
		return ok
	}, time.Second, time.Millisecond)

	err := a.m.SendFile(context.Background(), domain.BytesFile("b.bin", []byte("x")), b.id, "t-dup", nil)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))
	assert.ErrorIs(t, err, domain.ErrDuplicateTransfer)

	close(release)
	require.NoError(t, <-errs)
}

func TestSendFile_ChannelClosedMidTransfer(t *testing.T) {
	hub, a, b := connectedPair(t)

	err := a.m.SendFile(context.Background(), domain.BytesFile("a.bin", patterned(40000)), b.id, "t-3", func(p float64) {
		if p > 0.5 && p < 1 {
			hub.Sever(a.id, b.id)
		}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)

	failed := b.events.waitFor(t, domain.EventTransferFailed)
	assert.Equal(t, domain.TransferID("t-3"), failed.TransferID)
	assert.ErrorIs(t, failed.Err, domain.ErrIncompleteTransfer)
	assert.Equal(t, apperrors.ErrCodeIncompleteTransfer, apperrors.CodeOf(failed.Err))
	assert.InDelta(t, 2.0/3, failed.Progress, 1e-9)
	assert.Empty(t, b.events.ofKind(domain.EventTransferCompleted))

	b.events.waitStatus(t, "Peer peer-a disconnected")
	assert.Eventually(t, func() bool { return len(a.m.OpenPeers()) == 0 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(a.events.ofKind(domain.EventTransferFailed)) == 1
	}, time.Second, time.Millisecond)
}

func TestSendFile_ContextCancelled(t *testing.T) {
	_, a, b := connectedPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	err := a.m.SendFile(ctx, domain.BytesFile("a.bin", patterned(40000)), b.id, "t-4", func(p float64) {
		cancel()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, apperrors.ErrCodeTransferFailed, apperrors.CodeOf(err))
	assert.Len(t, a.events.ofKind(domain.EventTransferFailed), 1)
}

func TestSendFile_InvalidInput(t *testing.T) {
	_, a, b := connectedPair(t)

	err := a.m.SendFile(context.Background(), domain.BytesFile("../etc/passwd", []byte("x")), b.id, "t-5", nil)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))

	err = a.m.SendFile(context.Background(), domain.BytesFile("ok.txt", []byte("x")), b.id, "bad id!", nil)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))
}

func TestSendFile_BothDirectionsConcurrently(t *testing.T) {
	_, a, b := connectedPair(t)
	toB, toA := patterned(50000), patterned(33000)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- a.m.SendFile(context.Background(), domain.BytesFile("to-b.bin", toB), b.id, "t-ab", nil)
	}()
	go func() {
		defer wg.Done()
		errs <- b.m.SendFile(context.Background(), domain.BytesFile("to-a.bin", toA), a.id, "t-ba", nil)
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		for _, evt := range b.events.ofKind(domain.EventTransferCompleted) {
			if evt.File != nil && bytes.Equal(evt.File.Data, toB) {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		for _, evt := range a.events.ofKind(domain.EventTransferCompleted) {
			if evt.File != nil && bytes.Equal(evt.File.Data, toA) {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
}

// sendHeader writes a header-only frame without validating it first.
func sendHeader(t *testing.T, from *node, to domain.PeerID, msg protocol.Message) {
	t.Helper()
	peer, ok := from.m.registry.Lookup(to)
	require.True(t, ok)

	header, err := json.Marshal(msg)
	require.NoError(t, err)
	frame := make([]byte, 4+len(header))
	binary.BigEndian.PutUint32(frame, uint32(len(header)))
	copy(frame[4:], header)
	require.NoError(t, peer.Send(frame))
}

func TestInboundOffer_HugeDeclaredSize(t *testing.T) {
	_, a, b := connectedPair(t)

	// Beyond what any frame may declare: dropped as malformed.
	sendHeader(t, a, b.id, protocol.NewOffer("t-max", "big.bin", math.MaxInt64))
	sendHeader(t, a, b.id, protocol.NewComplete("t-max", "big.bin", math.MaxInt64))

	// Within the frame limit, so a session exists, but no chunk ever came.
	sendHeader(t, a, b.id, protocol.NewOffer("t-big", "big.bin", validation.MaxFileSize))
	sendHeader(t, a, b.id, protocol.NewComplete("t-big", "big.bin", validation.MaxFileSize))

	failed := b.events.waitFor(t, domain.EventTransferFailed)
	assert.Equal(t, domain.TransferID("t-big"), failed.TransferID)
	assert.ErrorIs(t, failed.Err, domain.ErrIncompleteTransfer)
	assert.Len(t, b.events.ofKind(domain.EventTransferStarted), 1)
	assert.Empty(t, b.events.ofKind(domain.EventTransferCompleted))
	assert.Empty(t, b.m.ActiveTransfers())
	assert.True(t, b.m.IsPeerOpen(a.id))
}

func TestInboundOffer_OverConfiguredLimit(t *testing.T) {
	hub := loopback.NewHub()
	a := newNode(t, hub, "peer-a", testManagerConfig())
	cfg := testManagerConfig()
	cfg.MaxFileSize = 1000
	b := newNode(t, hub, "peer-b", cfg)

	require.NoError(t, a.m.ConnectToPeer(context.Background(), b.id))
	require.Eventually(t, func() bool { return b.m.IsPeerOpen(a.id) }, time.Second, time.Millisecond)

	// The protocol has no rejection message; the sender's chunks are dropped.
	require.NoError(t, a.m.SendFile(context.Background(), domain.BytesFile("big.bin", patterned(40000)), b.id, "t-big", nil))
	b.events.waitStatus(t, "Rejected big.bin from peer-a: too large")
	assert.Empty(t, b.events.ofKind(domain.EventTransferStarted))
	assert.Empty(t, b.m.ActiveTransfers())

	require.NoError(t, a.m.SendFile(context.Background(), domain.BytesFile("small.bin", patterned(1000)), b.id, "t-small", nil))
	done := b.events.waitFor(t, domain.EventTransferCompleted)
	assert.Equal(t, domain.TransferID("t-small"), done.TransferID)
	assert.Equal(t, patterned(1000), done.File.Data)
}

func TestSendFile_RejectsSizeBeyondFrameLimit(t *testing.T) {
	_, a, b := connectedPair(t)
	err := a.m.SendFile(context.Background(), domain.NewFileSource("huge.bin", validation.MaxFileSize+1, bytes.NewReader(nil)), b.id, "t-huge", nil)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))
	assert.Empty(t, b.events.ofKind(domain.EventTransferStarted))
}

func TestChannelError_Reported(t *testing.T) {
	hub, a, b := connectedPair(t)

	hub.InjectError(a.id, b.id, errors.New("ice failed"))
	evt := a.events.waitFor(t, domain.EventConnectionError)
	assert.Equal(t, b.id, evt.PeerID)
	assert.EqualError(t, evt.Err, "ice failed")
	a.events.waitStatus(t, "Connection error with peer-b")
}

func TestDisconnectAll(t *testing.T) {
	t.Run("never connected", func(t *testing.T) {
		m := NewConnectionManager(loopback.NewHub().NewTransport(), memory.NewPeerSessionRegistry(), testManagerConfig())
		m.DisconnectAll()
		m.DisconnectAll()
		assert.False(t, m.IsConnected())
		assert.Empty(t, m.LocalPeerID())
	})

	t.Run("closes channels and fails live transfers", func(t *testing.T) {
		_, a, b := connectedPair(t)

		release := make(chan struct{})
		errs := make(chan error, 1)
		go func() {
			errs <- a.m.SendFile(context.Background(), domain.BytesFile("a.bin", patterned(40000)), b.id, "t-6", func(float64) {
				<-release
			})
		}()
		require.Eventually(t, func() bool { return len(b.events.ofKind(domain.EventTransferProgress)) > 0 },
			time.Second, time.Millisecond)

		b.m.DisconnectAll()
		close(release)

		assert.False(t, b.m.IsConnected())
		assert.Empty(t, b.m.OpenPeers())
		assert.Empty(t, b.m.ActiveTransfers())

		failed := b.events.ofKind(domain.EventTransferFailed)
		require.Len(t, failed, 1)
		assert.ErrorIs(t, failed[0].Err, domain.ErrDisconnected)
		assert.ErrorIs(t, failed[0].Err, domain.ErrIncompleteTransfer)
		assert.Len(t, b.events.ofKind(domain.EventConnectionClosed), 1)

		assert.ErrorIs(t, <-errs, domain.ErrTransferFailed)
		a.events.waitFor(t, domain.EventConnectionClosed)

		// A fresh connection works after a full teardown.
		id, err := b.m.ConnectToNetwork(context.Background())
		require.NoError(t, err)
		assert.Equal(t, b.id, id)
	})
}
