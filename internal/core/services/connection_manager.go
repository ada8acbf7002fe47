package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dropnet/internal/core/codec"
	"dropnet/internal/core/domain"
	"dropnet/internal/core/ports"
	"dropnet/internal/core/protocol"
	"dropnet/pkg/config"
	apperrors "dropnet/pkg/errors"
	"dropnet/pkg/logger"
	"dropnet/pkg/optimize"
	"dropnet/pkg/tracing"
	"dropnet/pkg/validation"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var chunkBuffers = optimize.NewBytePool(codec.ChunkSize)

type ManagerConfig struct {
	SignalingTimeout   time.Duration
	PeerConnectTimeout time.Duration
	// OfferGrace bounds how long a sender waits for the receiver's accept
	// before it starts sending chunks anyway.
	OfferGrace time.Duration
	// ChunkInterval paces chunk sends. Zero disables pacing.
	ChunkInterval time.Duration
	// MaxFileSize bounds incoming offers. Zero means validation.MaxFileSize.
	MaxFileSize int64
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SignalingTimeout:   15 * time.Second,
		PeerConnectTimeout: 10 * time.Second,
		OfferGrace:         500 * time.Millisecond,
		ChunkInterval:      10 * time.Millisecond,
		MaxFileSize:        2 << 30,
	}
}

func NewManagerConfig(cfg *config.Config) ManagerConfig {
	return ManagerConfig{
		SignalingTimeout:   cfg.Network.SignalingTimeout,
		PeerConnectTimeout: cfg.Network.PeerConnectTimeout,
		OfferGrace:         cfg.Transfer.OfferGrace,
		ChunkInterval:      cfg.Transfer.ChunkInterval,
		MaxFileSize:        cfg.Transfer.MaxFileSize,
	}
}

type ManagerOption func(*ConnectionManager)

func WithLogger(logger *zap.SugaredLogger) ManagerOption {
	return func(m *ConnectionManager) { m.logger = logger }
}

func WithEventSink(sink ports.EventSink) ManagerOption {
	return func(m *ConnectionManager) { m.events = sink }
}

func WithTransferMetrics(metrics ports.TransferMetrics) ManagerOption {
	return func(m *ConnectionManager) { m.metrics = metrics }
}

// liveTransfer is a session plus the channel it is bound to.
type liveTransfer struct {
	session    *domain.TransferSession
	channel    ports.Channel
	accepted   chan struct{}
	acceptOnce sync.Once
	cancel     context.CancelFunc
}

func (lt *liveTransfer) markAccepted() {
	lt.acceptOnce.Do(func() { close(lt.accepted) })
}

// pendingDial resolves an outbound connection attempt exactly once. The
// opening channel claims it before registering and finishes it afterwards,
// so a caller woken by done always finds the channel registered.
type pendingDial struct {
	mu      sync.Mutex
	claimed bool
	done    chan struct{}
	err     error
}

func newPendingDial() *pendingDial {
	return &pendingDial{done: make(chan struct{})}
}

// claim reports whether the caller won the right to finish the dial.
func (d *pendingDial) claim() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimed {
		return false
	}
	d.claimed = true
	return true
}

// finish must follow a successful claim.
func (d *pendingDial) finish(err error) {
	d.err = err
	close(d.done)
}

func (d *pendingDial) resolve(err error) bool {
	if !d.claim() {
		return false
	}
	d.finish(err)
	return true
}

// ConnectionManager owns the signaling connection, every peer channel and
// every live transfer of one local peer.
type ConnectionManager struct {
	transport ports.Transport
	cfg       ManagerConfig
	registry  ports.PeerSessionRegistry
	events    ports.EventSink
	metrics   ports.TransferMetrics
	logger    *zap.SugaredLogger
	ctxLog    *logger.ContextLogger

	mu         sync.Mutex
	localID    domain.PeerID
	connected  bool
	generation uint64
	transfers  map[domain.TransferID]*liveTransfer
	dials      map[*pendingDial]struct{}
}

var _ ports.InboundAcceptor = (*ConnectionManager)(nil)

// NewConnectionManager builds a manager over transport. The registry must be
// empty and is owned by the manager from then on.
func NewConnectionManager(transport ports.Transport, registry ports.PeerSessionRegistry, cfg ManagerConfig, opts ...ManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		transport: transport,
		registry:  registry,
		cfg:       cfg,
		transfers: make(map[domain.TransferID]*liveTransfer),
		dials:     make(map[*pendingDial]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.events == nil {
		m.events = ports.EventSinkFunc(func(domain.Event) {})
	}
	if m.metrics == nil {
		m.metrics = noopMetrics{}
	}
	if m.logger == nil {
		m.logger = zap.NewNop().Sugar()
	}
	m.ctxLog = logger.NewContextLogger(m.logger.Desugar())
	return m
}

// transferLog tags lines with the transfer, its peer and the active trace.
func (m *ConnectionManager) transferLog(ctx context.Context, id domain.TransferID, peerID domain.PeerID) *zap.SugaredLogger {
	ctx = logger.WithTransferID(logger.WithPeerID(ctx, string(peerID)), string(id))
	return m.ctxLog.Sugared(logger.WithTraceID(ctx, tracing.TraceID(ctx)))
}

// ConnectToNetwork registers with the signaling service and returns the
// identity it assigned. Calling it while connected returns the current
// identity.
func (m *ConnectionManager) ConnectToNetwork(ctx context.Context) (domain.PeerID, error) {
	m.mu.Lock()
	if m.connected {
		id := m.localID
		m.mu.Unlock()
		return id, nil
	}
	m.mu.Unlock()

	m.status("Connecting to signaling server...")

	connectCtx := ctx
	if m.cfg.SignalingTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, m.cfg.SignalingTimeout)
		defer cancel()
	}

	id, err := m.transport.Connect(connectCtx, m)
	if err != nil {
		m.logger.Warnw("signaling connection failed", "error", err)
		m.status("Failed to connect to network")
		return "", apperrors.NewSignalingUnavailableError(fmt.Errorf("%w: %w", domain.ErrSignalingUnavailable, err))
	}

	m.mu.Lock()
	m.localID = id
	m.connected = true
	m.mu.Unlock()

	m.logger.Infow("connected to signaling network", "peer_id", id)
	m.emit(domain.Event{Kind: domain.EventPeerOpened, PeerID: id})
	m.status("Connected to network")
	return id, nil
}

// AcceptChannel attaches a handler to a channel initiated by a remote peer.
// The channel is registered once it opens.
func (m *ConnectionManager) AcceptChannel(ch ports.Channel) ports.ChannelHandler {
	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()

	m.logger.Debugw("incoming connection", "peer_id", ch.RemotePeer())
	return &channelHandler{m: m, direction: domain.DirectionInbound, generation: gen}
}

// HandleSignalingError surfaces signaling failures that have no pending
// operation to fail.
func (m *ConnectionManager) HandleSignalingError(err error) {
	m.logger.Warnw("signaling error", "error", err)
	m.emit(domain.Event{Kind: domain.EventPeerError, Err: err})
	m.status(fmt.Sprintf("Connection error: %v", err))
}

// ConnectToPeer opens a channel to peerID and waits until it is open, the
// configured bound elapses or ctx ends.
func (m *ConnectionManager) ConnectToPeer(ctx context.Context, peerID domain.PeerID) error {
	m.mu.Lock()
	connected, localID, gen := m.connected, m.localID, m.generation
	m.mu.Unlock()

	if !connected {
		return apperrors.NewNotConnectedError(domain.ErrNotConnected)
	}
	if err := validation.ValidatePeerID(string(peerID)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if peerID == localID {
		return apperrors.NewInvalidInputError("cannot connect to self")
	}
	if m.IsPeerOpen(peerID) {
		return nil
	}

	ctx, span := tracing.TracePeerConnect(ctx, string(localID), string(peerID))
	defer span.End()

	start := time.Now()
	m.status(fmt.Sprintf("Connecting to %s...", peerID))

	dial := newPendingDial()
	m.mu.Lock()
	m.dials[dial] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.dials, dial)
		m.mu.Unlock()
	}()

	handler := &channelHandler{m: m, direction: domain.DirectionOutbound, generation: gen, dial: dial}
	ch, err := m.transport.Dial(peerID, handler)
	if err != nil {
		m.metrics.ObserveConnect("failed", time.Since(start))
		tracing.RecordError(ctx, err)
		m.status(fmt.Sprintf("Failed to connect to %s", peerID))
		return apperrors.NewConnectionFailedError(string(peerID), fmt.Errorf("%w: %w", domain.ErrConnectionFailed, err))
	}

	var timeout <-chan time.Time
	if m.cfg.PeerConnectTimeout > 0 {
		timer := time.NewTimer(m.cfg.PeerConnectTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var abortErr error
	select {
	case <-dial.done:
	case <-timeout:
		abortErr = domain.ErrConnectionTimeout
	case <-ctx.Done():
		abortErr = fmt.Errorf("%w: %w", domain.ErrConnectionTimeout, ctx.Err())
	}

	if abortErr != nil && dial.resolve(abortErr) {
		// The half-open channel must not leak.
		_ = ch.Close()
		m.metrics.ObserveConnect("timeout", time.Since(start))
		tracing.RecordError(ctx, abortErr)
		m.logger.Warnw("peer connection timed out", "peer_id", peerID, "timeout", m.cfg.PeerConnectTimeout)
		m.emit(domain.Event{Kind: domain.EventConnectionError, PeerID: peerID, Err: abortErr})
		m.status(fmt.Sprintf("Failed to connect to %s - peer not found", peerID))
		return apperrors.NewConnectionTimeoutError(string(peerID), abortErr)
	}

	// A channel that claimed the dial finishes it once registered.
	<-dial.done
	if dial.err != nil {
		m.metrics.ObserveConnect("failed", time.Since(start))
		tracing.RecordError(ctx, dial.err)
		m.status(fmt.Sprintf("Failed to connect to %s", peerID))
		return apperrors.NewConnectionFailedError(string(peerID), dial.err)
	}

	m.metrics.ObserveConnect("success", time.Since(start))
	tracing.MeasureDuration(ctx, start, "peer.connect")
	return nil
}

// SendFile offers file to target and streams it as chunks. onProgress, when
// set, receives the running fraction after each chunk is handed to the
// transport.
func (m *ConnectionManager) SendFile(ctx context.Context, file domain.FileSource, target domain.PeerID, id domain.TransferID, onProgress func(float64)) error {
	peer, ok := m.registry.Lookup(target)
	if !ok || !peer.Channel().IsOpen() {
		return apperrors.NewNoActiveConnectionError(string(target), domain.ErrNoActiveConnection)
	}
	if err := validation.ValidateTransferID(string(id)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateFileName(file.Name); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateFileSize(file.Size, validation.MaxFileSize); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if file.Size > 0 && file.Reader == nil {
		return apperrors.NewInvalidInputError("file source has no readable content")
	}

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	session := domain.NewOutboundSession(id, target, file.Name, file.Size)
	lt := &liveTransfer{
		session:  session,
		channel:  peer.Channel(),
		accepted: make(chan struct{}),
		cancel:   cancel,
	}

	m.mu.Lock()
	if _, exists := m.transfers[id]; exists {
		m.mu.Unlock()
		return apperrors.NewDuplicateTransferError(string(id), domain.ErrDuplicateTransfer)
	}
	m.transfers[id] = lt
	m.mu.Unlock()

	ctx, span := tracing.TraceTransfer(sendCtx, string(id), string(target), file.Name, file.Size, session.TotalChunks)
	defer span.End()

	log := m.transferLog(ctx, id, target)
	m.metrics.TransferStarted(domain.TransferOutbound)
	log.Infow("sending file",
		"file_name", file.Name,
		"file_size", file.Size,
		"chunks", session.TotalChunks,
	)
	m.emit(domain.Event{
		Kind:       domain.EventTransferStarted,
		PeerID:     target,
		TransferID: id,
		FileName:   file.Name,
		FileSize:   file.Size,
		Direction:  domain.TransferOutbound,
	})

	fail := func(cause error) error {
		err := m.abortTransfer(lt, cause)
		tracing.RecordError(ctx, err)
		return err
	}

	if err := m.sendMessage(peer, protocol.NewOffer(string(id), file.Name, file.Size)); err != nil {
		return fail(err)
	}

	if m.cfg.OfferGrace > 0 {
		grace := time.NewTimer(m.cfg.OfferGrace)
		select {
		case <-lt.accepted:
		case <-grace.C:
			log.Debugw("no accept within grace period, sending anyway")
		case <-ctx.Done():
		}
		grace.Stop()
	}

	m.mu.Lock()
	err := session.Start()
	m.mu.Unlock()
	if err != nil {
		return fail(err)
	}

	var limiter *rate.Limiter
	if m.cfg.ChunkInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(m.cfg.ChunkInterval), 1)
	}

	// Chunk data is copied into the frame, so read buffers can be recycled.
	splitter := codec.Split(file.Reader, file.Size, codec.ChunkSize).Reuse(chunkBuffers)
	for chunk, err := range splitter.All() {
		if err != nil {
			return fail(err)
		}
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return fail(err)
			}
		}

		msg := protocol.NewChunk(string(id), file.Name, file.Size, chunk.Index, splitter.Total(), chunk.Data)
		if err := m.sendMessage(peer, msg); err != nil {
			return fail(err)
		}
		m.metrics.ChunkSent(len(chunk.Data))

		m.mu.Lock()
		progress, err := session.RecordSent()
		m.mu.Unlock()
		if err != nil {
			return fail(err)
		}

		if onProgress != nil {
			onProgress(progress)
		}
		m.emit(domain.Event{
			Kind:       domain.EventTransferProgress,
			PeerID:     target,
			TransferID: id,
			FileName:   file.Name,
			FileSize:   file.Size,
			Direction:  domain.TransferOutbound,
			Progress:   progress,
		})
	}

	if err := m.sendMessage(peer, protocol.NewComplete(string(id), file.Name, file.Size)); err != nil {
		return fail(err)
	}

	m.mu.Lock()
	err = session.Complete()
	if err == nil {
		delete(m.transfers, id)
	}
	m.mu.Unlock()
	if err != nil {
		return fail(err)
	}

	m.metrics.TransferFinished(domain.TransferOutbound, domain.TransferCompleted, file.Size, time.Since(session.StartedAt))
	log.Infow("file sent", "duration", time.Since(session.StartedAt))
	m.emit(domain.Event{
		Kind:       domain.EventTransferCompleted,
		PeerID:     target,
		TransferID: id,
		FileName:   file.Name,
		FileSize:   file.Size,
		Direction:  domain.TransferOutbound,
		Progress:   1,
	})
	return nil
}

// DisconnectAll closes the signaling connection and every channel, and fails
// every live transfer. It is safe to call at any time, repeatedly.
func (m *ConnectionManager) DisconnectAll() {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = false
	m.localID = ""
	m.generation++
	transfers := m.transfers
	m.transfers = make(map[domain.TransferID]*liveTransfer)
	dials := m.dials
	m.dials = make(map[*pendingDial]struct{})
	m.mu.Unlock()

	for dial := range dials {
		dial.resolve(domain.ErrDisconnected)
	}

	if err := m.transport.Close(); err != nil {
		m.logger.Warnw("failed to close transport", "error", err)
	}

	conns := m.registry.Connections()
	for _, ch := range m.registry.Clear() {
		if err := ch.Close(); err != nil {
			m.logger.Debugw("failed to close channel", "peer_id", ch.RemotePeer(), "error", err)
		}
	}
	for _, conn := range conns {
		m.metrics.PeerDisconnected()
		m.emit(domain.Event{Kind: domain.EventConnectionClosed, PeerID: conn.PeerID})
	}

	for id, lt := range transfers {
		cause := fmt.Errorf("%w: %w", domain.ErrTransferFailed, domain.ErrDisconnected)
		if lt.session.Direction == domain.TransferInbound {
			cause = fmt.Errorf("%w: %w", domain.ErrIncompleteTransfer, domain.ErrDisconnected)
		}
		m.finishFailed(lt, m.transferError(lt.session, cause))
		m.logger.Debugw("transfer aborted by disconnect", "transfer_id", id)
	}

	if wasConnected {
		m.logger.Infow("disconnected from network")
	}
}

func (m *ConnectionManager) LocalPeerID() domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localID
}

func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// OpenPeers lists peers with an open channel in the order they opened.
func (m *ConnectionManager) OpenPeers() []domain.PeerConnection {
	return m.registry.Connections()
}

func (m *ConnectionManager) IsPeerOpen(peerID domain.PeerID) bool {
	s, ok := m.registry.Lookup(peerID)
	return ok && s.Channel().IsOpen()
}

// Session returns a snapshot of a live transfer.
func (m *ConnectionManager) Session(id domain.TransferID) (domain.TransferSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lt, ok := m.transfers[id]
	if !ok {
		return domain.TransferSession{}, false
	}
	return lt.session.Snapshot(), true
}

func (m *ConnectionManager) ActiveTransfers() []domain.TransferSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.TransferSession, 0, len(m.transfers))
	for _, lt := range m.transfers {
		out = append(out, lt.session.Snapshot())
	}
	return out
}

func (m *ConnectionManager) sendMessage(peer ports.PeerSession, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return peer.Send(frame)
}

// replyOn sends on the registry entry that owns ch, falling back to ch itself
// if the entry has been replaced.
func (m *ConnectionManager) replyOn(ch ports.Channel, msg protocol.Message) error {
	if s, ok := m.registry.Lookup(ch.RemotePeer()); ok && s.Channel() == ch {
		return m.sendMessage(s, msg)
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return ch.Send(frame)
}

// abortTransfer fails lt with cause unless it already ended, and returns the
// error the session ended with.
func (m *ConnectionManager) abortTransfer(lt *liveTransfer, cause error) error {
	m.finishFailed(lt, m.transferError(lt.session, fmt.Errorf("%w: %w", domain.ErrTransferFailed, cause)))

	m.mu.Lock()
	defer m.mu.Unlock()
	return lt.session.Err
}

// finishFailed moves lt to failed with err and reports it. It reports false
// if lt had already ended.
func (m *ConnectionManager) finishFailed(lt *liveTransfer, err error) bool {
	m.mu.Lock()
	failErr := lt.session.Fail(err)
	m.mu.Unlock()
	if failErr != nil {
		return false
	}

	m.reportFailed(lt)
	return true
}

// reportFailed removes a failed transfer from the live set and emits
// TransferFailed with the error recorded on the session.
func (m *ConnectionManager) reportFailed(lt *liveTransfer) {
	m.mu.Lock()
	if cur, ok := m.transfers[lt.session.ID]; ok && cur == lt {
		delete(m.transfers, lt.session.ID)
	}
	snap := lt.session.Snapshot()
	m.mu.Unlock()

	if lt.cancel != nil {
		lt.cancel()
	}

	m.metrics.TransferFinished(snap.Direction, domain.TransferFailed, snap.DeclaredSize, time.Since(snap.StartedAt))
	m.logger.Warnw("transfer failed",
		"transfer_id", snap.ID,
		"peer_id", snap.PeerID,
		"direction", snap.Direction,
		"error", snap.Err,
	)
	m.emit(domain.Event{
		Kind:       domain.EventTransferFailed,
		PeerID:     snap.PeerID,
		TransferID: snap.ID,
		FileName:   snap.FileName,
		FileSize:   snap.DeclaredSize,
		Direction:  snap.Direction,
		Progress:   snap.Progress,
		Err:        snap.Err,
	})
}

func (m *ConnectionManager) transferError(s *domain.TransferSession, cause error) error {
	if s.Direction == domain.TransferInbound {
		return apperrors.NewIncompleteTransferError(string(s.ID), string(s.PeerID), cause)
	}
	return apperrors.NewTransferFailedError(string(s.ID), string(s.PeerID), cause)
}

func (m *ConnectionManager) emit(evt domain.Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	m.events.Emit(evt)
}

func (m *ConnectionManager) status(message string) {
	m.emit(domain.Event{Kind: domain.EventStatusUpdate, Message: message})
}

type noopMetrics struct{}

func (noopMetrics) TransferStarted(domain.TransferDirection) {}

func (noopMetrics) TransferFinished(domain.TransferDirection, domain.TransferStatus, int64, time.Duration) {
}

func (noopMetrics) ChunkSent(int) {}

func (noopMetrics) ChunkReceived(int) {}

func (noopMetrics) PeerConnected(domain.ConnectionDirection) {}

func (noopMetrics) PeerDisconnected() {}

func (noopMetrics) ObserveConnect(string, time.Duration) {}
