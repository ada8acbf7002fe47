package services

import (
	"context"
	"sync"
	"time"

	"dropnet/internal/core/domain"
	"dropnet/internal/core/ports"
	apperrors "dropnet/pkg/errors"
	"dropnet/pkg/utils"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TransportFactory builds a fresh transport for each Connect.
type TransportFactory func() (ports.Transport, error)

// RegistryFactory builds the peer session registry of each new manager.
type RegistryFactory func() ports.PeerSessionRegistry

type OrchestratorOption func(*TransferOrchestrator)

func WithOrchestratorLogger(logger *zap.SugaredLogger) OrchestratorOption {
	return func(o *TransferOrchestrator) { o.logger = logger }
}

func WithOrchestratorMetrics(metrics ports.TransferMetrics) OrchestratorOption {
	return func(o *TransferOrchestrator) { o.metrics = metrics }
}

type subscriber struct {
	ch   chan domain.Event
	done chan struct{}
	once sync.Once
}

// TransferOrchestrator is the caller-facing entry point. It owns at most one
// ConnectionManager at a time, keeps the list of transfers the caller sees,
// and fans engine events out to subscribers.
type TransferOrchestrator struct {
	factory    TransportFactory
	registries RegistryFactory
	cfg        ManagerConfig
	logger     *zap.SugaredLogger
	metrics    ports.TransferMetrics

	mu         sync.Mutex
	manager    *ConnectionManager
	connecting bool
	status     string
	records    []*domain.TransferRecord

	// deliverMu orders event delivery across emitting goroutines.
	deliverMu sync.Mutex
	subs      map[*subscriber]struct{}
}

var _ ports.EventSink = (*TransferOrchestrator)(nil)

func NewTransferOrchestrator(factory TransportFactory, registries RegistryFactory, cfg ManagerConfig, opts ...OrchestratorOption) *TransferOrchestrator {
	o := &TransferOrchestrator{
		factory:    factory,
		registries: registries,
		cfg:        cfg,
		status:     "Disconnected",
		subs:       make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop().Sugar()
	}
	if o.metrics == nil {
		o.metrics = noopMetrics{}
	}
	return o
}

// Connect joins the signaling network with a new transport. While connected
// it returns the current identity.
func (o *TransferOrchestrator) Connect(ctx context.Context) (domain.PeerID, error) {
	o.mu.Lock()
	if o.manager != nil {
		m := o.manager
		o.mu.Unlock()
		return m.LocalPeerID(), nil
	}
	if o.connecting {
		o.mu.Unlock()
		return "", apperrors.NewConflictError("connection already in progress")
	}
	o.connecting = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.connecting = false
		o.mu.Unlock()
	}()

	transport, err := o.factory()
	if err != nil {
		o.logger.Errorw("failed to create transport", "error", err)
		return "", apperrors.NewSignalingUnavailableError(err)
	}

	m := NewConnectionManager(transport, o.registries(), o.cfg,
		WithLogger(o.logger),
		WithEventSink(o),
		WithTransferMetrics(o.metrics),
	)
	id, err := m.ConnectToNetwork(ctx)
	if err != nil {
		m.DisconnectAll()
		return "", err
	}

	o.mu.Lock()
	o.manager = m
	o.mu.Unlock()
	return id, nil
}

// Disconnect tears down the current manager. Transfer records are kept.
func (o *TransferOrchestrator) Disconnect() {
	o.mu.Lock()
	m := o.manager
	o.manager = nil
	o.mu.Unlock()

	if m == nil {
		return
	}
	m.DisconnectAll()
	o.Emit(domain.Event{Kind: domain.EventStatusUpdate, Message: "Disconnected"})
}

// Close disconnects and ends every subscription.
func (o *TransferOrchestrator) Close() {
	o.Disconnect()

	o.deliverMu.Lock()
	subs := o.subs
	o.subs = make(map[*subscriber]struct{})
	o.deliverMu.Unlock()

	for sub := range subs {
		sub.once.Do(func() { close(sub.done) })
	}
	o.deliverMu.Lock()
	for sub := range subs {
		close(sub.ch)
	}
	o.deliverMu.Unlock()
}

func (o *TransferOrchestrator) ConnectToPeer(ctx context.Context, peerID domain.PeerID) error {
	m := o.current()
	if m == nil {
		return apperrors.NewNotConnectedError(domain.ErrNotConnected)
	}
	return m.ConnectToPeer(ctx, peerID)
}

func (o *TransferOrchestrator) ListPeers() []domain.PeerConnection {
	m := o.current()
	if m == nil {
		return nil
	}
	return m.OpenPeers()
}

func (o *TransferOrchestrator) MyPeerID() domain.PeerID {
	m := o.current()
	if m == nil {
		return ""
	}
	return m.LocalPeerID()
}

func (o *TransferOrchestrator) IsConnected() bool {
	m := o.current()
	return m != nil && m.IsConnected()
}

// Status is the most recent human-readable status line.
func (o *TransferOrchestrator) Status() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// SendFiles sends files to target one after another. Every file gets a
// record; a failure does not stop the remaining files, and all failures are
// returned together.
func (o *TransferOrchestrator) SendFiles(ctx context.Context, files []domain.FileSource, target domain.PeerID) ([]domain.TransferID, error) {
	m := o.current()
	if m == nil {
		return nil, apperrors.NewNotConnectedError(domain.ErrNotConnected)
	}
	if !m.IsPeerOpen(target) {
		return nil, apperrors.NewNoActiveConnectionError(string(target), domain.ErrNoActiveConnection)
	}

	ids := make([]domain.TransferID, len(files))
	o.mu.Lock()
	for i, f := range files {
		ids[i] = domain.TransferID(utils.GenerateTransferID())
		o.records = append(o.records, &domain.TransferRecord{
			ID:        ids[i],
			Name:      f.Name,
			Size:      f.Size,
			Status:    domain.TransferPending,
			Direction: domain.TransferOutbound,
			PeerID:    target,
			UpdatedAt: time.Now(),
		})
	}
	o.mu.Unlock()

	var errs error
	for i, f := range files {
		id := ids[i]
		err := m.SendFile(ctx, f, target, id, func(p float64) {
			o.updateRecord(id, func(r *domain.TransferRecord) {
				r.Status = domain.TransferTransferring
				r.Progress = p
			})
		})

		if err != nil {
			o.logger.Warnw("file send failed", "transfer_id", id, "file_name", f.Name, "error", err)
			o.updateRecord(id, func(r *domain.TransferRecord) {
				r.Status = domain.TransferFailed
				r.Err = err
			})
			errs = multierr.Append(errs, err)
			continue
		}

		o.updateRecord(id, func(r *domain.TransferRecord) {
			r.Status = domain.TransferCompleted
			r.Progress = 1
		})
	}
	return ids, errs
}

// Transfers lists transfer records, oldest first.
func (o *TransferOrchestrator) Transfers() []domain.TransferRecord {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]domain.TransferRecord, len(o.records))
	for i, r := range o.records {
		out[i] = *r
	}
	return out
}

// RemoveTransfer drops a record from the list. It does not stop a transfer
// that is still running.
func (o *TransferOrchestrator) RemoveTransfer(id domain.TransferID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, r := range o.records {
		if r.ID == id {
			o.records = append(o.records[:i], o.records[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribe returns a channel receiving every event in emission order and a
// function that ends the subscription. A subscriber that stops reading
// without unsubscribing stalls the engine.
func (o *TransferOrchestrator) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	sub := &subscriber{
		ch:   make(chan domain.Event, buffer),
		done: make(chan struct{}),
	}

	o.deliverMu.Lock()
	o.subs[sub] = struct{}{}
	o.deliverMu.Unlock()

	unsubscribe := func() {
		sub.once.Do(func() {
			close(sub.done)

			o.deliverMu.Lock()
			if _, ok := o.subs[sub]; ok {
				delete(o.subs, sub)
				close(sub.ch)
			}
			o.deliverMu.Unlock()
		})
	}
	return sub.ch, unsubscribe
}

// Emit records the event's effect on status and inbound transfer records,
// then delivers it to every subscriber.
func (o *TransferOrchestrator) Emit(evt domain.Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	o.apply(evt)

	o.deliverMu.Lock()
	defer o.deliverMu.Unlock()

	for sub := range o.subs {
		select {
		case sub.ch <- evt:
		case <-sub.done:
		}
	}
}

func (o *TransferOrchestrator) apply(evt domain.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if evt.Kind == domain.EventStatusUpdate {
		o.status = evt.Message
		return
	}
	if !evt.IsTransferEvent() || evt.Direction != domain.TransferInbound {
		return
	}

	rec := o.findLocked(evt.TransferID)
	if rec == nil {
		if evt.Kind != domain.EventTransferStarted {
			return
		}
		rec = &domain.TransferRecord{
			ID:        evt.TransferID,
			Name:      evt.FileName,
			Size:      evt.FileSize,
			Status:    domain.TransferPending,
			Direction: domain.TransferInbound,
			PeerID:    evt.PeerID,
		}
		o.records = append(o.records, rec)
	}

	switch evt.Kind {
	case domain.EventTransferProgress:
		rec.Status = domain.TransferTransferring
		rec.Progress = evt.Progress
	case domain.EventTransferCompleted:
		rec.Status = domain.TransferCompleted
		rec.Progress = 1
	case domain.EventTransferFailed:
		rec.Status = domain.TransferFailed
		rec.Err = evt.Err
	}
	rec.UpdatedAt = evt.Time
}

func (o *TransferOrchestrator) updateRecord(id domain.TransferID, fn func(*domain.TransferRecord)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if rec := o.findLocked(id); rec != nil {
		fn(rec)
		rec.UpdatedAt = time.Now()
	}
}

func (o *TransferOrchestrator) findLocked(id domain.TransferID) *domain.TransferRecord {
	for _, r := range o.records {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (o *TransferOrchestrator) current() *ConnectionManager {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.manager
}
