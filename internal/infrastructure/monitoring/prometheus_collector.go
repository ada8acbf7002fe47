package monitoring

import (
	"time"

	"dropnet/internal/core/domain"
	"dropnet/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Transfer engine
	transfersActive  *prometheus.GaugeVec
	transfersTotal   *prometheus.CounterVec
	transferBytes    *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec
	chunksTotal      *prometheus.CounterVec
	peersConnected   prometheus.Gauge
	connectionsTotal *prometheus.CounterVec
	connectDuration  *prometheus.HistogramVec

	// Signaling server
	signalClients  prometheus.Gauge
	signalMessages *prometheus.CounterVec
	signalRejected *prometheus.CounterVec
}

var (
	_ ports.TransferMetrics  = (*PrometheusCollector)(nil)
	_ ports.SignalingMetrics = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers the collector's metrics with reg. A nil
// reg uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		transfersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dropnet_transfers_active",
			Help: "Number of transfers currently in progress",
		}, []string{"direction"}),

		transfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dropnet_transfers_total",
			Help: "Finished transfers by direction and final status",
		}, []string{"direction", "status"}),

		transferBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dropnet_transfer_bytes_total",
			Help: "Bytes moved in chunk payloads",
		}, []string{"direction"}),

		transferDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dropnet_transfer_duration_seconds",
			Help:    "Duration of finished transfers",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"direction", "status"}),

		chunksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dropnet_chunks_total",
			Help: "Chunks sent or received",
		}, []string{"direction"}),

		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dropnet_peers_connected",
			Help: "Number of peers with an open channel",
		}),

		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dropnet_peer_connections_total",
			Help: "Peer channels opened by direction",
		}, []string{"direction"}),

		connectDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dropnet_peer_connect_duration_seconds",
			Help:    "Time for outbound peer connection attempts to resolve",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"outcome"}),

		signalClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dropnet_signal_clients_connected",
			Help: "WebSocket clients registered with the signaling server",
		}),

		signalMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dropnet_signal_messages_total",
			Help: "Signaling messages routed by type",
		}, []string{"type"}),

		signalRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dropnet_signal_messages_rejected_total",
			Help: "Signaling messages rejected by reason",
		}, []string{"reason"}),
	}
}

func (p *PrometheusCollector) TransferStarted(direction domain.TransferDirection) {
	p.transfersActive.WithLabelValues(string(direction)).Inc()
}

func (p *PrometheusCollector) TransferFinished(direction domain.TransferDirection, status domain.TransferStatus, bytes int64, duration time.Duration) {
	p.transfersActive.WithLabelValues(string(direction)).Dec()
	p.transfersTotal.WithLabelValues(string(direction), string(status)).Inc()
	p.transferDuration.WithLabelValues(string(direction), string(status)).Observe(duration.Seconds())
}

func (p *PrometheusCollector) ChunkSent(bytes int) {
	p.chunksTotal.WithLabelValues(string(domain.TransferOutbound)).Inc()
	p.transferBytes.WithLabelValues(string(domain.TransferOutbound)).Add(float64(bytes))
}

func (p *PrometheusCollector) ChunkReceived(bytes int) {
	p.chunksTotal.WithLabelValues(string(domain.TransferInbound)).Inc()
	p.transferBytes.WithLabelValues(string(domain.TransferInbound)).Add(float64(bytes))
}

func (p *PrometheusCollector) PeerConnected(direction domain.ConnectionDirection) {
	p.peersConnected.Inc()
	p.connectionsTotal.WithLabelValues(string(direction)).Inc()
}

func (p *PrometheusCollector) PeerDisconnected() {
	p.peersConnected.Dec()
}

func (p *PrometheusCollector) ObserveConnect(outcome string, duration time.Duration) {
	p.connectDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (p *PrometheusCollector) ClientConnected() {
	p.signalClients.Inc()
}

func (p *PrometheusCollector) ClientDisconnected() {
	p.signalClients.Dec()
}

func (p *PrometheusCollector) MessageRouted(messageType string) {
	p.signalMessages.WithLabelValues(messageType).Inc()
}

func (p *PrometheusCollector) MessageRejected(reason string) {
	p.signalRejected.WithLabelValues(reason).Inc()
}
