package monitoring

import (
	"peerlink/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.RendezvousMetrics and
// ports.DeliveryMetrics. The server and the chat client each build their own.
type PrometheusCollector struct {
	// rendezvous
	sessionsActive    prometheus.Gauge
	sessionsTotal     prometheus.Counter
	requestsAnnounced prometheus.Counter
	pairings          *prometheus.CounterVec
	relayed           *prometheus.CounterVec
	renameConflicts   prometheus.Counter
	staleAccepts      prometheus.Counter

	// delivery
	queueDepth    prometheus.Gauge
	messagesSent  *prometheus.CounterVec
	messagesAcked prometheus.Counter
	peerStatus    *prometheus.CounterVec
}

// NewPrometheusCollector registers every metric with reg. A nil reg means
// the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peerlink_sessions_active",
			Help: "Number of open rendezvous sessions",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_sessions_total",
			Help: "Total number of rendezvous sessions opened",
		}),
		requestsAnnounced: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_requests_announced_total",
			Help: "Connection requests forwarded to their target",
		}),
		pairings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_pairings_total",
			Help: "Pairing attempts by outcome",
		}, []string{"outcome"}),
		relayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_signals_relayed_total",
			Help: "Negotiation messages relayed between paired peers",
		}, []string{"type"}),
		renameConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_rename_conflicts_total",
			Help: "Username changes refused because the name was taken",
		}),
		staleAccepts: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_stale_accepts_total",
			Help: "Accepts for requests that no longer exist",
		}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peerlink_delivery_queue_depth",
			Help: "Messages waiting for acknowledgement",
		}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_messages_sent_total",
			Help: "Chat messages written to a data channel",
		}, []string{"attempt"}),
		messagesAcked: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_messages_acknowledged_total",
			Help: "Chat messages acknowledged by the remote peer",
		}),
		peerStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_peer_status_changes_total",
			Help: "Peer connection status transitions by new status",
		}, []string{"status"}),
	}
}

func (p *PrometheusCollector) SessionJoined() {
	p.sessionsActive.Inc()
	p.sessionsTotal.Inc()
}

func (p *PrometheusCollector) SessionLeft() {
	p.sessionsActive.Dec()
}

func (p *PrometheusCollector) RequestAnnounced() {
	p.requestsAnnounced.Inc()
}

func (p *PrometheusCollector) PairingStarted() {
	p.pairings.WithLabelValues("started").Inc()
}

func (p *PrometheusCollector) PairingCompleted() {
	p.pairings.WithLabelValues("completed").Inc()
}

func (p *PrometheusCollector) PairingExpired() {
	p.pairings.WithLabelValues("expired").Inc()
}

func (p *PrometheusCollector) MessageRelayed(kind domain.SignalType) {
	p.relayed.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) RenameConflict() {
	p.renameConflicts.Inc()
}

func (p *PrometheusCollector) StaleAccept() {
	p.staleAccepts.Inc()
}

func (p *PrometheusCollector) QueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusCollector) MessageSent(retry bool) {
	attempt := "first"
	if retry {
		attempt = "retry"
	}
	p.messagesSent.WithLabelValues(attempt).Inc()
}

func (p *PrometheusCollector) MessageAcknowledged() {
	p.messagesAcked.Inc()
}

func (p *PrometheusCollector) StatusChanged(status domain.SocketStatus) {
	p.peerStatus.WithLabelValues(status.String()).Inc()
}
