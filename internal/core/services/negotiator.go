package services

import (
	"context"
	"encoding/json"
	"fmt"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PeerConnectionRefs is the confirmed connection to one peer.
type PeerConnectionRefs struct {
	ID                 domain.DeviceIdentifier
	transport          ports.PeerTransport
	lastRecordedStatus domain.SocketStatus
	failed             bool
}

func (r *PeerConnectionRefs) LastRecordedStatus() domain.SocketStatus { return r.lastRecordedStatus }

// activeNegotiation is the single in-flight offer/answer exchange.
type activeNegotiation struct {
	peer            domain.DeviceIdentifier
	refs            *PeerConnectionRefs
	shouldSendOffer bool
	remoteApplied   bool
	candidateBuffer []json.RawMessage
}

// Negotiator drives the offer/answer/candidate exchange for every peer and
// derives a coarse status per peer. All methods must run on the event loop;
// transport callbacks are posted back to it through post.
type Negotiator struct {
	factory ports.TransportFactory
	link    ports.RendezvousLink
	post    func(func())
	label   string

	connections map[string]*PeerConnectionRefs
	active      *activeNegotiation

	onStatusChange func(peer domain.DeviceIdentifier, status domain.SocketStatus)
	onMessage      func(peer domain.DeviceIdentifier, data []byte)
	logger         *zap.SugaredLogger
}

func NewNegotiator(factory ports.TransportFactory, link ports.RendezvousLink, post func(func()), label string, logger *zap.SugaredLogger) *Negotiator {
	return &Negotiator{
		factory:        factory,
		link:           link,
		post:           post,
		label:          label,
		connections:    make(map[string]*PeerConnectionRefs),
		onStatusChange: func(domain.DeviceIdentifier, domain.SocketStatus) {},
		onMessage:      func(domain.DeviceIdentifier, []byte) {},
		logger:         logger,
	}
}

// OnStatusChange registers the transition callback. It fires once per
// change, after the new status has been recorded.
func (n *Negotiator) OnStatusChange(fn func(peer domain.DeviceIdentifier, status domain.SocketStatus)) {
	n.onStatusChange = fn
}

func (n *Negotiator) OnMessage(fn func(peer domain.DeviceIdentifier, data []byte)) {
	n.onMessage = fn
}

// ActivePeer reports the peer of the in-flight negotiation.
func (n *Negotiator) ActivePeer() (domain.DeviceIdentifier, bool) {
	if n.active == nil {
		return domain.DeviceIdentifier{}, false
	}
	return n.active.peer, true
}

// Peers lists every peer with a confirmed connection.
func (n *Negotiator) Peers() []domain.DeviceIdentifier {
	out := make([]domain.DeviceIdentifier, 0, len(n.connections))
	for _, refs := range n.connections {
		out = append(out, refs.ID)
	}
	return out
}

// StartNegotiation replaces any connection to peer with a fresh one and
// begins the exchange. The offering side opens the data channel.
func (n *Negotiator) StartNegotiation(peer domain.DeviceIdentifier, shouldSendOffer bool) (err error) {
	key := peer.String()
	ctx, span := tracing.TraceNegotiation(context.Background(), "start", key)
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	if old, ok := n.connections[key]; ok {
		delete(n.connections, key)
		n.closeTransport(old)
	}
	if n.active != nil && n.active.refs != nil && !n.active.peer.Equal(peer) {
		n.logger.Infow("replacing active negotiation", "old_peer", n.active.peer.String(), "peer", peer.String())
		n.abandonActive()
	}

	refs := &PeerConnectionRefs{ID: peer, lastRecordedStatus: domain.SocketDisconnected}
	n.active = &activeNegotiation{peer: peer, refs: refs, shouldSendOffer: shouldSendOffer}

	transport, err := n.factory.NewTransport(n.eventsFor(refs))
	if err != nil {
		n.active = nil
		return fmt.Errorf("create transport for %s: %w", peer, err)
	}
	refs.transport = transport
	n.connections[key] = refs
	n.logger.Infow("negotiation started", "peer", key, "offering", shouldSendOffer)
	n.poll(refs)

	if !shouldSendOffer {
		return nil
	}
	if err := transport.OpenDataChannel(n.label); err != nil {
		return n.fail(refs, fmt.Errorf("open data channel: %w", err))
	}
	offer, err := transport.CreateOffer()
	if err != nil {
		return n.fail(refs, fmt.Errorf("create offer: %w", err))
	}
	if n.active == nil || n.active.refs != refs {
		// superseded while the offer was being created
		return nil
	}
	return n.link.Send(domain.ICEOffer{Data: offer})
}

// HandleOffer applies a remote offer and answers it.
func (n *Negotiator) HandleOffer(offer json.RawMessage) error {
	if n.active == nil || n.active.shouldSendOffer {
		return fmt.Errorf("%w: unexpected offer", domain.ErrNoActiveNegotiation)
	}
	refs := n.active.refs
	if err := n.applyRemote(offer); err != nil {
		return n.fail(refs, err)
	}
	answer, err := refs.transport.CreateAnswer()
	if err != nil {
		return n.fail(refs, fmt.Errorf("create answer: %w", err))
	}
	if n.active == nil || n.active.refs != refs {
		return nil
	}
	return n.link.Send(domain.ICEAnswer{Data: answer})
}

// HandleAnswer applies the remote answer to our offer.
func (n *Negotiator) HandleAnswer(answer json.RawMessage) error {
	if n.active == nil || !n.active.shouldSendOffer {
		return fmt.Errorf("%w: unexpected answer", domain.ErrNoActiveNegotiation)
	}
	if n.active.remoteApplied {
		return fmt.Errorf("%w: duplicate answer", domain.ErrNoActiveNegotiation)
	}
	if err := n.applyRemote(answer); err != nil {
		return n.fail(n.active.refs, err)
	}
	return nil
}

// HandleCandidate applies a remote candidate, or buffers it until the
// remote description is in place.
func (n *Negotiator) HandleCandidate(candidate json.RawMessage) error {
	if n.active == nil {
		return fmt.Errorf("%w: candidate", domain.ErrNoActiveNegotiation)
	}
	if !n.active.remoteApplied {
		n.active.candidateBuffer = append(n.active.candidateBuffer, candidate)
		return nil
	}
	if err := n.active.refs.transport.AddICECandidate(candidate); err != nil {
		n.logger.Warnw("failed to add remote candidate", "peer", n.active.peer.String(), "error", err)
	}
	return nil
}

// applyRemote sets the remote description and flushes buffered candidates
// in receipt order, exactly once.
func (n *Negotiator) applyRemote(desc json.RawMessage) error {
	a := n.active
	if err := a.refs.transport.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	a.remoteApplied = true
	buffered := a.candidateBuffer
	a.candidateBuffer = nil
	for _, c := range buffered {
		if err := a.refs.transport.AddICECandidate(c); err != nil {
			n.logger.Warnw("failed to add buffered candidate", "peer", a.peer.String(), "error", err)
		}
	}
	return nil
}

// Status repolls the connection to peer.
func (n *Negotiator) Status(peer domain.DeviceIdentifier) domain.SocketStatus {
	refs, ok := n.connections[peer.String()]
	if !ok {
		if n.active != nil && n.active.peer.Equal(peer) {
			return domain.SocketConnecting
		}
		return domain.SocketDisconnected
	}
	return n.poll(refs)
}

// PollAll repolls every connection; status changes fire their callbacks.
func (n *Negotiator) PollAll() {
	for _, refs := range n.connections {
		n.poll(refs)
	}
}

// Send writes data to the open data channel of peer.
func (n *Negotiator) Send(peer domain.DeviceIdentifier, data []byte) error {
	refs, ok := n.connections[peer.String()]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNoConnection, peer)
	}
	return refs.transport.Send(data)
}

// Close tears down the connection to peer. It is idempotent.
func (n *Negotiator) Close(peer domain.DeviceIdentifier) {
	key := peer.String()
	refs, ok := n.connections[key]
	if n.active != nil && n.active.peer.Equal(peer) {
		n.active = nil
	}
	if !ok {
		return
	}
	delete(n.connections, key)
	n.closeTransport(refs)
	if refs.lastRecordedStatus != domain.SocketDisconnected {
		refs.lastRecordedStatus = domain.SocketDisconnected
		n.onStatusChange(peer, domain.SocketDisconnected)
	}
}

// CloseAll tears down every connection.
func (n *Negotiator) CloseAll() {
	for _, refs := range n.connections {
		n.Close(refs.ID)
	}
	n.active = nil
}

func (n *Negotiator) eventsFor(refs *PeerConnectionRefs) ports.TransportEvents {
	return ports.TransportEvents{
		OnICECandidate: func(c json.RawMessage) {
			n.post(func() { n.handleLocalCandidate(refs, c) })
		},
		OnStateChange: func() {
			n.post(func() { n.handleStateChange(refs) })
		},
		OnChannelOpen: func() {
			n.post(func() { n.handleChannelOpen(refs) })
		},
		OnMessage: func(data []byte) {
			n.post(func() { n.handleMessage(refs, data) })
		},
	}
}

func (n *Negotiator) isCurrent(refs *PeerConnectionRefs) bool {
	return n.connections[refs.ID.String()] == refs
}

func (n *Negotiator) handleLocalCandidate(refs *PeerConnectionRefs, c json.RawMessage) {
	if n.active == nil || n.active.refs != refs {
		n.logger.Debugw("dropping local candidate of finished negotiation", "peer", refs.ID.String())
		return
	}
	if err := n.link.Send(domain.ICECandidate{Data: c}); err != nil {
		n.logger.Warnw("failed to send local candidate", "peer", refs.ID.String(), "error", err)
	}
}

func (n *Negotiator) handleStateChange(refs *PeerConnectionRefs) {
	if !n.isCurrent(refs) {
		return
	}
	state := refs.transport.ConnectionState()
	n.logger.Debugw("transport state changed", "peer", refs.ID.String(), "state", state.String())
	if state == webrtc.PeerConnectionStateFailed && n.active != nil && n.active.refs == refs {
		n.active = nil
	}
	n.poll(refs)
}

func (n *Negotiator) handleChannelOpen(refs *PeerConnectionRefs) {
	if !n.isCurrent(refs) {
		return
	}
	if n.active != nil && n.active.refs == refs {
		if n.active.shouldSendOffer {
			if err := n.link.Send(domain.ICESuccess{}); err != nil {
				n.logger.Warnw("failed to report handshake success", "peer", refs.ID.String(), "error", err)
			}
		}
		n.active = nil
	}
	n.logger.Infow("data channel open", "peer", refs.ID.String())
	n.poll(refs)
}

func (n *Negotiator) handleMessage(refs *PeerConnectionRefs, data []byte) {
	if !n.isCurrent(refs) {
		return
	}
	n.onMessage(refs.ID, data)
}

// poll derives the current status and fires the callback on change. The
// recorded status is updated first so a callback that repolls sees no change.
func (n *Negotiator) poll(refs *PeerConnectionRefs) domain.SocketStatus {
	var status domain.SocketStatus
	if refs.failed {
		status = domain.SocketConnectionError
	} else {
		negotiating := n.active != nil && n.active.refs == refs
		dcState, hasChannel := refs.transport.DataChannelState()
		status = DeriveStatus(refs.transport.ConnectionState(), dcState, hasChannel, negotiating)
	}
	if status == refs.lastRecordedStatus {
		return status
	}
	refs.lastRecordedStatus = status
	n.onStatusChange(refs.ID, status)
	return status
}

func (n *Negotiator) fail(refs *PeerConnectionRefs, err error) error {
	n.logger.Warnw("negotiation failed", "peer", refs.ID.String(), "error", err)
	refs.failed = true
	if n.active != nil && n.active.refs == refs {
		n.active = nil
	}
	if n.isCurrent(refs) {
		n.poll(refs)
	}
	return err
}

func (n *Negotiator) abandonActive() {
	old := n.active
	n.active = nil
	if n.isCurrent(old.refs) {
		n.poll(old.refs)
	}
}

func (n *Negotiator) closeTransport(refs *PeerConnectionRefs) {
	if refs.transport == nil {
		return
	}
	if err := refs.transport.Close(); err != nil {
		n.logger.Debugw("error closing transport", "peer", refs.ID.String(), "error", err)
	}
}

// DeriveStatus maps transport and data channel state to a SocketStatus.
// A peer that is the target of the in-flight negotiation is always connecting.
func DeriveStatus(conn webrtc.PeerConnectionState, channel webrtc.DataChannelState, hasChannel, negotiating bool) domain.SocketStatus {
	if negotiating {
		return domain.SocketConnecting
	}
	switch conn {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		return domain.SocketConnecting
	case webrtc.PeerConnectionStateConnected, webrtc.PeerConnectionStateDisconnected:
		if !hasChannel || channel == webrtc.DataChannelStateConnecting {
			return domain.SocketConnecting
		}
		if channel == webrtc.DataChannelStateOpen {
			return domain.SocketConnected
		}
		return domain.SocketConnectionError
	default:
		return domain.SocketDisconnected
	}
}
