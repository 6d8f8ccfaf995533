package services

import (
	"context"
	"fmt"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"go.uber.org/zap"
)

const pendingConnectionsKey = "pendingConnections"

// RequestService mirrors the server's view of this client's connection
// requests and remembers inbound ones until they are answered. It is driven
// from the client event loop.
type RequestService struct {
	store   ports.KeyValueStore
	link    ports.RendezvousLink
	pending []domain.PendingConnection

	// onOutboundCancelled runs after an outbound request was withdrawn.
	onOutboundCancelled func(peer domain.DeviceIdentifier)
	logger              *zap.SugaredLogger
}

func NewRequestService(store ports.KeyValueStore, link ports.RendezvousLink, logger *zap.SugaredLogger) *RequestService {
	return &RequestService{
		store:               store,
		link:                link,
		onOutboundCancelled: func(domain.DeviceIdentifier) {},
		logger:              logger,
	}
}

func (s *RequestService) OnOutboundCancelled(fn func(peer domain.DeviceIdentifier)) {
	s.onOutboundCancelled = fn
}

func (s *RequestService) Load(ctx context.Context) error {
	var list []domain.PendingConnection
	found, err := loadJSON(ctx, s.store, pendingConnectionsKey, &list, []domain.PendingConnection{})
	if err != nil {
		return err
	}
	if found {
		s.pending = list
		s.logger.Infow("loaded pending connections", "count", len(list))
	}
	return nil
}

// Pending returns a copy of every unanswered request.
func (s *RequestService) Pending() []domain.PendingConnection {
	return append([]domain.PendingConnection(nil), s.pending...)
}

func (s *RequestService) Outbound() []domain.DeviceIdentifier {
	var out []domain.DeviceIdentifier
	for _, p := range s.pending {
		if p.IsOutbound {
			out = append(out, p.DeviceID)
		}
	}
	return out
}

func (s *RequestService) HasInbound(peer domain.DeviceIdentifier) bool {
	return s.indexOf(peer, false) >= 0
}

// Request records an outbound request and pushes the full list to the server.
func (s *RequestService) Request(ctx context.Context, peer domain.DeviceIdentifier) error {
	if _, err := s.TrackOutbound(ctx, peer); err != nil {
		return err
	}
	return s.Resync()
}

// TrackOutbound records an outbound request that the server already knows about.
func (s *RequestService) TrackOutbound(ctx context.Context, peer domain.DeviceIdentifier) (bool, error) {
	if s.indexOf(peer, true) >= 0 {
		return false, nil
	}
	s.pending = append(s.pending, domain.PendingConnection{DeviceID: peer, IsOutbound: true})
	return true, s.persist(ctx)
}

func (s *RequestService) Cancel(ctx context.Context, peer domain.DeviceIdentifier) error {
	if s.indexOf(peer, true) < 0 {
		return fmt.Errorf("%w: outbound request to %s", domain.ErrNotFound, peer)
	}
	s.remove(func(p domain.PendingConnection) bool { return p.IsOutbound && p.DeviceID.Equal(peer) })
	if err := s.persist(ctx); err != nil {
		return err
	}
	s.onOutboundCancelled(peer)
	return s.link.Send(domain.CancelConnectionRequest{PeerID: peer})
}

// Accept asks the server to pair with peer. The entry stays until the
// negotiation actually starts.
func (s *RequestService) Accept(peer domain.DeviceIdentifier) error {
	if !s.HasInbound(peer) {
		return fmt.Errorf("%w: inbound request from %s", domain.ErrNotFound, peer)
	}
	return s.link.Send(domain.AcceptConnectionRequest{PeerID: peer})
}

func (s *RequestService) Reject(ctx context.Context, peer domain.DeviceIdentifier) error {
	s.remove(func(p domain.PendingConnection) bool { return !p.IsOutbound && p.DeviceID.Equal(peer) })
	if err := s.persist(ctx); err != nil {
		return err
	}
	return s.link.Send(domain.RejectConnectionRequest{PeerID: peer})
}

// OnInbound records a request-connection notice. It reports whether the
// request is new.
func (s *RequestService) OnInbound(ctx context.Context, sender domain.DeviceIdentifier) (bool, error) {
	if s.HasInbound(sender) {
		return false, nil
	}
	s.pending = append(s.pending, domain.PendingConnection{DeviceID: sender})
	return true, s.persist(ctx)
}

func (s *RequestService) OnInboundCancelled(ctx context.Context, sender domain.DeviceIdentifier) error {
	if !s.remove(func(p domain.PendingConnection) bool { return !p.IsOutbound && p.DeviceID.Match(sender) }) {
		return nil
	}
	return s.persist(ctx)
}

// OnNegotiationStarted drops requests in both directions for peer.
func (s *RequestService) OnNegotiationStarted(ctx context.Context, peer domain.DeviceIdentifier) error {
	if !s.remove(func(p domain.PendingConnection) bool { return p.DeviceID.Match(peer) }) {
		return nil
	}
	return s.persist(ctx)
}

// Resync replaces the server's copy of the outbound list. It runs on every
// (re)connection to the server.
func (s *RequestService) Resync() error {
	requests := s.Outbound()
	if requests == nil {
		requests = []domain.DeviceIdentifier{}
	}
	return s.link.Send(domain.SyncConnectionRequests{Requests: requests})
}

// ConnectExisting asks the server to reconnect to a peer with shared
// history. It blocks until the server answers and must not run on the
// event loop.
func (s *RequestService) ConnectExisting(ctx context.Context, peer domain.DeviceIdentifier) (domain.ReconnectOutcome, error) {
	reply, err := s.link.Request(ctx, domain.ReconnectExistingConnection{PeerID: peer})
	if err != nil {
		return "", fmt.Errorf("reconnect %s: %w", peer, err)
	}
	result, ok := reply.(domain.ReconnectResult)
	if !ok {
		return "", fmt.Errorf("%w: unexpected reply %s", domain.ErrMalformedMessage, reply.SignalType())
	}
	return result.Outcome, nil
}

func (s *RequestService) indexOf(peer domain.DeviceIdentifier, outbound bool) int {
	for i, p := range s.pending {
		if p.IsOutbound == outbound && p.DeviceID.Equal(peer) {
			return i
		}
	}
	return -1
}

func (s *RequestService) remove(drop func(domain.PendingConnection) bool) bool {
	kept := s.pending[:0:0]
	for _, p := range s.pending {
		if !drop(p) {
			kept = append(kept, p)
		}
	}
	changed := len(kept) != len(s.pending)
	s.pending = kept
	return changed
}

func (s *RequestService) persist(ctx context.Context) error {
	list := s.pending
	if list == nil {
		list = []domain.PendingConnection{}
	}
	return saveJSON(ctx, s.store, pendingConnectionsKey, list)
}
