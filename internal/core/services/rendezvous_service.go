package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/validation"

	"go.uber.org/zap"
)

type RendezvousConfig struct {
	HandshakeTimeout      time.Duration
	ReconnectQueryTimeout time.Duration
}

func DefaultRendezvousConfig() RendezvousConfig {
	return RendezvousConfig{
		HandshakeTimeout:      10 * time.Second,
		ReconnectQueryTimeout: 5 * time.Second,
	}
}

// RendezvousService brokers connection requests between sessions and pairs
// them for negotiation. One mutex serializes every operation, including the
// ones that touch another session's request and rejection lists.
type RendezvousService struct {
	mu      sync.Mutex
	dir     *Directory
	cfg     RendezvousConfig
	metrics ports.RendezvousMetrics
	now     func() time.Time
	logger  *zap.SugaredLogger
}

func NewRendezvousService(cfg RendezvousConfig, metrics ports.RendezvousMetrics, logger *zap.SugaredLogger) *RendezvousService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &RendezvousService{
		dir:     NewDirectory(),
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
		logger:  logger,
	}
}

// Join registers a new session. A session already registered under the same
// identity is replaced and its connection closed. Requests from other
// sessions that were aimed at this identity before it connected are announced.
func (r *RendezvousService) Join(sessionID string, identity domain.DeviceIdentifier, conn ports.SignalConn) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := NewSession(sessionID, identity, conn, r.now())
	if old := r.dir.Register(s); old != nil {
		r.logger.Infow("closing superseded session", "peer", identity.String(), "old_session", old.ID, "session", s.ID)
		if err := old.conn.Close(); err != nil {
			r.logger.Debugw("error closing superseded session", "session", old.ID, "error", err)
		}
	}
	r.metrics.SessionJoined()
	r.logger.Infow("session joined", "peer", identity.String(), "session", s.ID, "sessions", r.dir.Len())

	r.announcePendingFor(s)
	return s
}

// Leave removes the session and retracts its outstanding requests. A
// session that was superseded by a newer connection is only forgotten.
func (r *RendezvousService) Leave(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.dir.Remove(s) {
		r.logger.Debugw("superseded session left", "peer", s.identity.String(), "session", s.ID)
		return
	}
	for _, req := range s.pendingRequests {
		if target := r.dir.Lookup(req); target != nil {
			r.send(target, domain.ConnectionRequestCancelled{Sender: s.identity})
		}
	}
	s.pendingRequests = nil
	r.metrics.SessionLeft()
	r.logger.Infow("session left", "peer", s.identity.String(), "session", s.ID, "sessions", r.dir.Len())
}

// Dispatch routes one client message. The returned message, if any, is the
// reply to an ack-style request.
func (r *RendezvousService) Dispatch(ctx context.Context, s *Session, msg domain.SignalMessage) (domain.SignalMessage, error) {
	switch m := msg.(type) {
	case domain.SyncConnectionRequests:
		r.SyncRequests(s, m.Requests)
	case domain.CancelConnectionRequest:
		r.CancelRequest(s, m.PeerID)
	case domain.AcceptConnectionRequest:
		return nil, r.AcceptRequest(s, m.PeerID)
	case domain.RejectConnectionRequest:
		r.RejectRequest(s, m.PeerID)
	case domain.ReconnectExistingConnection:
		return domain.ReconnectResult{Outcome: r.ReconnectExisting(ctx, s, m.PeerID)}, nil
	case domain.ChangeUsername:
		return nil, r.Rename(s, m.Username)
	case domain.ICESuccess:
		r.ReportSuccess(s)
	case domain.ICECandidate, domain.ICEOffer, domain.ICEAnswer:
		r.Relay(s, m)
	case domain.ReconnectDecision:
		// replies are matched by the connection layer; one arriving here had no waiter
		r.logger.Debugw("dropping unsolicited reconnect decision", "session", s.ID)
	default:
		return nil, fmt.Errorf("%w: %T", domain.ErrUnknownMessage, msg)
	}
	return nil, nil
}

// SyncRequests replaces the session's outbound request list. A peer that
// was not already in the list forgets a previous rejection of this session,
// then each live target is notified.
func (r *RendezvousService) SyncRequests(s *Session, requests []domain.DeviceIdentifier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]domain.DeviceIdentifier, 0, len(requests))
	for _, req := range requests {
		if req.Equal(s.identity) {
			continue
		}
		if !domain.ContainsEqual(list, req) {
			list = append(list, req)
		}
	}
	previous := s.pendingRequests
	s.pendingRequests = list

	for _, req := range list {
		target := r.dir.Lookup(req)
		if target == nil || target == s {
			continue
		}
		if !domain.ContainsEqual(previous, req) {
			target.rejected = domain.RemoveMatches(target.rejected, s.identity)
		}
		r.announceIfNotBlacklisted(target, s.identity)
	}
}

func (r *RendezvousService) CancelRequest(s *Session, peerID domain.DeviceIdentifier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.pendingRequests = domain.RemoveMatches(s.pendingRequests, peerID)
	if target := r.dir.Lookup(peerID); target != nil && target != s {
		r.send(target, domain.ConnectionRequestCancelled{Sender: s.identity})
	}
}

// RejectRequest blacklists peerID for this session. The requester is not told.
func (r *RendezvousService) RejectRequest(s *Session, peerID domain.DeviceIdentifier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !domain.ContainsEqual(s.rejected, peerID) {
		s.rejected = append(s.rejected, peerID)
	}
}

// AcceptRequest pairs s with the requester peerID when peerID still has a
// pending request aimed at s.
func (r *RendezvousService) AcceptRequest(s *Session, peerID domain.DeviceIdentifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	requester := r.dir.Lookup(peerID)
	if requester == nil || requester == s || domain.IndexOfMatch(requester.pendingRequests, s.identity) < 0 {
		r.metrics.StaleAccept()
		r.logger.Warnw("accept without matching request", "peer", s.identity.String(), "requester", peerID.String())
		return domain.ErrStaleRequest
	}

	if r.busy(s) || r.busy(requester) {
		r.send(s, domain.PeerBusy{Peer: requester.identity})
		return nil
	}

	requester.pendingRequests = domain.RemoveMatches(requester.pendingRequests, s.identity)
	s.pendingRequests = domain.RemoveMatches(s.pendingRequests, requester.identity)
	r.startPairing(requester, s)
	return nil
}

// ReconnectExisting asks the target whether to reconnect with s straight
// away. Without approval the request becomes an ordinary pending request.
func (r *RendezvousService) ReconnectExisting(ctx context.Context, s *Session, peerID domain.DeviceIdentifier) domain.ReconnectOutcome {
	r.mu.Lock()
	target := r.dir.Lookup(peerID)
	if target == nil || target == s || domain.ContainsMatch(target.rejected, s.identity) {
		r.addPendingLocked(s, peerID)
		r.mu.Unlock()
		return domain.ReconnectPending
	}
	conn := target.conn
	requester := s.identity
	r.mu.Unlock()

	qctx, cancel := context.WithTimeout(ctx, r.cfg.ReconnectQueryTimeout)
	reply, err := conn.Request(qctx, domain.ReconnectQuery{Requester: requester})
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	decision, ok := reply.(domain.ReconnectDecision)
	approved := err == nil && ok && decision.Approve
	if err != nil {
		r.logger.Infow("reconnect query failed", "peer", requester.String(), "target", peerID.String(), "error", err)
	}

	// state may have changed while the lock was released
	if approved && r.dir.IsRegistered(s) && r.dir.Lookup(peerID) == target && !r.busy(s) && !r.busy(target) {
		s.pendingRequests = domain.RemoveMatches(s.pendingRequests, target.identity)
		target.pendingRequests = domain.RemoveMatches(target.pendingRequests, s.identity)
		r.startPairing(s, target)
		return domain.ReconnectApproved
	}

	if r.dir.IsRegistered(s) {
		r.addPendingLocked(s, peerID)
	}
	return domain.ReconnectPending
}

// ReportSuccess ends the pairing of s and of its partner. A missing partner
// is logged and does not prevent clearing s.
func (r *RendezvousService) ReportSuccess(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.pairing == nil {
		r.logger.Warnw("handshake success without pairing", "peer", s.identity.String())
		return
	}
	other := s.pairing.OtherPeer
	s.pairing = nil

	partner := r.dir.Lookup(other)
	if partner == nil {
		r.logger.Warnw("pairing partner missing on handshake success", "peer", s.identity.String(), "partner", other.String())
	} else if partner.pairing != nil && partner.pairing.OtherPeer.Match(s.identity) {
		partner.pairing = nil
	}
	r.metrics.PairingCompleted()
	r.logger.Infow("pairing completed", "peer", s.identity.String(), "partner", other.String())
}

// Rename changes the username of s. Outstanding requests are retracted
// under the old identity and replayed under the new one.
func (r *RendezvousService) Rename(s *Session, newUsername string) error {
	if err := validation.ValidateNewUsername(newUsername); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidUsername, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	oldIdentity := s.identity
	if oldIdentity.Username == newUsername {
		r.send(s, domain.UsernameChanged{Username: newUsername})
		return nil
	}
	if taken := r.dir.Lookup(domain.NewDeviceIdentifier(oldIdentity.Address, newUsername)); taken != nil && taken.identity.Username == newUsername {
		r.metrics.RenameConflict()
		r.send(s, domain.UsernameReserved{Username: newUsername})
		return nil
	}

	for _, req := range s.pendingRequests {
		if target := r.dir.Lookup(req); target != nil && target != s {
			r.send(target, domain.ConnectionRequestCancelled{Sender: oldIdentity})
		}
	}

	if err := r.dir.Rename(oldIdentity.Address, oldIdentity.Username, newUsername); err != nil {
		// only reachable if s is no longer registered
		return err
	}
	// the partner of a pairing in progress must still reach s
	if s.pairing != nil {
		partner := r.dir.Lookup(s.pairing.OtherPeer)
		if partner != nil && partner.pairing != nil && partner.pairing.OtherPeer.Equal(oldIdentity) {
			partner.pairing.OtherPeer = s.identity
		}
	}
	r.send(s, domain.UsernameChanged{Username: newUsername})
	r.logger.Infow("username changed", "old", oldIdentity.String(), "new", s.identity.String())

	for _, req := range s.pendingRequests {
		if target := r.dir.Lookup(req); target != nil && target != s {
			r.announceIfNotBlacklisted(target, s.identity)
		}
	}
	r.announcePendingFor(s)
	return nil
}

// Relay forwards a negotiation message to the pairing partner of s. Without
// a live pairing the message is dropped.
func (r *RendezvousService) Relay(s *Session, msg domain.SignalMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.busy(s) {
		r.logger.Debugw("dropping negotiation message outside pairing", "peer", s.identity.String(), "type", msg.SignalType())
		return
	}
	partner := r.dir.Lookup(s.pairing.OtherPeer)
	if partner == nil {
		r.logger.Debugw("dropping negotiation message for missing partner", "peer", s.identity.String(), "partner", s.pairing.OtherPeer.String())
		return
	}
	r.send(partner, msg)
	r.metrics.MessageRelayed(msg.SignalType())
}

// IsBusyPairing reports whether the session registered under id is inside
// an unexpired pairing.
func (r *RendezvousService) IsBusyPairing(id domain.DeviceIdentifier) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.dir.Lookup(id)
	return s != nil && r.busy(s)
}

// PendingRequests returns a copy of the outbound request list of the session under id.
func (r *RendezvousService) PendingRequests(id domain.DeviceIdentifier) []domain.DeviceIdentifier {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.dir.Lookup(id); s != nil {
		return append([]domain.DeviceIdentifier(nil), s.pendingRequests...)
	}
	return nil
}

func (r *RendezvousService) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dir.Len()
}

// announcePendingFor notifies s of every live session that has a request matching s.
func (r *RendezvousService) announcePendingFor(s *Session) {
	for _, other := range r.dir.Sessions() {
		if other == s {
			continue
		}
		if domain.ContainsMatch(other.pendingRequests, s.identity) {
			r.announceIfNotBlacklisted(s, other.identity)
		}
	}
}

// announceIfNotBlacklisted is the only place request notices are sent from.
func (r *RendezvousService) announceIfNotBlacklisted(recipient *Session, requester domain.DeviceIdentifier) {
	if domain.ContainsMatch(recipient.rejected, requester) {
		r.logger.Debugw("request suppressed by rejection", "recipient", recipient.identity.String(), "requester", requester.String())
		return
	}
	r.send(recipient, domain.RequestConnection{Sender: requester})
	r.metrics.RequestAnnounced()
}

func (r *RendezvousService) addPendingLocked(s *Session, peerID domain.DeviceIdentifier) {
	if !domain.ContainsEqual(s.pendingRequests, peerID) {
		s.pendingRequests = append(s.pendingRequests, peerID)
	}
	if target := r.dir.Lookup(peerID); target != nil && target != s {
		r.announceIfNotBlacklisted(target, s.identity)
	}
}

func (r *RendezvousService) startPairing(offerer, answerer *Session) {
	now := r.now()
	offerer.pairing = &domain.PairingState{OtherPeer: answerer.identity, StartedAt: now}
	answerer.pairing = &domain.PairingState{OtherPeer: offerer.identity, StartedAt: now}

	r.send(offerer, domain.StartICEHandshake{
		PeerAddress:     answerer.identity.Address,
		PeerUsername:    answerer.identity.Username,
		ShouldSendOffer: true,
	})
	r.send(answerer, domain.StartICEHandshake{
		PeerAddress:     offerer.identity.Address,
		PeerUsername:    offerer.identity.Username,
		ShouldSendOffer: false,
	})
	r.metrics.PairingStarted()
	r.logger.Infow("pairing started", "offerer", offerer.identity.String(), "answerer", answerer.identity.String())
}

func (r *RendezvousService) busy(s *Session) bool {
	busy, expired := s.isBusyPairing(r.now(), r.cfg.HandshakeTimeout)
	if expired {
		r.metrics.PairingExpired()
		r.logger.Infow("pairing expired", "peer", s.identity.String())
	}
	return busy
}

func (r *RendezvousService) send(s *Session, msg domain.SignalMessage) {
	if err := s.conn.Send(msg); err != nil {
		r.logger.Warnw("failed to send to session", "peer", s.identity.String(), "session", s.ID, "type", msg.SignalType(), "error", err)
	}
}
