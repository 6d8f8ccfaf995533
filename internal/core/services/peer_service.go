package services

import (
	"context"
	"fmt"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/validation"

	"go.uber.org/zap"
)

type NoticeKind string

const (
	NoticeRequest          NoticeKind = "request"
	NoticeRequestCancelled NoticeKind = "request-cancelled"
	NoticePeerBusy         NoticeKind = "peer-busy"
	NoticeUsernameChanged  NoticeKind = "username-changed"
	NoticeUsernameReserved NoticeKind = "username-reserved"
	NoticeStatus           NoticeKind = "status"
	NoticeMessage          NoticeKind = "message"
	NoticeMessageStatus    NoticeKind = "message-status"
	NoticeReconnect        NoticeKind = "reconnect"
	NoticeError            NoticeKind = "error"
)

// Notice is something the user should see.
type Notice struct {
	Kind    NoticeKind
	Peer    domain.DeviceIdentifier
	Status  domain.SocketStatus
	Message domain.ChatMessage
	Text    string
}

type PeerServiceConfig struct {
	DataChannelLabel string
	RetryInterval    time.Duration
	SweepInterval    time.Duration
	Username         string
}

// PeerService is the client: it answers the rendezvous server, drives the
// negotiator and moves chat payloads between the data channels and the
// delivery queue. Every method except the ones documented otherwise must be
// called on the event loop.
type PeerService struct {
	ctx  context.Context
	cfg  PeerServiceConfig
	link ports.RendezvousLink
	post func(func())

	Requests   *RequestService
	Negotiator *Negotiator
	Queue      *DeliveryQueue
	Chat       *ChatService

	username string
	metrics  ports.DeliveryMetrics
	notify   func(Notice)
	logger   *zap.SugaredLogger
}

func NewPeerService(
	cfg PeerServiceConfig,
	link ports.RendezvousLink,
	store ports.KeyValueStore,
	factory ports.TransportFactory,
	post func(func()),
	metrics ports.DeliveryMetrics,
	logger *zap.SugaredLogger,
) *PeerService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	s := &PeerService{
		ctx:      context.Background(),
		cfg:      cfg,
		link:     link,
		post:     post,
		username: cfg.Username,
		metrics:  metrics,
		notify:   func(Notice) {},
		logger:   logger,
	}

	s.Requests = NewRequestService(store, link, logger.Named("requests"))
	s.Negotiator = NewNegotiator(factory, link, post, cfg.DataChannelLabel, logger.Named("negotiator"))
	s.Queue = NewDeliveryQueue(store, DeliveryQueueConfig{
		RetryInterval: cfg.RetryInterval,
		Metrics:       metrics,
		Status: func(channelID string) domain.SocketStatus {
			return s.Negotiator.Status(domain.ParseDeviceIdentifier(channelID))
		},
		Send: func(channelID string, data []byte) error {
			return s.Negotiator.Send(domain.ParseDeviceIdentifier(channelID), data)
		},
	}, logger.Named("queue"))
	s.Chat = NewChatService(store, s.Queue, logger.Named("chat"))
	s.Chat.SetLocalUser(cfg.Username)

	s.Requests.OnOutboundCancelled(func(peer domain.DeviceIdentifier) {
		if err := s.Queue.PurgeChannel(s.ctx, peer.String()); err != nil {
			s.logger.Warnw("failed to purge messages of cancelled request", "peer", peer.String(), "error", err)
		}
	})
	s.Negotiator.OnStatusChange(s.handleStatusChange)
	s.Negotiator.OnMessage(s.HandlePeerData)
	s.Chat.OnMessage(func(channelID string, msg domain.ChatMessage) {
		s.notify(Notice{Kind: NoticeMessage, Peer: domain.ParseDeviceIdentifier(channelID), Message: msg})
	})
	s.Chat.OnStatus(func(channelID string, msg domain.ChatMessage) {
		s.notify(Notice{Kind: NoticeMessageStatus, Peer: domain.ParseDeviceIdentifier(channelID), Message: msg})
	})
	return s
}

func (s *PeerService) OnNotice(fn func(Notice)) { s.notify = fn }

func (s *PeerService) Username() string { return s.username }

// Load restores persisted state. A missing record is a first run; any other
// failure aborts before in-memory state is touched by the caller.
func (s *PeerService) Load(ctx context.Context) error {
	s.ctx = ctx
	if err := s.Requests.Load(ctx); err != nil {
		return fmt.Errorf("load pending connections: %w", err)
	}
	if err := s.Queue.Load(ctx); err != nil {
		return fmt.Errorf("load pending messages: %w", err)
	}
	if err := s.Chat.LoadAll(ctx); err != nil {
		return fmt.Errorf("load chat channels: %w", err)
	}
	return nil
}

// RunSweeper posts a poll-and-sweep every interval until ctx is done. It
// runs on its own goroutine.
func (s *PeerService) RunSweeper(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.post(s.Tick)
		}
	}
}

// Tick repolls every connection and sweeps the outbound queue.
func (s *PeerService) Tick() {
	s.Negotiator.PollAll()
	s.Queue.Sweep(s.ctx)
}

// OnRendezvousConnected resends the outbound request list after every
// (re)connection to the server.
func (s *PeerService) OnRendezvousConnected() {
	if err := s.Requests.Resync(); err != nil {
		s.logger.Warnw("failed to sync connection requests", "error", err)
	}
}

// HandleServerMessage dispatches one decoded server message. ack is
// non-zero when the server expects a reply.
func (s *PeerService) HandleServerMessage(msg domain.SignalMessage, ack uint64) error {
	switch m := msg.(type) {
	case domain.RequestConnection:
		isNew, err := s.Requests.OnInbound(s.ctx, m.Sender)
		if err != nil {
			return err
		}
		if isNew {
			s.notify(Notice{Kind: NoticeRequest, Peer: m.Sender})
		}
	case domain.ConnectionRequestCancelled:
		if err := s.Requests.OnInboundCancelled(s.ctx, m.Sender); err != nil {
			return err
		}
		s.notify(Notice{Kind: NoticeRequestCancelled, Peer: m.Sender})
	case domain.StartICEHandshake:
		peer := m.Peer()
		if err := s.Requests.OnNegotiationStarted(s.ctx, peer); err != nil {
			s.logger.Warnw("failed to drop pending connection", "peer", peer.String(), "error", err)
		}
		if err := s.Negotiator.StartNegotiation(peer, m.ShouldSendOffer); err != nil {
			s.logger.Warnw("failed to start negotiation", "peer", peer.String(), "error", err)
		}
	case domain.ICEOffer:
		s.logRace(s.Negotiator.HandleOffer(m.Data), m)
	case domain.ICEAnswer:
		s.logRace(s.Negotiator.HandleAnswer(m.Data), m)
	case domain.ICECandidate:
		s.logRace(s.Negotiator.HandleCandidate(m.Data), m)
	case domain.UsernameChanged:
		s.username = m.Username
		s.Chat.SetLocalUser(m.Username)
		s.notify(Notice{Kind: NoticeUsernameChanged, Text: m.Username})
	case domain.UsernameReserved:
		s.notify(Notice{Kind: NoticeUsernameReserved, Text: m.Username})
	case domain.PeerBusy:
		s.notify(Notice{Kind: NoticePeerBusy, Peer: m.Peer})
	case domain.ReconnectQuery:
		approve := s.Chat.HasChannel(m.Requester.String())
		s.logger.Infow("reconnect query", "requester", m.Requester.String(), "approve", approve)
		if ack == 0 {
			return fmt.Errorf("%w: reconnect query without ack", domain.ErrMalformedMessage)
		}
		return s.link.Reply(ack, domain.ReconnectDecision{Approve: approve})
	case domain.ReconnectResult:
		s.logger.Debugw("unsolicited reconnect result", "outcome", m.Outcome)
	case domain.ErrorNotice:
		s.logger.Warnw("server reported error", "code", m.Code, "message", m.Message)
		s.notify(Notice{Kind: NoticeError, Text: m.Code + ": " + m.Message})
	default:
		return fmt.Errorf("%w: %s", domain.ErrUnknownMessage, msg.SignalType())
	}
	return nil
}

// HandlePeerData dispatches one payload received on a data channel.
func (s *PeerService) HandlePeerData(peer domain.DeviceIdentifier, data []byte) {
	payload, err := domain.DecodePeerPayload(data)
	if err != nil {
		s.logger.Warnw("dropping peer payload", "peer", peer.String(), "error", err)
		return
	}
	switch p := payload.(type) {
	case domain.ChatPayload:
		s.Queue.Deliver(peer.String(), p)
		ack, err := domain.EncodePeerPayload(domain.AckPayload{MsgID: p.MsgID, TimeSent: domain.UnixMillis(time.Now())})
		if err == nil {
			err = s.Negotiator.Send(peer, ack)
		}
		if err != nil {
			s.logger.Warnw("failed to acknowledge message", "peer", peer.String(), "msg_id", p.MsgID, "error", err)
		}
	case domain.AckPayload:
		if err := s.Queue.Acknowledge(s.ctx, p.MsgID); err != nil {
			s.logger.Warnw("failed to record acknowledgement", "peer", peer.String(), "msg_id", p.MsgID, "error", err)
		}
	case domain.DisconnectPayload:
		s.logger.Infow("peer disconnected", "peer", peer.String())
		s.Negotiator.Close(peer)
	}
}

func (s *PeerService) handleStatusChange(peer domain.DeviceIdentifier, status domain.SocketStatus) {
	s.metrics.StatusChanged(status)
	s.logger.Infow("peer status changed", "peer", peer.String(), "status", status.String())
	if status == domain.SocketConnected {
		if _, err := s.Chat.EnsureChannel(s.ctx, peer); err != nil {
			s.logger.Errorw("failed to create chat channel", "peer", peer.String(), "error", err)
		}
		// the status callback may run inside a sweep, so the next one is posted
		s.post(func() { s.Queue.Sweep(s.ctx) })
	}
	s.notify(Notice{Kind: NoticeStatus, Peer: peer, Status: status})
}

func (s *PeerService) logRace(err error, msg domain.SignalMessage) {
	if err != nil {
		s.logger.Warnw("dropping negotiation message", "type", msg.SignalType(), "error", err)
	}
}

// Request asks the server to connect us with peer.
func (s *PeerService) Request(peer domain.DeviceIdentifier) error {
	if err := validation.ValidateAddress(peer.Address); err != nil {
		return err
	}
	return s.Requests.Request(s.ctx, peer)
}

func (s *PeerService) Cancel(peer domain.DeviceIdentifier) error {
	return s.Requests.Cancel(s.ctx, peer)
}

func (s *PeerService) Accept(peer domain.DeviceIdentifier) error {
	return s.Requests.Accept(peer)
}

func (s *PeerService) Reject(peer domain.DeviceIdentifier) error {
	return s.Requests.Reject(s.ctx, peer)
}

// Rename asks the server for a new username; the change takes effect on
// username-changed.
func (s *PeerService) Rename(username string) error {
	if err := validation.ValidateNewUsername(username); err != nil {
		return err
	}
	return s.link.Send(domain.ChangeUsername{Username: username})
}

// Reconnect asks the server to reconnect to a peer we share history with.
// The blocking round trip runs on its own goroutine; the outcome is
// handled back on the event loop.
func (s *PeerService) Reconnect(ctx context.Context, peer domain.DeviceIdentifier) {
	go func() {
		outcome, err := s.Requests.ConnectExisting(ctx, peer)
		s.post(func() {
			if err != nil {
				s.notify(Notice{Kind: NoticeError, Peer: peer, Text: err.Error()})
				return
			}
			if outcome == domain.ReconnectPending {
				if _, err := s.Requests.TrackOutbound(s.ctx, peer); err != nil {
					s.logger.Warnw("failed to record pending reconnect", "peer", peer.String(), "error", err)
				}
			}
			s.notify(Notice{Kind: NoticeReconnect, Peer: peer, Text: string(outcome)})
		})
	}()
}

// Disconnect tells the peer we are leaving, then closes locally whether
// or not the notice got through.
func (s *PeerService) Disconnect(peer domain.DeviceIdentifier) {
	data, err := domain.EncodePeerPayload(domain.DisconnectPayload{TimeSent: domain.UnixMillis(time.Now())})
	if err == nil {
		err = s.Negotiator.Send(peer, data)
	}
	if err != nil {
		s.logger.Debugw("disconnect notice not delivered", "peer", peer.String(), "error", err)
	}
	s.Negotiator.Close(peer)
}

// SendMessage queues text for the channel of peer.
func (s *PeerService) SendMessage(peer domain.DeviceIdentifier, text string) (domain.ChatMessage, error) {
	return s.Chat.SendMessage(s.ctx, peer.String(), text)
}

// Shutdown closes every peer connection.
func (s *PeerService) Shutdown() {
	for _, peer := range s.Negotiator.Peers() {
		s.Disconnect(peer)
	}
}
