package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	channelDetailsPrefix = "chatChannelsData_details/"
	channelContentPrefix = "chatChannelsData_content/"
)

// ChatService owns the per-peer conversation records. A channel id is the
// string form of the peer identifier.
type ChatService struct {
	store  ports.KeyValueStore
	queue  *DeliveryQueue
	now    func() time.Time
	newID  func() string
	logger *zap.SugaredLogger

	localUser string
	details   map[string]*domain.ChannelDetails
	contents  map[string]*domain.ChannelContent

	onMessage func(channelID string, msg domain.ChatMessage)
	onStatus  func(channelID string, msg domain.ChatMessage)
}

func NewChatService(store ports.KeyValueStore, queue *DeliveryQueue, logger *zap.SugaredLogger) *ChatService {
	s := &ChatService{
		store:     store,
		queue:     queue,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logger,
		details:   make(map[string]*domain.ChannelDetails),
		contents:  make(map[string]*domain.ChannelContent),
		onMessage: func(string, domain.ChatMessage) {},
		onStatus:  func(string, domain.ChatMessage) {},
	}
	queue.OnDelivered(func(channelID, msgID string) { s.setStatus(channelID, msgID, domain.MessageDelivered) })
	queue.OnNotSent(func(channelID, msgID string) { s.setStatus(channelID, msgID, domain.MessageNotSent) })
	return s
}

// OnMessage registers the callback for messages received from a peer.
func (s *ChatService) OnMessage(fn func(channelID string, msg domain.ChatMessage)) { s.onMessage = fn }

// OnStatus registers the callback for status changes of sent messages.
func (s *ChatService) OnStatus(fn func(channelID string, msg domain.ChatMessage)) { s.onStatus = fn }

func (s *ChatService) SetLocalUser(name string) { s.localUser = name }

// LoadAll restores every channel. A channel with a missing record gets a
// blank one, so half-written channels stay reachable.
func (s *ChatService) LoadAll(ctx context.Context) error {
	ids := make(map[string]struct{})
	for _, prefix := range []string{channelDetailsPrefix, channelContentPrefix} {
		keys, err := s.store.Keys(ctx, prefix)
		if err != nil {
			return fmt.Errorf("list channels: %w", err)
		}
		for _, k := range keys {
			ids[strings.TrimPrefix(k, prefix)] = struct{}{}
		}
	}

	for id := range ids {
		details := s.blankDetails(id)
		if _, err := loadJSON(ctx, s.store, channelDetailsPrefix+id, details, details); err != nil {
			return err
		}
		content := &domain.ChannelContent{ID: id, Messages: []domain.ChatMessage{}}
		if _, err := loadJSON(ctx, s.store, channelContentPrefix+id, content, content); err != nil {
			return err
		}
		s.details[id] = details
		s.contents[id] = content
		s.queue.RegisterConsumer(id, s.receiver(id))
	}
	s.logger.Infow("loaded chat channels", "count", len(ids))
	return nil
}

// EnsureChannel creates the records for peer unless they exist. It
// reports whether a channel was created.
func (s *ChatService) EnsureChannel(ctx context.Context, peer domain.DeviceIdentifier) (bool, error) {
	id := peer.String()
	if _, ok := s.details[id]; ok {
		return false, nil
	}
	details := s.blankDetails(id)
	content := &domain.ChannelContent{ID: id, Messages: []domain.ChatMessage{}}
	if err := saveJSON(ctx, s.store, channelDetailsPrefix+id, details); err != nil {
		return false, err
	}
	if err := saveJSON(ctx, s.store, channelContentPrefix+id, content); err != nil {
		return false, err
	}
	s.details[id] = details
	s.contents[id] = content
	s.queue.RegisterConsumer(id, s.receiver(id))
	s.logger.Infow("chat channel created", "channel", id)
	return true, nil
}

func (s *ChatService) HasChannel(channelID string) bool {
	_, ok := s.details[channelID]
	return ok
}

// Channels returns every channel, most recent activity first.
func (s *ChatService) Channels() []domain.ChannelDetails {
	out := make([]domain.ChannelDetails, 0, len(s.details))
	for _, d := range s.details {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageTime != out[j].LastMessageTime {
			return out[i].LastMessageTime > out[j].LastMessageTime
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *ChatService) Messages(channelID string) []domain.ChatMessage {
	content, ok := s.contents[channelID]
	if !ok {
		return nil
	}
	return append([]domain.ChatMessage(nil), content.Messages...)
}

// SendMessage records an outgoing message and queues it for delivery.
func (s *ChatService) SendMessage(ctx context.Context, channelID, text string) (domain.ChatMessage, error) {
	if err := validation.ValidateMessageContent(text); err != nil {
		return domain.ChatMessage{}, err
	}
	content, ok := s.contents[channelID]
	if !ok {
		return domain.ChatMessage{}, fmt.Errorf("%w: channel %s", domain.ErrNotFound, channelID)
	}

	msg := domain.ChatMessage{
		ID:       s.newID(),
		Content:  text,
		Status:   domain.MessagePending,
		TimeSent: domain.UnixMillis(s.now()),
		User:     s.localUser,
	}
	content.Messages = append(content.Messages, msg)
	if err := s.saveChannel(ctx, channelID, msg.TimeSent); err != nil {
		return domain.ChatMessage{}, err
	}

	payload := domain.ChatPayload{Content: msg.Content, MsgID: msg.ID, TimeSent: msg.TimeSent}
	if err := s.queue.Enqueue(ctx, channelID, payload); err != nil {
		return msg, err
	}
	return msg, nil
}

// ClearHistory empties a channel. Undelivered messages are dropped from the queue.
func (s *ChatService) ClearHistory(ctx context.Context, channelID string) error {
	content, ok := s.contents[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %s", domain.ErrNotFound, channelID)
	}
	if err := s.queue.PurgeChannel(ctx, channelID); err != nil {
		return err
	}
	content.Messages = []domain.ChatMessage{}
	return saveJSON(ctx, s.store, channelContentPrefix+channelID, content)
}

func (s *ChatService) DeleteChannel(ctx context.Context, channelID string) error {
	if _, ok := s.details[channelID]; !ok {
		return fmt.Errorf("%w: channel %s", domain.ErrNotFound, channelID)
	}
	if err := s.queue.PurgeChannel(ctx, channelID); err != nil {
		return err
	}
	s.queue.UnregisterConsumer(channelID)
	delete(s.details, channelID)
	delete(s.contents, channelID)
	if err := s.store.Remove(ctx, channelDetailsPrefix+channelID); err != nil {
		return err
	}
	return s.store.Remove(ctx, channelContentPrefix+channelID)
}

func (s *ChatService) DeleteMessages(ctx context.Context, channelID string, ids []string) error {
	content, ok := s.contents[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %s", domain.ErrNotFound, channelID)
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := content.Messages[:0:0]
	for _, m := range content.Messages {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	content.Messages = kept
	if err := saveJSON(ctx, s.store, channelContentPrefix+channelID, content); err != nil {
		return err
	}
	return s.queue.PurgeMessages(ctx, channelID, ids)
}

func (s *ChatService) MarkAccessed(ctx context.Context, channelID string) error {
	details, ok := s.details[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %s", domain.ErrNotFound, channelID)
	}
	details.LastAccessedTime = domain.UnixMillis(s.now())
	return saveJSON(ctx, s.store, channelDetailsPrefix+channelID, details)
}

// receiver stores messages arriving on a channel. Retries of a message
// that was already stored are ignored.
func (s *ChatService) receiver(channelID string) func(domain.ChatPayload) {
	return func(p domain.ChatPayload) {
		content, ok := s.contents[channelID]
		if !ok {
			return
		}
		for _, m := range content.Messages {
			if m.ID == p.MsgID {
				s.logger.Debugw("duplicate inbound message", "channel", channelID, "msg_id", p.MsgID)
				return
			}
		}
		msg := domain.ChatMessage{
			ID:       p.MsgID,
			Content:  p.Content,
			Status:   domain.MessageReceived,
			TimeSent: p.TimeSent,
			User:     s.details[channelID].Name,
		}
		content.Messages = append(content.Messages, msg)
		if err := s.saveChannel(context.Background(), channelID, p.TimeSent); err != nil {
			s.logger.Warnw("failed to store inbound message", "channel", channelID, "error", err)
		}
		s.onMessage(channelID, msg)
	}
}

func (s *ChatService) setStatus(channelID, msgID string, status domain.MessageStatus) {
	content, ok := s.contents[channelID]
	if !ok {
		return
	}
	for i := range content.Messages {
		if content.Messages[i].ID != msgID {
			continue
		}
		content.Messages[i].Status = status
		if err := saveJSON(context.Background(), s.store, channelContentPrefix+channelID, content); err != nil {
			s.logger.Warnw("failed to store message status", "channel", channelID, "msg_id", msgID, "error", err)
		}
		s.onStatus(channelID, content.Messages[i])
		return
	}
	s.logger.Debugw("status update for unknown message", "channel", channelID, "msg_id", msgID, "status", status)
}

func (s *ChatService) saveChannel(ctx context.Context, channelID string, messageTime int64) error {
	details := s.details[channelID]
	if messageTime > details.LastMessageTime {
		details.LastMessageTime = messageTime
	}
	if err := saveJSON(ctx, s.store, channelContentPrefix+channelID, s.contents[channelID]); err != nil {
		return err
	}
	return saveJSON(ctx, s.store, channelDetailsPrefix+channelID, details)
}

func (s *ChatService) blankDetails(id string) *domain.ChannelDetails {
	now := domain.UnixMillis(s.now())
	name := domain.ParseDeviceIdentifier(id).Username
	if name == "" {
		name = domain.ParseDeviceIdentifier(id).Address
	}
	return &domain.ChannelDetails{
		ID:               id,
		Name:             name,
		TimeCreated:      now,
		LastAccessedTime: now,
	}
}
