package services

import (
	"context"
	"sort"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"go.uber.org/zap"
)

const pendingMessagesKey = "pendingMessages"

// DeliveryQueue retries outbound chat messages until they are acknowledged
// and holds inbound ones until a consumer for their channel registers.
// Channels are keyed by the peer identifier string. Driven from the event loop.
type DeliveryQueue struct {
	store   ports.KeyValueStore
	retry   time.Duration
	now     func() time.Time
	metrics ports.DeliveryMetrics

	outbound  []*domain.PendingMessage
	inbound   []domain.PendingInboundMessage
	consumers map[string]func(domain.ChatPayload)
	draining  bool

	status      func(channelID string) domain.SocketStatus
	send        func(channelID string, data []byte) error
	onDelivered func(channelID, msgID string)
	onNotSent   func(channelID, msgID string)

	logger *zap.SugaredLogger
}

type DeliveryQueueConfig struct {
	RetryInterval time.Duration
	Metrics       ports.DeliveryMetrics
	// Status and Send bind the queue to the transport layer.
	Status func(channelID string) domain.SocketStatus
	Send   func(channelID string, data []byte) error
}

func NewDeliveryQueue(store ports.KeyValueStore, cfg DeliveryQueueConfig, logger *zap.SugaredLogger) *DeliveryQueue {
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	return &DeliveryQueue{
		store:       store,
		retry:       cfg.RetryInterval,
		now:         time.Now,
		metrics:     cfg.Metrics,
		consumers:   make(map[string]func(domain.ChatPayload)),
		status:      cfg.Status,
		send:        cfg.Send,
		onDelivered: func(string, string) {},
		onNotSent:   func(string, string) {},
		logger:      logger,
	}
}

func (q *DeliveryQueue) OnDelivered(fn func(channelID, msgID string)) { q.onDelivered = fn }
func (q *DeliveryQueue) OnNotSent(fn func(channelID, msgID string))   { q.onNotSent = fn }

// Load restores the outbound queue. Restored messages are due immediately.
func (q *DeliveryQueue) Load(ctx context.Context) error {
	var list []*domain.PendingMessage
	found, err := loadJSON(ctx, q.store, pendingMessagesKey, &list, []*domain.PendingMessage{})
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	q.outbound = q.outbound[:0]
	for _, m := range list {
		if m == nil || m.Acknowledged {
			continue
		}
		m.TimeLastSent = -1
		q.outbound = append(q.outbound, m)
	}
	q.metrics.QueueDepth(len(q.outbound))
	q.logger.Infow("loaded pending messages", "count", len(q.outbound))
	return nil
}

// Enqueue adds a message and attempts delivery right away.
func (q *DeliveryQueue) Enqueue(ctx context.Context, channelID string, payload domain.ChatPayload) error {
	q.outbound = append(q.outbound, &domain.PendingMessage{
		ChannelID:    channelID,
		Payload:      payload,
		ID:           payload.MsgID,
		TimeLastSent: -1,
	})
	if err := q.persist(ctx); err != nil {
		return err
	}
	q.Sweep(ctx)
	return nil
}

// Sweep sends, for every channel, the oldest unacknowledged message if it
// was never sent or its retry interval has elapsed. Later messages of a
// channel wait until the head is acknowledged.
func (q *DeliveryQueue) Sweep(ctx context.Context) {
	now := q.now().UnixMilli()
	changed := false

	for _, head := range q.heads() {
		if head.TimeLastSent >= 0 && now-head.TimeLastSent <= q.retry.Milliseconds() {
			continue
		}
		if q.status(head.ChannelID) != domain.SocketConnected {
			continue
		}
		data, err := domain.EncodePeerPayload(head.Payload)
		if err != nil {
			q.logger.Errorw("failed to encode pending message", "channel", head.ChannelID, "msg_id", head.ID, "error", err)
			continue
		}
		if err := q.send(head.ChannelID, data); err != nil {
			q.logger.Warnw("failed to send pending message", "channel", head.ChannelID, "msg_id", head.ID, "error", err)
			continue
		}
		q.metrics.MessageSent(head.TimeLastSent >= 0)
		head.TimeLastSent = now
		changed = true
	}

	if changed {
		if err := q.persist(ctx); err != nil {
			q.logger.Warnw("failed to persist pending messages", "error", err)
		}
	}
}

// heads returns the oldest unacknowledged message of each channel.
func (q *DeliveryQueue) heads() []*domain.PendingMessage {
	sorted := make([]*domain.PendingMessage, 0, len(q.outbound))
	for _, m := range q.outbound {
		if !m.Acknowledged {
			sorted = append(sorted, m)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Payload.TimeSent < sorted[j].Payload.TimeSent
	})

	seen := make(map[string]bool)
	var heads []*domain.PendingMessage
	for _, m := range sorted {
		if seen[m.ChannelID] {
			continue
		}
		seen[m.ChannelID] = true
		heads = append(heads, m)
	}
	return heads
}

// Acknowledge completes the message with msgID. An unknown id is a
// duplicate or stale ack and is ignored.
func (q *DeliveryQueue) Acknowledge(ctx context.Context, msgID string) error {
	idx := -1
	for i, m := range q.outbound {
		if m.ID == msgID {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.logger.Warnw("ack for message not present in queue", "msg_id", msgID)
		return nil
	}

	m := q.outbound[idx]
	m.Acknowledged = true
	q.outbound = append(q.outbound[:idx:idx], q.outbound[idx+1:]...)
	if err := q.persist(ctx); err != nil {
		return err
	}
	q.metrics.MessageAcknowledged()
	q.onDelivered(m.ChannelID, m.ID)
	q.Sweep(ctx)
	return nil
}

// PurgeChannel drops every queued message of a channel. Each is reported as not sent.
func (q *DeliveryQueue) PurgeChannel(ctx context.Context, channelID string) error {
	return q.purge(ctx, func(m *domain.PendingMessage) bool { return m.ChannelID == channelID })
}

// PurgeMessages drops the listed messages of a channel.
func (q *DeliveryQueue) PurgeMessages(ctx context.Context, channelID string, ids []string) error {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	return q.purge(ctx, func(m *domain.PendingMessage) bool { return m.ChannelID == channelID && drop[m.ID] })
}

func (q *DeliveryQueue) purge(ctx context.Context, match func(*domain.PendingMessage) bool) error {
	var removed []*domain.PendingMessage
	kept := q.outbound[:0:0]
	for _, m := range q.outbound {
		if match(m) {
			removed = append(removed, m)
		} else {
			kept = append(kept, m)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	q.outbound = kept
	if err := q.persist(ctx); err != nil {
		return err
	}
	for _, m := range removed {
		q.onNotSent(m.ChannelID, m.ID)
	}
	return nil
}

func (q *DeliveryQueue) IsPending(msgID string) bool {
	for _, m := range q.outbound {
		if m.ID == msgID {
			return true
		}
	}
	return false
}

// Pending returns copies of the queued messages of a channel in queue order.
func (q *DeliveryQueue) Pending(channelID string) []domain.PendingMessage {
	var out []domain.PendingMessage
	for _, m := range q.outbound {
		if m.ChannelID == channelID {
			out = append(out, *m)
		}
	}
	return out
}

func (q *DeliveryQueue) Depth() int { return len(q.outbound) }

// Deliver buffers an inbound message and hands it to the channel's consumer
// if one is registered.
func (q *DeliveryQueue) Deliver(channelID string, payload domain.ChatPayload) {
	q.inbound = append(q.inbound, domain.PendingInboundMessage{ChannelID: channelID, Payload: payload})
	q.drainInbound()
}

// RegisterConsumer installs fn for a channel and drains everything
// buffered for it, in arrival order.
func (q *DeliveryQueue) RegisterConsumer(channelID string, fn func(domain.ChatPayload)) {
	q.consumers[channelID] = fn
	q.drainInbound()
}

func (q *DeliveryQueue) UnregisterConsumer(channelID string) {
	delete(q.consumers, channelID)
}

func (q *DeliveryQueue) BufferedInbound() int { return len(q.inbound) }

// drainInbound hands buffered messages to their consumers in arrival order.
// A Deliver from inside a consumer only appends; the running drain picks it
// up after everything that arrived before it.
func (q *DeliveryQueue) drainInbound() {
	if q.draining {
		return
	}
	q.draining = true
	defer func() { q.draining = false }()

	for {
		var kept []domain.PendingInboundMessage
		for len(q.inbound) > 0 {
			m := q.inbound[0]
			q.inbound = q.inbound[1:]
			if fn, ok := q.consumers[m.ChannelID]; ok {
				fn(m.Payload)
			} else {
				kept = append(kept, m)
			}
		}
		q.inbound = kept
		if !q.hasDeliverable() {
			return
		}
	}
}

// hasDeliverable covers a consumer registered by another consumer mid-drain.
func (q *DeliveryQueue) hasDeliverable() bool {
	for _, m := range q.inbound {
		if _, ok := q.consumers[m.ChannelID]; ok {
			return true
		}
	}
	return false
}

func (q *DeliveryQueue) persist(ctx context.Context) error {
	list := q.outbound
	if list == nil {
		list = []*domain.PendingMessage{}
	}
	q.metrics.QueueDepth(len(list))
	return saveJSON(ctx, q.store, pendingMessagesKey, list)
}
