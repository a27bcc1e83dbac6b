package bus

import (
	"context"
	"log/slog"
)

const queueCapacity = 256

// MessageBus is the in-process message queue connecting channels to the relay.
// Inbound messages are consumed by a single relay loop; outbound messages are
// consumed by the channel manager's dispatcher.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

// New creates a MessageBus with bounded queues.
func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, queueCapacity),
		outbound: make(chan OutboundMessage, queueCapacity),
	}
}

// PublishInbound enqueues a message from a channel. Never blocks: when the
// queue is full the message is dropped and logged.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("inbound queue full, dropping message",
			"channel", msg.Channel,
			"sender_id", msg.SenderID,
		)
	}
}

// ConsumeInbound blocks until the next inbound message or context cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound enqueues a reply for channel dispatch. Never blocks.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("outbound queue full, dropping message",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
		)
	}
}

// SubscribeOutbound blocks until the next outbound message or context cancellation.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}
