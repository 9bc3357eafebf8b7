package bus

import (
	"context"
	"log"
	"sync"
)

type OutboundHandler func(msg OutboundMessage)

// MessageBus moves messages between channels and the gateway. Inbound is
// drained by the gateway; Outbound is fanned out to the subscribers of the
// message's channel by DispatchOutbound.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]OutboundHandler
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize < 0 {
		bufSize = 0
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string][]OutboundHandler),
	}
}

func (b *MessageBus) SubscribeOutbound(channel string, fn OutboundHandler) {
	b.mu.Lock()
	b.subscribers[channel] = append(b.subscribers[channel], fn)
	b.mu.Unlock()
}

// HasSubscribers reports whether any handler is registered for channel.
func (b *MessageBus) HasSubscribers(channel string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channel]) > 0
}

// Deliver runs the channel's handlers synchronously and reports whether at
// least one handler received the message.
func (b *MessageBus) Deliver(msg OutboundMessage) bool {
	b.mu.RLock()
	handlers := append([]OutboundHandler(nil), b.subscribers[msg.Channel]...)
	b.mu.RUnlock()
	if len(handlers) == 0 {
		log.Printf("[bus] no subscriber for channel %q, dropping message", msg.Channel)
		return false
	}
	for _, fn := range handlers {
		fn(msg)
	}
	return true
}

// DispatchOutbound delivers queued outbound messages until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.Deliver(msg)
		case <-ctx.Done():
			return
		}
	}
}
