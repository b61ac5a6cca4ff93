// Package bus implements the in-process publish/subscribe message bus that
// carries A2A envelopes between agents. Delivery is at-least-once to live
// subscribers; nothing is durable across restarts.
package bus

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/carbongrid/agent-engine/internal/metrics"
	"github.com/carbongrid/agent-engine/internal/model"
)

const inboxBuffer = 256

// ErrNoSuchInbox is returned when draining an agent ID that never subscribed.
var ErrNoSuchInbox = errors.New("bus: no inbox registered for agent")

// Bus routes messages to per-recipient inboxes. A message addressed to
// model.Broadcast fans out to every subscriber except the sender.
// Send never blocks the caller: a full inbox drops the message and counts it.
type Bus struct {
	mu     sync.RWMutex
	inboxs map[string]chan model.Message
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		inboxs: make(map[string]chan model.Message),
	}
}

// Subscribe registers an agent ID and returns its inbox channel. Subscribing
// the same ID twice returns the existing channel.
func (b *Bus) Subscribe(id string) <-chan model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.inboxs[id]; ok {
		return ch
	}
	ch := make(chan model.Message, inboxBuffer)
	b.inboxs[id] = ch
	return ch
}

// Unsubscribe removes the subscriber and closes its inbox.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.inboxs[id]; ok {
		close(ch)
		delete(b.inboxs, id)
	}
}

// Send routes the message and returns its ID. Unknown recipients are a
// silent drop — the sender cannot distinguish a dead peer from a slow one.
func (b *Bus) Send(msg model.Message) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if msg.To != model.Broadcast {
		b.deliver(msg.To, msg)
		return msg.ID
	}

	for id := range b.inboxs {
		if id == msg.From {
			continue
		}
		b.deliver(id, msg)
	}
	return msg.ID
}

// deliver is non-blocking: a full inbox drops the message.
// Callers must hold at least the read lock.
func (b *Bus) deliver(to string, msg model.Message) {
	ch, ok := b.inboxs[to]
	if !ok {
		return
	}
	select {
	case ch <- msg:
		metrics.MessagesDelivered.WithLabelValues(string(msg.Type)).Inc()
	default:
		metrics.MessagesDropped.WithLabelValues(string(msg.Type)).Inc()
		slog.Warn("bus: inbox full, dropping message",
			"to", to, "type", msg.Type, "id", msg.ID)
	}
}

// Drain returns all pending messages for the agent in arrival order,
// emptying the inbox without blocking.
func (b *Bus) Drain(id string) ([]model.Message, error) {
	b.mu.RLock()
	ch, ok := b.inboxs[id]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrNoSuchInbox
	}

	var msgs []model.Message
	for {
		select {
		case msg, open := <-ch:
			if !open {
				return msgs, nil
			}
			msgs = append(msgs, msg)
		default:
			return msgs, nil
		}
	}
}

// Subscribers returns the IDs of all current subscribers.
func (b *Bus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.inboxs))
	for id := range b.inboxs {
		ids = append(ids, id)
	}
	return ids
}
