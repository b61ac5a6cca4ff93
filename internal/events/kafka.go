// Package events publishes ledger events to Kafka for downstream consumers
// (reporting, settlement reconciliation). Publishing is best-effort and
// never blocks the mint path: events are queued and written asynchronously.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/carbongrid/agent-engine/internal/model"
)

const queueSize = 256

// kafkaMessageWriter is the subset of kafka.Writer used by the publisher,
// extracted for testing.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MintEvent is the wire payload written per successful mint.
type MintEvent struct {
	ID            string `json:"id"`
	DeviceID      string `json:"device_id"`
	OwnerID       string `json:"owner_id"`
	CreditsEarned string `json:"credits_earned"`
	WindowStart   int64  `json:"window_start"` // epoch ms
	WindowEnd     int64  `json:"window_end"`
	CreatedAt     int64  `json:"created_at"`
}

// Publisher asynchronously publishes mint events to a Kafka topic.
type Publisher struct {
	writer kafkaMessageWriter
	queue  chan kafka.Message
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPublisher creates a publisher writing to topic on the given brokers.
func NewPublisher(brokers []string, topic string) *Publisher {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return newPublisher(w)
}

func newPublisher(w kafkaMessageWriter) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		writer: w,
		queue:  make(chan kafka.Message, queueSize),
		cancel: cancel,
	}
	p.wg.Add(1)
	go p.run(ctx)
	return p
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			if err := p.writer.WriteMessages(ctx, msg); err != nil && ctx.Err() == nil {
				slog.Warn("events: kafka write failed", "err", err)
			}
		}
	}
}

// PublishMint queues a mint event keyed by device ID. A full queue drops
// the event rather than stalling the caller.
func (p *Publisher) PublishMint(_ context.Context, rec *model.MintRecord) error {
	event := MintEvent{
		ID:            rec.ID,
		DeviceID:      rec.DeviceID,
		OwnerID:       rec.OwnerID,
		CreditsEarned: rec.CreditsEarned.String(),
		WindowStart:   rec.WindowStart.UnixMilli(),
		WindowEnd:     rec.WindowEnd.UnixMilli(),
		CreatedAt:     rec.CreatedAt.UnixMilli(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	select {
	case p.queue <- kafka.Message{Key: []byte(rec.DeviceID), Value: value}:
	default:
		slog.Warn("events: queue full, dropping mint event", "device", rec.DeviceID)
	}
	return nil
}

// Close stops the writer loop and closes the underlying Kafka writer.
func (p *Publisher) Close() error {
	p.cancel()
	p.wg.Wait()
	return p.writer.Close()
}
