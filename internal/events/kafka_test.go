package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/carbongrid/agent-engine/internal/model"
)

// captureWriter records messages instead of talking to a broker.
type captureWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func (w *captureWriter) wait(t *testing.T, n int) []kafka.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		if len(w.msgs) >= n {
			out := make([]kafka.Message, len(w.msgs))
			copy(out, w.msgs)
			w.mu.Unlock()
			return out
		}
		w.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func testRecord() *model.MintRecord {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	return &model.MintRecord{
		ID:            "mint-1",
		DeviceID:      "device-1",
		OwnerID:       "owner-1",
		CreditsEarned: decimal.NewFromInt(3),
		WindowStart:   now.Add(-24 * time.Hour),
		WindowEnd:     now,
		CreatedAt:     now,
	}
}

func TestPublishMint_KeyedByDevice(t *testing.T) {
	w := &captureWriter{}
	p := newPublisher(w)
	defer p.Close()

	if err := p.PublishMint(context.Background(), testRecord()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs := w.wait(t, 1)
	if string(msgs[0].Key) != "device-1" {
		t.Errorf("expected device key, got %q", msgs[0].Key)
	}

	var event MintEvent
	if err := json.Unmarshal(msgs[0].Value, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.ID != "mint-1" || event.CreditsEarned != "3" {
		t.Errorf("unexpected event: %+v", event)
	}
	if event.WindowEnd-event.WindowStart != (24 * time.Hour).Milliseconds() {
		t.Errorf("window mismatch: %d..%d", event.WindowStart, event.WindowEnd)
	}
}

func TestPublishMint_NeverBlocks(t *testing.T) {
	w := &captureWriter{}
	p := newPublisher(w)
	defer p.Close()

	// Far more events than the queue holds; extras are dropped, not blocked.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < queueSize*4; i++ {
			p.PublishMint(context.Background(), testRecord())
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PublishMint blocked on a full queue")
	}
}
