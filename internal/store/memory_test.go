package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbongrid/agent-engine/internal/model"
)

func mint(deviceID string, start, end time.Time) *model.MintRecord {
	return &model.MintRecord{
		ID:            deviceID + start.String(),
		DeviceID:      deviceID,
		OwnerID:       "owner-1",
		CreditsEarned: decimal.NewFromInt(1),
		WindowStart:   start,
		WindowEnd:     end,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestRecordMint_OverlapRefused(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	ok, err := st.RecordMint(ctx, mint("device-1", base, base.Add(24*time.Hour)))
	if err != nil || !ok {
		t.Fatalf("first mint should succeed: ok=%v err=%v", ok, err)
	}

	// Overlapping window on the same device is refused.
	ok, err = st.RecordMint(ctx, mint("device-1", base.Add(12*time.Hour), base.Add(36*time.Hour)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("overlapping mint must be refused")
	}

	// Same window on a different device is independent.
	ok, _ = st.RecordMint(ctx, mint("device-2", base, base.Add(24*time.Hour)))
	if !ok {
		t.Error("different device must mint independently")
	}

	// Adjacent non-overlapping window on the same device is allowed.
	ok, _ = st.RecordMint(ctx, mint("device-1", base.Add(24*time.Hour), base.Add(48*time.Hour)))
	if !ok {
		t.Error("adjacent window must be allowed")
	}
}

func TestRecordMint_ConcurrentSameWindow(t *testing.T) {
	st := NewMemoryStore()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.RecordMint(context.Background(), mint("device-1", base, base.Add(24*time.Hour)))
			if err != nil {
				t.Errorf("record mint: %v", err)
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}

	mints, _ := st.MintsByDevice(context.Background(), "device-1")
	if len(mints) != 1 {
		t.Errorf("expected one recorded mint, got %d", len(mints))
	}
}

func TestQueryReadings_WindowAndOrder(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	// Insert out of order, one outside the window.
	for _, offset := range []time.Duration{3 * time.Hour, time.Hour, 48 * time.Hour, 2 * time.Hour} {
		st.InsertReading(ctx, &model.Reading{
			DeviceID:  "device-1",
			CO2Value:  1,
			Timestamp: base.Add(offset),
		})
	}

	readings, err := st.QueryReadings(ctx, "device-1", base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(readings) != 3 {
		t.Fatalf("expected 3 readings in window, got %d", len(readings))
	}
	for i := 1; i < len(readings); i++ {
		if readings[i].Timestamp.Before(readings[i-1].Timestamp) {
			t.Error("readings not in timestamp order")
		}
	}
}

func TestBalances(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	balance, err := st.GetBalance(ctx, "owner-1")
	if err != nil || !balance.IsZero() {
		t.Fatalf("fresh owner should have zero balance: %s err=%v", balance, err)
	}

	st.IncrementBalance(ctx, "owner-1", decimal.NewFromInt(5))
	st.IncrementBalance(ctx, "owner-1", decimal.NewFromInt(-2))

	balance, _ = st.GetBalance(ctx, "owner-1")
	if !balance.Equal(decimal.NewFromInt(3)) {
		t.Errorf("expected balance 3, got %s", balance)
	}
}

func TestHistoryByOwner(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	for i, kind := range []string{"mint", "trade"} {
		st.AppendHistory(ctx, &model.HistoryEntry{
			ID:        kind,
			OwnerID:   "owner-1",
			Kind:      kind,
			Amount:    decimal.NewFromInt(int64(i + 1)),
			Timestamp: time.Now().UTC(),
		})
	}

	history, err := st.HistoryByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 2 || history[0].Kind != "mint" || history[1].Kind != "trade" {
		t.Errorf("history out of order: %+v", history)
	}

	other, _ := st.HistoryByOwner(ctx, "owner-2")
	if len(other) != 0 {
		t.Errorf("expected empty history for other owner, got %d", len(other))
	}
}
