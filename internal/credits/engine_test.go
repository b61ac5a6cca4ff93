package credits

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbongrid/agent-engine/internal/model"
	"github.com/carbongrid/agent-engine/internal/store"
)

func decimalFromInt(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

// seedReadings inserts n readings for the device, evenly spread through the
// window, splitting the given totals across them.
func seedReadings(t *testing.T, st store.Store, deviceID string, window model.TimeRange, n int, totalCO2, totalEnergy float64, verified bool) {
	t.Helper()
	step := window.End.Sub(window.Start) / time.Duration(n+1)
	for i := 0; i < n; i++ {
		r := model.Reading{
			DeviceID:    deviceID,
			CO2Value:    totalCO2 / float64(n),
			EnergyValue: totalEnergy / float64(n),
			Verified:    verified,
			Timestamp:   window.Start.Add(step * time.Duration(i+1)),
		}
		if err := st.InsertReading(context.Background(), &r); err != nil {
			t.Fatalf("insert reading: %v", err)
		}
	}
}

func testWindow() model.TimeRange {
	end := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	return model.TimeRange{Start: end.Add(-24 * time.Hour), End: end}
}

func TestCalculateAndMint_EarnsAndMints(t *testing.T) {
	st := store.NewMemoryStore()
	e := NewEngine(st, DefaultConfig(), nil)
	window := testWindow()

	// 1200 CO2 over threshold 1000 → 1 credit; 50 energy is below its
	// threshold and contributes nothing.
	seedReadings(t, st, "device-1", window, 12, 1200, 50, true)

	result, err := e.CalculateAndMint(context.Background(), "device-1", "owner-1", window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.CanMint {
		t.Fatalf("expected CanMint, got reason %q", result.Reason)
	}
	if !result.CreditsEarned.Equal(decimalFromInt(1)) {
		t.Errorf("expected 1 credit, got %s", result.CreditsEarned)
	}
	if result.DataPointsUsed != 12 {
		t.Errorf("expected 12 data points, got %d", result.DataPointsUsed)
	}

	balance, _ := st.GetBalance(context.Background(), "owner-1")
	if !balance.Equal(decimalFromInt(1)) {
		t.Errorf("expected owner balance 1, got %s", balance)
	}
	history, _ := st.HistoryByOwner(context.Background(), "owner-1")
	if len(history) != 1 || history[0].Kind != "mint" {
		t.Errorf("expected one mint history entry, got %+v", history)
	}
}

func TestCalculateAndMint_SecondCallIsDuplicate(t *testing.T) {
	st := store.NewMemoryStore()
	e := NewEngine(st, DefaultConfig(), nil)
	window := testWindow()
	seedReadings(t, st, "device-1", window, 12, 1200, 50, true)

	if _, err := e.CalculateAndMint(context.Background(), "device-1", "owner-1", window); err != nil {
		t.Fatalf("first mint: %v", err)
	}

	result, err := e.CalculateAndMint(context.Background(), "device-1", "owner-1", window)
	if err != nil {
		t.Fatalf("second mint: %v", err)
	}
	if result.CanMint {
		t.Error("second calculation for the same window must not mint")
	}
	if !strings.Contains(result.Reason, "already calculated") {
		t.Errorf("expected duplicate reason, got %q", result.Reason)
	}

	balance, _ := st.GetBalance(context.Background(), "owner-1")
	if !balance.Equal(decimalFromInt(1)) {
		t.Errorf("balance must not change on duplicate, got %s", balance)
	}
}

func TestCalculateAndMint_OverlappingWindowIsDuplicate(t *testing.T) {
	st := store.NewMemoryStore()
	e := NewEngine(st, DefaultConfig(), nil)
	window := testWindow()
	seedReadings(t, st, "device-1", window, 12, 1200, 50, true)

	if _, err := e.CalculateAndMint(context.Background(), "device-1", "owner-1", window); err != nil {
		t.Fatalf("first mint: %v", err)
	}

	// Shift by half a window: still overlapping, still refused.
	shifted := model.TimeRange{
		Start: window.Start.Add(12 * time.Hour),
		End:   window.End.Add(12 * time.Hour),
	}
	result, err := e.CalculateAndMint(context.Background(), "device-1", "owner-1", shifted)
	if err != nil {
		t.Fatalf("shifted mint: %v", err)
	}
	if result.CanMint {
		t.Error("overlapping window must not mint")
	}
}

func TestCalculateAndMint_InsufficientDataPoints(t *testing.T) {
	st := store.NewMemoryStore()
	e := NewEngine(st, DefaultConfig(), nil)
	window := testWindow()
	seedReadings(t, st, "device-1", window, 5, 5000, 500, true)

	result, err := e.CalculateAndMint(context.Background(), "device-1", "owner-1", window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.CanMint {
		t.Error("five readings are below the minimum and must not mint")
	}
	if !strings.Contains(result.Reason, "insufficient data points") {
		t.Errorf("expected data-point reason, got %q", result.Reason)
	}
}

func TestCalculateAndMint_NoCreditsEarned(t *testing.T) {
	st := store.NewMemoryStore()
	e := NewEngine(st, DefaultConfig(), nil)
	window := testWindow()
	seedReadings(t, st, "device-1", window, 12, 100, 10, true)

	result, err := e.CalculateAndMint(context.Background(), "device-1", "owner-1", window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.CanMint {
		t.Error("sub-threshold totals must not mint")
	}
	if result.Reason != "no credits earned" {
		t.Errorf("expected %q, got %q", "no credits earned", result.Reason)
	}
}

func TestCalculateAndMint_UnverifiedReadingsBlocked(t *testing.T) {
	st := store.NewMemoryStore()
	e := NewEngine(st, DefaultConfig(), nil)
	window := testWindow()
	seedReadings(t, st, "device-1", window, 12, 1200, 50, false)

	result, err := e.CalculateAndMint(context.Background(), "device-1", "owner-1", window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.CanMint {
		t.Error("unverified readings must not mint when verification is required")
	}
}

func TestCalculateAndMint_DailyCap(t *testing.T) {
	st := store.NewMemoryStore()
	e := NewEngine(st, DefaultConfig(), nil)
	window := testWindow()
	// Enough CO2 for far more than the daily cap.
	seedReadings(t, st, "device-1", window, 12, 1_000_000, 0, true)

	result, err := e.CalculateAndMint(context.Background(), "device-1", "owner-1", window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.CreditsEarned.Equal(decimalFromInt(DefaultConfig().MaxCreditsPerDay)) {
		t.Errorf("expected cap %d, got %s", DefaultConfig().MaxCreditsPerDay, result.CreditsEarned)
	}
}

func TestCalculateAndMint_ConcurrentCallersMintOnce(t *testing.T) {
	st := store.NewMemoryStore()
	e := NewEngine(st, DefaultConfig(), nil)
	window := testWindow()
	seedReadings(t, st, "device-1", window, 12, 1200, 50, true)

	const callers = 8
	var wg sync.WaitGroup
	minted := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := e.CalculateAndMint(context.Background(), "device-1", "owner-1", window)
			if err != nil {
				t.Errorf("concurrent mint: %v", err)
				return
			}
			minted <- result.CanMint
		}()
	}
	wg.Wait()
	close(minted)

	wins := 0
	for ok := range minted {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one successful mint, got %d", wins)
	}

	balance, _ := st.GetBalance(context.Background(), "owner-1")
	if !balance.Equal(decimalFromInt(1)) {
		t.Errorf("expected balance 1 after the race, got %s", balance)
	}
}
