// Package credits converts aggregated device telemetry into carbon credits
// and guarantees each (device, window) pair is minted at most once.
//
// The engine never raises on a duplicate: a second calculation for an
// overlapping window short-circuits with CanMint=false and a reason
// containing "already calculated". The overlap check and the mint write are
// one atomic unit inside the store, so concurrent calculators cannot
// double-mint.
package credits

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carbongrid/agent-engine/internal/metrics"
	"github.com/carbongrid/agent-engine/internal/model"
	"github.com/carbongrid/agent-engine/internal/store"
)

// verifiedFractionFloor is the minimum share of verified readings required
// when verification is enforced.
const verifiedFractionFloor = 0.8

// Config holds the credit-calculation parameters. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	CO2Threshold          float64 // CO2 units per credit
	EnergyThreshold       float64 // energy units per credit
	CreditIntervalHours   int     // calculation window length
	MaxCreditsPerDay      int64   // per-device daily cap
	TemperatureMultiplier float64
	HumidityMultiplier    float64
	RequireVerification   bool
	MinDataPoints         int
}

// DefaultConfig returns the standard calculation parameters.
func DefaultConfig() Config {
	return Config{
		CO2Threshold:          1000,
		EnergyThreshold:       100,
		CreditIntervalHours:   24,
		MaxCreditsPerDay:      100,
		TemperatureMultiplier: 0.1,
		HumidityMultiplier:    0.05,
		RequireVerification:   true,
		MinDataPoints:         10,
	}
}

// EventPublisher receives mint events for downstream consumers. A nil
// publisher disables publishing.
type EventPublisher interface {
	PublishMint(ctx context.Context, rec *model.MintRecord) error
}

// Engine computes and mints credits against a Store.
type Engine struct {
	store     store.Store
	cfg       Config
	publisher EventPublisher
}

// NewEngine creates an engine. publisher may be nil.
func NewEngine(st store.Store, cfg Config, publisher EventPublisher) *Engine {
	return &Engine{store: st, cfg: cfg, publisher: publisher}
}

// Config returns the engine's calculation parameters.
func (e *Engine) Config() Config { return e.cfg }

// Window returns the calculation window ending at `end` with the configured
// interval length.
func (e *Engine) Window(end time.Time) model.TimeRange {
	return model.TimeRange{
		Start: end.Add(-time.Duration(e.cfg.CreditIntervalHours) * time.Hour),
		End:   end,
	}
}

// CalculateAndMint runs the full calculation-plus-mint flow for one device
// window. It returns a result with CanMint=false (and a reason) rather than
// an error for all domain-level failures; the error return covers store
// failures only.
func (e *Engine) CalculateAndMint(ctx context.Context, deviceID, ownerID string, window model.TimeRange) (*model.CreditCalculationResult, error) {
	result := &model.CreditCalculationResult{
		DeviceID:      deviceID,
		CreditsEarned: decimal.Zero,
		TimeRange:     window,
	}

	// Cheap pre-check; the authoritative check happens inside RecordMint.
	exists, err := e.store.HasMintForWindow(ctx, deviceID, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("credits: mint existence check: %w", err)
	}
	if exists {
		metrics.DuplicateMints.Inc()
		result.Reason = "already calculated for overlapping window"
		return result, nil
	}

	readings, err := e.store.QueryReadings(ctx, deviceID, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("credits: query readings: %w", err)
	}
	result.DataPointsUsed = len(readings)

	if len(readings) < e.cfg.MinDataPoints {
		result.Reason = "insufficient data points"
		return result, nil
	}

	var totalCO2, totalEnergy, totalTemp, totalHumidity float64
	verified := 0
	for _, r := range readings {
		totalCO2 += r.CO2Value
		totalEnergy += r.EnergyValue
		totalTemp += r.Temperature
		totalHumidity += r.Humidity
		if r.Verified {
			verified++
		}
	}
	result.CO2Reduced = totalCO2
	result.EnergySaved = totalEnergy
	result.TemperatureImpact = totalTemp
	result.HumidityImpact = totalHumidity

	co2Credits := int64(math.Floor(totalCO2 / e.cfg.CO2Threshold))
	energyCredits := int64(math.Floor(totalEnergy / e.cfg.EnergyThreshold))
	tempCredits := int64(math.Floor(totalTemp * e.cfg.TemperatureMultiplier))
	humidityCredits := int64(math.Floor(totalHumidity * e.cfg.HumidityMultiplier))

	earned := co2Credits + energyCredits + tempCredits + humidityCredits
	if earned < 0 {
		earned = 0
	}
	if earned > e.cfg.MaxCreditsPerDay {
		earned = e.cfg.MaxCreditsPerDay
	}
	result.CreditsEarned = decimal.NewFromInt(earned)

	if earned <= 0 {
		result.Reason = "no credits earned"
		return result, nil
	}
	if e.cfg.RequireVerification {
		fraction := float64(verified) / float64(len(readings))
		if fraction < verifiedFractionFloor {
			result.Reason = fmt.Sprintf("verified fraction %.2f below %.2f", fraction, verifiedFractionFloor)
			return result, nil
		}
	}

	rec := &model.MintRecord{
		ID:            uuid.New().String(),
		DeviceID:      deviceID,
		OwnerID:       ownerID,
		CreditsEarned: result.CreditsEarned,
		WindowStart:   window.Start,
		WindowEnd:     window.End,
		CreatedAt:     time.Now().UTC(),
	}

	minted, err := e.store.RecordMint(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("credits: record mint: %w", err)
	}
	if !minted {
		// A concurrent calculator won the race for this window.
		metrics.DuplicateMints.Inc()
		result.CreditsEarned = decimal.Zero
		result.Reason = "already calculated for overlapping window"
		return result, nil
	}

	if err := e.store.AppendHistory(ctx, &model.HistoryEntry{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Kind:      "mint",
		Amount:    result.CreditsEarned,
		Detail:    fmt.Sprintf("minted from device %s", deviceID),
		Timestamp: rec.CreatedAt,
	}); err != nil {
		return nil, fmt.Errorf("credits: append history: %w", err)
	}
	if err := e.store.IncrementBalance(ctx, ownerID, result.CreditsEarned); err != nil {
		return nil, fmt.Errorf("credits: increment balance: %w", err)
	}

	if e.publisher != nil {
		if err := e.publisher.PublishMint(ctx, rec); err != nil {
			// Publishing is best-effort; the ledger write already committed.
			slog.Warn("credits: mint event publish failed", "device", deviceID, "err", err)
		}
	}

	metrics.CreditsMinted.WithLabelValues(deviceID).Inc()
	slog.Info("credits minted",
		"device", deviceID,
		"owner", ownerID,
		"credits", result.CreditsEarned.String(),
		"data_points", result.DataPointsUsed,
	)

	result.CanMint = true
	return result, nil
}
