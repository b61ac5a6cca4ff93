// Package store defines the persistence interface for the agent engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbongrid/agent-engine/internal/model"
)

// Store is the persistence interface for telemetry and the credit ledger.
// PostgreSQL is the source of truth; Redis provides a read-through cache
// layer for owner aggregates.
type Store interface {
	// --- Telemetry ---

	// InsertReading appends one parsed sensor event.
	InsertReading(ctx context.Context, r *model.Reading) error

	// QueryReadings returns all readings for a device in [start, end],
	// ordered by timestamp.
	QueryReadings(ctx context.Context, deviceID string, start, end time.Time) ([]model.Reading, error)

	// --- Credit ledger (immutable) ---

	// RecordMint atomically checks for an existing mint whose window
	// overlaps rec's window and, when none exists, appends rec. It returns
	// false when an overlapping mint is already recorded. The check and the
	// write are one atomic unit per device — this is what makes credit
	// issuance exactly-once per window.
	RecordMint(ctx context.Context, rec *model.MintRecord) (bool, error)

	// HasMintForWindow reports whether any recorded mint for the device
	// overlaps [start, end].
	HasMintForWindow(ctx context.Context, deviceID string, start, end time.Time) (bool, error)

	// MintsByDevice returns all mints recorded for a device.
	MintsByDevice(ctx context.Context, deviceID string) ([]model.MintRecord, error)

	// AppendHistory appends a balance-affecting event for an owner.
	AppendHistory(ctx context.Context, e *model.HistoryEntry) error

	// HistoryByOwner returns an owner's history in chronological order.
	HistoryByOwner(ctx context.Context, ownerID string) ([]model.HistoryEntry, error)

	// --- Owner balances ---

	// IncrementBalance adjusts the running credit balance for an owner.
	IncrementBalance(ctx context.Context, ownerID string, delta decimal.Decimal) error

	// GetBalance returns the running credit balance for an owner.
	GetBalance(ctx context.Context, ownerID string) (decimal.Decimal, error)
}
