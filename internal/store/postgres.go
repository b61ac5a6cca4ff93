package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/carbongrid/agent-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Credit amounts are stored as NUMERIC for exact decimal precision.
//
// RecordMint serializes per device with a transaction-scoped advisory lock,
// so the overlap check and the insert commit as one atomic unit. A unique
// constraint on (device_id, window_start, window_end) backstops exact
// duplicates even if the lock is bypassed.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InsertReading(ctx context.Context, r *model.Reading) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO readings (device_id, co2_value, energy_value, temperature, humidity, verified, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.DeviceID, r.CO2Value, r.EnergyValue, r.Temperature, r.Humidity, r.Verified, r.Timestamp,
	)
	return err
}

func (s *PostgresStore) QueryReadings(ctx context.Context, deviceID string, start, end time.Time) ([]model.Reading, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT device_id, co2_value, energy_value, temperature, humidity, verified, timestamp
		 FROM readings
		 WHERE device_id = $1 AND timestamp >= $2 AND timestamp <= $3
		 ORDER BY timestamp`, deviceID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []model.Reading
	for rows.Next() {
		var r model.Reading
		if err := rows.Scan(&r.DeviceID, &r.CO2Value, &r.EnergyValue,
			&r.Temperature, &r.Humidity, &r.Verified, &r.Timestamp); err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func (s *PostgresStore) RecordMint(ctx context.Context, rec *model.MintRecord) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("record mint begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize all mint attempts for this device within the transaction.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, rec.DeviceID); err != nil {
		return false, fmt.Errorf("record mint lock: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM credit_mints
		   WHERE device_id = $1 AND window_start < $3 AND $2 < window_end
		 )`, rec.DeviceID, rec.WindowStart, rec.WindowEnd).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("record mint overlap check: %w", err)
	}
	if exists {
		return false, tx.Commit(ctx)
	}

	ct, err := tx.Exec(ctx,
		`INSERT INTO credit_mints (id, device_id, owner_id, credits_earned, window_start, window_end, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)
		 ON CONFLICT (device_id, window_start, window_end) DO NOTHING`,
		rec.ID, rec.DeviceID, rec.OwnerID, rec.CreditsEarned.String(),
		rec.WindowStart, rec.WindowEnd, rec.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("record mint insert: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	return true, tx.Commit(ctx)
}

func (s *PostgresStore) HasMintForWindow(ctx context.Context, deviceID string, start, end time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM credit_mints
		   WHERE device_id = $1 AND window_start < $3 AND $2 < window_end
		 )`, deviceID, start, end).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has mint for window: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) MintsByDevice(ctx context.Context, deviceID string) ([]model.MintRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, device_id, owner_id, credits_earned::TEXT, window_start, window_end, created_at
		 FROM credit_mints WHERE device_id = $1 ORDER BY window_start`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mints []model.MintRecord
	for rows.Next() {
		var m model.MintRecord
		var creditsS string
		if err := rows.Scan(&m.ID, &m.DeviceID, &m.OwnerID, &creditsS,
			&m.WindowStart, &m.WindowEnd, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreditsEarned, _ = decimal.NewFromString(creditsS)
		mints = append(mints, m)
	}
	return mints, rows.Err()
}

func (s *PostgresStore) AppendHistory(ctx context.Context, e *model.HistoryEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credit_history (id, owner_id, kind, amount, detail, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		e.ID, e.OwnerID, e.Kind, e.Amount.String(), e.Detail, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) HistoryByOwner(ctx context.Context, ownerID string) ([]model.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, kind, amount::TEXT, detail, timestamp
		 FROM credit_history WHERE owner_id = $1 ORDER BY timestamp`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		var amountS string
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Kind, &amountS, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amountS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) IncrementBalance(ctx context.Context, ownerID string, delta decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO owner_balances (owner_id, balance)
		 VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (owner_id) DO UPDATE
		 SET balance = owner_balances.balance + EXCLUDED.balance`,
		ownerID, delta.String(),
	)
	return err
}

func (s *PostgresStore) GetBalance(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	var balanceS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(
		   (SELECT balance::TEXT FROM owner_balances WHERE owner_id = $1), '0')`,
		ownerID).Scan(&balanceS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", ownerID, err)
	}
	balance, _ := decimal.NewFromString(balanceS)
	return balance, nil
}
