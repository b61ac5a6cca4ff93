package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/carbongrid/agent-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for owner aggregates. Writes go to the primary store and invalidate
// the cache; reads check Redis first then fall back to the primary. The
// cache is advisory only — it is never consulted for the idempotency check.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) RecordMint(ctx context.Context, rec *model.MintRecord) (bool, error) {
	minted, err := s.primary.RecordMint(ctx, rec)
	if err != nil {
		return false, err
	}
	if minted {
		s.rdb.Del(ctx, balanceKey(rec.OwnerID), historyKey(rec.OwnerID))
	}
	return minted, nil
}

func (s *CachedStore) AppendHistory(ctx context.Context, e *model.HistoryEntry) error {
	if err := s.primary.AppendHistory(ctx, e); err != nil {
		return err
	}
	s.rdb.Del(ctx, historyKey(e.OwnerID))
	return nil
}

func (s *CachedStore) IncrementBalance(ctx context.Context, ownerID string, delta decimal.Decimal) error {
	if err := s.primary.IncrementBalance(ctx, ownerID, delta); err != nil {
		return err
	}
	// Invalidate; next read re-populates from the primary.
	s.rdb.Del(ctx, balanceKey(ownerID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBalance(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	if val, err := s.rdb.Get(ctx, balanceKey(ownerID)).Result(); err == nil {
		if balance, derr := decimal.NewFromString(val); derr == nil {
			return balance, nil
		}
	}

	balance, err := s.primary.GetBalance(ctx, ownerID)
	if err != nil {
		return decimal.Zero, err
	}

	s.rdb.Set(ctx, balanceKey(ownerID), balance.String(), s.ttl)
	return balance, nil
}

func (s *CachedStore) HistoryByOwner(ctx context.Context, ownerID string) ([]model.HistoryEntry, error) {
	if data, err := s.rdb.Get(ctx, historyKey(ownerID)).Bytes(); err == nil {
		var entries []model.HistoryEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.primary.HistoryByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, historyKey(ownerID), data, s.ttl)
	}
	return entries, nil
}

// --- Passthrough (never cached: idempotency and raw telemetry) ---

func (s *CachedStore) InsertReading(ctx context.Context, r *model.Reading) error {
	return s.primary.InsertReading(ctx, r)
}

func (s *CachedStore) QueryReadings(ctx context.Context, deviceID string, start, end time.Time) ([]model.Reading, error) {
	return s.primary.QueryReadings(ctx, deviceID, start, end)
}

func (s *CachedStore) HasMintForWindow(ctx context.Context, deviceID string, start, end time.Time) (bool, error) {
	return s.primary.HasMintForWindow(ctx, deviceID, start, end)
}

func (s *CachedStore) MintsByDevice(ctx context.Context, deviceID string) ([]model.MintRecord, error) {
	return s.primary.MintsByDevice(ctx, deviceID)
}

// --- Cache keys ---

func balanceKey(ownerID string) string { return fmt.Sprintf("balance:%s", ownerID) }
func historyKey(ownerID string) string { return fmt.Sprintf("history:%s", ownerID) }
