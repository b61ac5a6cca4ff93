package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbongrid/agent-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// A single mutex covers both the overlap check and the mint insert, so the
// exactly-once guarantee of RecordMint holds under concurrent callers.
type MemoryStore struct {
	mu       sync.RWMutex
	readings map[string][]model.Reading // deviceID → readings
	mints    map[string][]model.MintRecord
	history  map[string][]model.HistoryEntry
	balances map[string]decimal.Decimal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		readings: make(map[string][]model.Reading),
		mints:    make(map[string][]model.MintRecord),
		history:  make(map[string][]model.HistoryEntry),
		balances: make(map[string]decimal.Decimal),
	}
}

func (s *MemoryStore) InsertReading(_ context.Context, r *model.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readings[r.DeviceID] = append(s.readings[r.DeviceID], *r)
	return nil
}

func (s *MemoryStore) QueryReadings(_ context.Context, deviceID string, start, end time.Time) ([]model.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Reading
	for _, r := range s.readings[deviceID] {
		if r.Timestamp.Before(start) || r.Timestamp.After(end) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *MemoryStore) RecordMint(_ context.Context, rec *model.MintRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := model.TimeRange{Start: rec.WindowStart, End: rec.WindowEnd}
	for _, existing := range s.mints[rec.DeviceID] {
		if window.Overlaps(model.TimeRange{Start: existing.WindowStart, End: existing.WindowEnd}) {
			return false, nil
		}
	}

	s.mints[rec.DeviceID] = append(s.mints[rec.DeviceID], *rec)
	return true, nil
}

func (s *MemoryStore) HasMintForWindow(_ context.Context, deviceID string, start, end time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	window := model.TimeRange{Start: start, End: end}
	for _, existing := range s.mints[deviceID] {
		if window.Overlaps(model.TimeRange{Start: existing.WindowStart, End: existing.WindowEnd}) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) MintsByDevice(_ context.Context, deviceID string) ([]model.MintRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.MintRecord, len(s.mints[deviceID]))
	copy(out, s.mints[deviceID])
	return out, nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, e *model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[e.OwnerID] = append(s.history[e.OwnerID], *e)
	return nil
}

func (s *MemoryStore) HistoryByOwner(_ context.Context, ownerID string) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.HistoryEntry, len(s.history[ownerID]))
	copy(out, s.history[ownerID])
	return out, nil
}

func (s *MemoryStore) IncrementBalance(_ context.Context, ownerID string, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances[ownerID] = s.balances[ownerID].Add(delta)
	return nil
}

func (s *MemoryStore) GetBalance(_ context.Context, ownerID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.balances[ownerID], nil
}
