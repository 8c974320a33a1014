package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store for tests and dry-run deployments.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*TradeRecord
	now     func() time.Time
}

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*TradeRecord), now: time.Now}
}

func (m *Memory) Create(_ context.Context, rec *TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prepare(rec, m.now())
	if _, dup := m.records[rec.ID]; dup {
		return errDuplicate(rec.ID)
	}
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *Memory) Update(_ context.Context, id string, u Update) (*TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := *rec
	if err := next.Apply(u, m.now()); err != nil {
		return nil, err
	}
	*rec = next
	return &next, nil
}

func (m *Memory) Get(_ context.Context, id string) (*TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) QueryTradesByUser(_ context.Context, userID string, limit int) ([]TradeRecord, error) {
	out := m.filter(func(r *TradeRecord) bool { return r.UserID == userID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListStale(_ context.Context, olderThan time.Duration) ([]TradeRecord, error) {
	cutoff := m.now().Add(-olderThan)
	out := m.filter(func(r *TradeRecord) bool {
		return r.Status == StatusPreparing && r.CreatedAt.Before(cutoff)
	})
	sortOldestFirst(out)
	return out, nil
}

func (m *Memory) ConfirmedHistory(_ context.Context, userID string) ([]TradeRecord, error) {
	out := m.filter(func(r *TradeRecord) bool {
		return r.Status == StatusConfirmed && (userID == "" || r.UserID == userID)
	})
	sortOldestFirst(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) filter(keep func(*TradeRecord) bool) []TradeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TradeRecord, 0)
	for _, r := range m.records {
		if keep(r) {
			out = append(out, *r)
		}
	}
	return out
}

func sortOldestFirst(recs []TradeRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

// prepare fills defaults on a record about to be inserted.
func prepare(rec *TradeRecord, now time.Time) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = StatusPreparing
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
}
