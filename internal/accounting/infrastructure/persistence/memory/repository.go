// Package memory 内存核算仓储，用于单测与本地联调
package memory

import (
	"context"
	"sync"

	"github.com/wyfcoding/deficonverter/internal/accounting/domain"
)

type LedgerRepo struct {
	mu      sync.RWMutex
	entries map[string]*domain.LedgerEntry
	order   []string
	actions []*domain.ActionRecord
	nextSeq uint64
}

func NewLedgerRepo() *LedgerRepo {
	return &LedgerRepo{
		entries: make(map[string]*domain.LedgerEntry),
		nextSeq: 1,
	}
}

func entryKey(userID, positionID string) string {
	return userID + "|" + positionID
}

func (r *LedgerRepo) GetEntry(_ context.Context, userID, positionID string) (*domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[entryKey(userID, positionID)]
	if !ok {
		return nil, domain.ErrEntryNotFound
	}
	clone := *entry
	return &clone, nil
}

func (r *LedgerRepo) SaveEntry(_ context.Context, entry *domain.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := entryKey(entry.UserID, entry.PositionID)
	clone := *entry
	r.entries[key] = &clone
	r.order = append(r.order, key)
	return nil
}

func (r *LedgerRepo) UpdateEntry(_ context.Context, entry *domain.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := entryKey(entry.UserID, entry.PositionID)
	if _, ok := r.entries[key]; !ok {
		return domain.ErrEntryNotFound
	}
	clone := *entry
	r.entries[key] = &clone
	return nil
}

func (r *LedgerRepo) ListEntriesByUser(_ context.Context, userID string) ([]*domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.LedgerEntry
	for _, key := range r.order {
		entry := r.entries[key]
		if entry.UserID == userID {
			clone := *entry
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *LedgerRepo) AppendAction(_ context.Context, action *domain.ActionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	action.Seq = r.nextSeq
	r.nextSeq++
	clone := *action
	r.actions = append(r.actions, &clone)
	return nil
}

func (r *LedgerRepo) ListActions(_ context.Context, userID, positionID string, limit, offset int) ([]*domain.ActionRecord, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*domain.ActionRecord
	for _, action := range r.actions {
		if action.UserID == userID && action.PositionID == positionID {
			clone := *action
			matched = append(matched, &clone)
		}
	}
	total := int64(len(matched))

	if offset > 0 {
		if offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[offset:]
	}
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (r *LedgerRepo) CountActionsByUser(_ context.Context, userID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, action := range r.actions {
		if action.UserID == userID {
			n++
		}
	}
	return n, nil
}
