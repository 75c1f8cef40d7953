// Package memory 内存仓位仓储，用于单测与本地联调
package memory

import (
	"context"
	"sync"

	"github.com/wyfcoding/deficonverter/internal/position/domain"
)

type PositionRepo struct {
	mu        sync.RWMutex
	byID      map[string]*domain.Position
	insertion []string
}

func NewPositionRepo() *PositionRepo {
	return &PositionRepo{
		byID: make(map[string]*domain.Position),
	}
}

func (r *PositionRepo) Save(_ context.Context, position *domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[position.PositionID]; ok {
		return domain.ErrPositionExists
	}
	clone := *position
	r.byID[position.PositionID] = &clone
	r.insertion = append(r.insertion, position.PositionID)
	return nil
}

func (r *PositionRepo) Update(_ context.Context, position *domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[position.PositionID]; !ok {
		return domain.ErrPositionNotFound
	}
	clone := *position
	r.byID[position.PositionID] = &clone
	return nil
}

func (r *PositionRepo) Get(_ context.Context, positionID string) (*domain.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	position, ok := r.byID[positionID]
	if !ok {
		return nil, domain.ErrPositionNotFound
	}
	clone := *position
	return &clone, nil
}

func (r *PositionRepo) Latest(_ context.Context, tuple domain.PositionTuple) (*domain.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *domain.Position
	for _, id := range r.insertion {
		p := r.byID[id]
		if p.Tuple() == tuple && (latest == nil || p.InstanceID > latest.InstanceID) {
			latest = p
		}
	}
	if latest == nil {
		return nil, domain.ErrPositionNotFound
	}
	clone := *latest
	return &clone, nil
}

func (r *PositionRepo) ListByTuple(_ context.Context, tuple domain.PositionTuple) ([]*domain.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Position
	for _, id := range r.insertion {
		p := r.byID[id]
		if p.Tuple() == tuple {
			clone := *p
			out = append(out, &clone)
		}
	}
	// insertion 顺序即实例号升序（实例单调铸造）
	return out, nil
}

func (r *PositionRepo) ListOpen(_ context.Context) ([]*domain.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Position
	for _, id := range r.insertion {
		p := r.byID[id]
		if p.Opened && !p.Closed {
			clone := *p
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *PositionRepo) CountOpen(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, p := range r.byID {
		if p.Opened && !p.Closed {
			n++
		}
	}
	return n, nil
}
