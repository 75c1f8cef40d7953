// Package callback 借款人回调注册表的内存实现
package callback

import (
	"sync"

	"github.com/wyfcoding/deficonverter/internal/conversion/domain"
)

type MemoryRegistry struct {
	mu        sync.RWMutex
	borrowers map[string]domain.Borrower
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		borrowers: make(map[string]domain.Borrower),
	}
}

func (r *MemoryRegistry) Register(positionID string, borrower domain.Borrower) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.borrowers[positionID] = borrower
	return nil
}

func (r *MemoryRegistry) Get(positionID string) (domain.Borrower, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	borrower, ok := r.borrowers[positionID]
	if !ok {
		return nil, domain.ErrBorrowerNotFound
	}
	return borrower, nil
}
