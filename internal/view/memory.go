package view

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRepository is an in-process Repository. It is safe for concurrent
// use; the compare-and-swap in Save happens under a single mutex so a
// cancelled caller never observes a partial write.
type MemoryRepository struct {
	mu    sync.Mutex
	views map[string]TransactionView
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{views: make(map[string]TransactionView)}
}

// FindByTransactionID implements Reader.
func (r *MemoryRepository) FindByTransactionID(ctx context.Context, transactionID string) (TransactionView, error) {
	if err := ctx.Err(); err != nil {
		return TransactionView{}, fmt.Errorf("find %s: %w", transactionID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.views[transactionID]
	if !ok {
		return TransactionView{}, fmt.Errorf("find %s: %w", transactionID, ErrNotFound)
	}
	return v, nil
}

// Save implements Repository.
func (r *MemoryRepository) Save(ctx context.Context, v TransactionView, expectedVersion int64) (int64, error) {
	if err := CheckSave(v, expectedVersion); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("save %s: %w", v.TransactionID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.views[v.TransactionID]
	switch {
	case expectedVersion == 0 && exists:
		return 0, fmt.Errorf("insert %s: %w", v.TransactionID, ErrVersionConflict)
	case expectedVersion > 0 && (!exists || current.Version != expectedVersion):
		return 0, fmt.Errorf("update %s at version %d: %w", v.TransactionID, expectedVersion, ErrVersionConflict)
	}

	v.Version = expectedVersion + 1
	r.views[v.TransactionID] = v
	return v.Version, nil
}

// Len returns the number of stored views.
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}
