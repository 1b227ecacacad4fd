package remittance

import (
	"context"
	"sort"
	"sync"
)

// BatchRepository keeps batch headers. Saving a batch id that already
// exists updates its counts and processing time but keeps when it was first
// received.
type BatchRepository interface {
	Save(ctx context.Context, h *BatchHeader) error
	Get(ctx context.Context, batchID string) (*BatchHeader, error)
	List(ctx context.Context, limit, offset int) ([]*BatchHeader, int, error)
}

type MemoryBatchRepository struct {
	mu      sync.RWMutex
	batches map[string]*BatchHeader
}

func NewMemoryBatchRepository() *MemoryBatchRepository {
	return &MemoryBatchRepository{batches: make(map[string]*BatchHeader)}
}

func (r *MemoryBatchRepository) Save(_ context.Context, h *BatchHeader) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *h
	if prev, ok := r.batches[h.BatchID]; ok {
		cp.ReceivedAt = prev.ReceivedAt
		if cp.ArchiveKey == "" {
			cp.ArchiveKey = prev.ArchiveKey
		}
	}
	r.batches[h.BatchID] = &cp
	h.ReceivedAt = cp.ReceivedAt
	h.ArchiveKey = cp.ArchiveKey
	return nil
}

func (r *MemoryBatchRepository) Get(_ context.Context, batchID string) (*BatchHeader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.batches[batchID]
	if !ok {
		return nil, ErrBatchNotFound
	}
	cp := *h
	return &cp, nil
}

// List returns headers newest first.
func (r *MemoryBatchRepository) List(_ context.Context, limit, offset int) ([]*BatchHeader, int, error) {
	r.mu.RLock()
	all := make([]*BatchHeader, 0, len(r.batches))
	for _, h := range r.batches {
		cp := *h
		all = append(all, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].ReceivedAt.Equal(all[j].ReceivedAt) {
			return all[i].BatchID > all[j].BatchID
		}
		return all[i].ReceivedAt.After(all[j].ReceivedAt)
	})
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}
