package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryClaimRepository keeps claims in process memory. It backs the
// STORE=memory mode and the package tests, and follows the same version and
// append-only rules as the Postgres repository.
type MemoryClaimRepository struct {
	mu           sync.RWMutex
	nextID       int64
	nextEventID  int64
	claims       map[int64]*Claim
	applications map[string]*ReconciliationOutcome
}

func NewMemoryClaimRepository() *MemoryClaimRepository {
	return &MemoryClaimRepository{
		claims:       make(map[int64]*Claim),
		applications: make(map[string]*ReconciliationOutcome),
	}
}

func applicationKey(batchID string, claimID int64) string {
	return fmt.Sprintf("%s/%d", batchID, claimID)
}

func (r *MemoryClaimRepository) Create(_ context.Context, c *Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.claims {
		if existing.ClaimNumber == c.ClaimNumber {
			return fmt.Errorf("claim number %s already exists", c.ClaimNumber)
		}
	}
	r.nextID++
	c.ID = r.nextID
	c.Version = 1
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	for _, e := range c.Events {
		r.nextEventID++
		e.ID = r.nextEventID
		e.ClaimID = c.ID
	}
	r.claims[c.ID] = c.Clone()
	return nil
}

func (r *MemoryClaimRepository) GetByID(_ context.Context, id int64) (*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.claims[id]
	if !ok {
		return nil, fmt.Errorf("claim %d: %w", id, ErrClaimNotFound)
	}
	return c.Clone(), nil
}

func (r *MemoryClaimRepository) GetByControlNumber(_ context.Context, controlNumber string) (*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.claims {
		if c.ControlNumber != nil && *c.ControlNumber == controlNumber {
			return c.Clone(), nil
		}
	}
	return nil, fmt.Errorf("control number %s: %w", controlNumber, ErrClaimNotFound)
}

func (r *MemoryClaimRepository) List(_ context.Context, filter ClaimFilter, limit, offset int) ([]*Claim, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Claim
	for _, c := range r.claims {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.PatientID != nil && c.PatientID != *filter.PatientID {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	items := make([]*Claim, 0, end-offset)
	for _, c := range matched[offset:end] {
		cp := c.Clone()
		cp.Events = nil
		items = append(items, cp)
	}
	return items, total, nil
}

func (r *MemoryClaimRepository) Summary(_ context.Context) (*ClaimsSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := &ClaimsSummary{
		ByStatus:              make(map[Status]int),
		TotalCharges:          decimal.Zero,
		TotalPaid:             decimal.Zero,
		PatientResponsibility: decimal.Zero,
		Outstanding:           decimal.Zero,
	}
	for _, c := range r.claims {
		s.TotalClaims++
		s.ByStatus[c.Status]++
		if c.Status == StatusCancelled {
			continue
		}
		s.TotalCharges = s.TotalCharges.Add(c.TotalCharge)
		s.TotalPaid = s.TotalPaid.Add(c.TotalPaid)
		s.PatientResponsibility = s.PatientResponsibility.Add(c.PatientResponsibility)
		s.Outstanding = s.Outstanding.Add(c.TotalCharge.Sub(c.TotalPaid).Sub(c.ContractualAdjustment))
	}
	return s, nil
}

func (r *MemoryClaimRepository) Commit(_ context.Context, cm *Commit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.claims[cm.Claim.ID]
	if !ok {
		return fmt.Errorf("claim %d: %w", cm.Claim.ID, ErrClaimNotFound)
	}
	if stored.Version != cm.ExpectedVersion {
		return fmt.Errorf("claim %d at version %d, expected %d: %w", cm.Claim.ID, stored.Version, cm.ExpectedVersion, ErrConcurrentModification)
	}
	if cm.Claim.ControlNumber != nil {
		for id, other := range r.claims {
			if id != cm.Claim.ID && other.ControlNumber != nil && *other.ControlNumber == *cm.Claim.ControlNumber {
				return fmt.Errorf("control number %s already assigned to claim %d", *cm.Claim.ControlNumber, id)
			}
		}
	}
	if cm.Application != nil {
		if _, dup := r.applications[applicationKey(cm.Application.BatchID, cm.Application.ClaimID)]; dup {
			return fmt.Errorf("batch %s already applied to claim %d", cm.Application.BatchID, cm.Application.ClaimID)
		}
	}

	for _, e := range cm.Events {
		r.nextEventID++
		e.ID = r.nextEventID
		e.ClaimID = cm.Claim.ID
	}

	next := cm.Claim.Clone()
	next.Version = stored.Version + 1
	next.UpdatedAt = time.Now().UTC()
	next.CreatedAt = stored.CreatedAt
	// The stored log is the source of truth; only new events are appended.
	next.Events = stored.Clone().Events
	for _, e := range cm.Events {
		ev := *e
		next.Events = append(next.Events, &ev)
	}
	r.claims[next.ID] = next

	if cm.Application != nil {
		outcome := *cm.Application.Outcome
		r.applications[applicationKey(cm.Application.BatchID, cm.Application.ClaimID)] = &outcome
	}

	cm.Claim.Version = next.Version
	cm.Claim.UpdatedAt = next.UpdatedAt
	return nil
}

func (r *MemoryClaimRepository) GetApplication(_ context.Context, batchID string, claimID int64) (*ReconciliationOutcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.applications[applicationKey(batchID, claimID)]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}
