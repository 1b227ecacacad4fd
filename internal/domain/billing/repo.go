package billing

import "context"

// Commit is one atomic write of a claim: the new claim row, optionally its
// replaced lines, the events appended since load, and optionally a remittance
// application record. ExpectedVersion is the version the claim was loaded at.
type Commit struct {
	Claim           *Claim
	ExpectedVersion int
	LinesChanged    bool
	Events          []*RevenueCycleEvent
	Application     *RemittanceApplication
}

// ClaimRepository persists claims and their event log. There is no delete:
// cancelled is a terminal status. Events are only ever appended.
type ClaimRepository interface {
	// Create inserts a claim with its lines and initial events, assigning IDs
	// and setting Version to 1.
	Create(ctx context.Context, c *Claim) error
	// GetByID loads a claim with its lines and events.
	GetByID(ctx context.Context, id int64) (*Claim, error)
	GetByControlNumber(ctx context.Context, controlNumber string) (*Claim, error)
	// List returns claim headers without events.
	List(ctx context.Context, filter ClaimFilter, limit, offset int) ([]*Claim, int, error)
	Summary(ctx context.Context) (*ClaimsSummary, error)
	// Commit fails with ErrConcurrentModification when the stored version is
	// not ExpectedVersion. On success Claim.Version is incremented and the
	// events carry their assigned IDs.
	Commit(ctx context.Context, cm *Commit) error
	// GetApplication returns the recorded outcome of a batch for a claim, or
	// nil if the batch has not been applied to it.
	GetApplication(ctx context.Context, batchID string, claimID int64) (*ReconciliationOutcome, error)
}
