package clearinghouse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/ehr/revcycle/internal/domain/billing"
)

// Days after submission at which the simulator reports a claim as pending
// and then as finalized.
const (
	simPendingAfter   = 24 * time.Hour
	simFinalizedAfter = 72 * time.Hour
)

// Simulator answers like a clearinghouse without leaving the process. The
// same claim always gets the same reference, and payers listed in
// rejectPayers reject every submission. Self-pay claims are accepted and
// routed to patient statements.
type Simulator struct {
	rejectPayers map[string]bool
	now          func() time.Time
}

func NewSimulator(rejectPayers []string) *Simulator {
	s := &Simulator{
		rejectPayers: make(map[string]bool, len(rejectPayers)),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, p := range rejectPayers {
		if p = strings.TrimSpace(p); p != "" {
			s.rejectPayers[p] = true
		}
	}
	return s
}

func (s *Simulator) SetClock(now func() time.Time) { s.now = now }

func (s *Simulator) Submit(ctx context.Context, c *billing.Claim) (*billing.SubmissionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &billing.SubmissionResult{
		Source:           billing.SourceSimulated,
		GatewayReference: simReference(c),
		ReceivedAt:       s.now(),
	}
	if c.ControlNumber != nil {
		res.ControlNumber = *c.ControlNumber
	}

	switch {
	case c.SelfPay():
		res.Accepted = true
		res.Message = "accepted as self-pay, routed to patient statement"
	case s.rejectPayers[c.Payer.PayerID]:
		res.Message = "rejected by payer " + c.Payer.PayerID
		res.Reasons = []string{"payer " + c.Payer.PayerID + " does not accept electronic claims from this submitter"}
	default:
		res.Accepted = true
		res.Message = "accepted for processing"
	}
	return res, nil
}

// CheckStatus reports received, then pending, then finalized as time passes
// since submission.
func (s *Simulator) CheckStatus(ctx context.Context, c *billing.Claim) (*billing.StatusResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &billing.StatusResult{Source: billing.SourceSimulated, CheckedAt: s.now()}

	switch {
	case c.SubmittedAt == nil:
		res.OverallStatus = billing.PayerStatusUnknown
		res.CategoryStatuses = []billing.CategoryStatus{{Category: "D0", Description: "claim not found"}}
		return res, nil
	case !c.SelfPay() && s.rejectPayers[c.Payer.PayerID]:
		res.OverallStatus = billing.PayerStatusRejected
		res.CategoryStatuses = []billing.CategoryStatus{{Category: "A3", Code: "21", Description: "returned as unprocessable"}}
		return res, nil
	}

	res.PayerClaimNumber = "PCN-" + strings.TrimPrefix(simReference(c), "SIM-")
	age := res.CheckedAt.Sub(*c.SubmittedAt)
	switch {
	case age < simPendingAfter:
		res.OverallStatus = billing.PayerStatusReceived
		res.CategoryStatuses = []billing.CategoryStatus{{Category: "A1", Code: "20", Description: "accepted for processing"}}
	case age < simFinalizedAfter:
		res.OverallStatus = billing.PayerStatusPending
		res.CategoryStatuses = []billing.CategoryStatus{{Category: "P1", Code: "20", Description: "in process"}}
	default:
		res.OverallStatus = billing.PayerStatusFinalized
		res.CategoryStatuses = []billing.CategoryStatus{{Category: "F1", Code: "65", Description: "finalized, payment forthcoming"}}
	}
	return res, nil
}

func simReference(c *billing.Claim) string {
	key := c.ClaimNumber
	if c.ControlNumber != nil {
		key += "/" + *c.ControlNumber
	}
	sum := sha256.Sum256([]byte(key))
	return "SIM-" + strings.ToUpper(hex.EncodeToString(sum[:6]))
}
