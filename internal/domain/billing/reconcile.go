package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Adjustment group codes.
const (
	GroupContractual           = "CO"
	GroupPatientResponsibility = "PR"
	GroupOtherAdjustment       = "OA"
	GroupPayerInitiated        = "PI"
	GroupCorrection            = "CR"
)

// ClaimStatusDenied is the payer claim status code that finalizes a claim as
// denied.
const ClaimStatusDenied = "4"

type Adjustment struct {
	GroupCode  string          `json:"group_code"`
	ReasonCode string          `json:"reason_code"`
	Amount     decimal.Decimal `json:"amount"`
}

// LineAdjudication is the payer's decision for one service line.
type LineAdjudication struct {
	LineNumber            int             `json:"line_number,omitempty"`
	ProcedureCode         string          `json:"procedure_code"`
	PaidAmount            decimal.Decimal `json:"paid_amount"`
	ContractualAdjustment decimal.Decimal `json:"contractual_adjustment"`
	PatientResponsibility decimal.Decimal `json:"patient_responsibility"`
}

// Adjudication is a remitted claim reduced to the amounts that post to the
// claim. PaidAmount is the sum of the line payments.
type Adjudication struct {
	BatchID               string             `json:"batch_id"`
	ControlNumber         string             `json:"control_number"`
	ClaimStatusCode       string             `json:"claim_status_code"`
	PayerClaimNumber      string             `json:"payer_claim_number,omitempty"`
	PaidAmount            decimal.Decimal    `json:"paid_amount"`
	PatientResponsibility decimal.Decimal    `json:"patient_responsibility"`
	ContractualAdjustment decimal.Decimal    `json:"contractual_adjustment"`
	OtherAdjustments      decimal.Decimal    `json:"other_adjustments"`
	Adjustments           []Adjustment       `json:"adjustments,omitempty"`
	Lines                 []LineAdjudication `json:"lines,omitempty"`
}

func (a *Adjudication) Denied() bool { return a.ClaimStatusCode == ClaimStatusDenied }

type OutcomeStatus string

const (
	OutcomeApplied   OutcomeStatus = "applied"
	OutcomeConflict  OutcomeStatus = "conflict"
	OutcomeUnmatched OutcomeStatus = "unmatched"
	OutcomeFailed    OutcomeStatus = "failed"
)

type ReconciliationOutcome struct {
	BatchID               string          `json:"batch_id"`
	ControlNumber         string          `json:"control_number"`
	ClaimID               int64           `json:"claim_id,omitempty"`
	ClaimNumber           string          `json:"claim_number,omitempty"`
	Status                OutcomeStatus   `json:"status"`
	ClaimStatus           Status          `json:"claim_status,omitempty"`
	PaidAmount            decimal.Decimal `json:"paid_amount"`
	PatientResponsibility decimal.Decimal `json:"patient_responsibility"`
	ContractualAdjustment decimal.Decimal `json:"contractual_adjustment"`
	Reasons               []string        `json:"reasons,omitempty"`
	Replayed              bool            `json:"replayed,omitempty"`
	AppliedAt             time.Time       `json:"applied_at"`
}

// RemittanceApplication records that a batch has been applied to a claim.
// It is written in the same transaction as the claim.
type RemittanceApplication struct {
	BatchID string
	ClaimID int64
	Outcome *ReconciliationOutcome
}

// postAdjudication adds the adjudicated amounts to c and returns the reasons
// the result would break the claim's balances. c must be a disposable copy.
func postAdjudication(c *Claim, adj *Adjudication) []string {
	var reasons []string

	matched := make(map[int]bool, len(adj.Lines))
	for _, la := range adj.Lines {
		line := matchLine(c, la, matched)
		if line == nil {
			reasons = append(reasons, fmt.Sprintf("remitted line %d (%s) matches no claim line", la.LineNumber, la.ProcedureCode))
			continue
		}
		matched[line.LineNumber] = true
		line.PaidAmount = line.PaidAmount.Add(la.PaidAmount)
		line.AllowedAmount = line.Extended().Sub(la.ContractualAdjustment)
		if line.PaidAmount.GreaterThan(line.Extended()) {
			reasons = append(reasons, fmt.Sprintf("line %d: paid %s exceeds charge %s", line.LineNumber, line.PaidAmount, line.Extended()))
		}
		if line.PaidAmount.IsNegative() {
			reasons = append(reasons, fmt.Sprintf("line %d: paid amount would become negative", line.LineNumber))
		}
	}

	c.TotalPaid = c.TotalPaid.Add(adj.PaidAmount)
	c.PatientResponsibility = c.PatientResponsibility.Add(adj.PatientResponsibility)
	c.ContractualAdjustment = c.ContractualAdjustment.Add(adj.ContractualAdjustment)
	c.OtherAdjustment = c.OtherAdjustment.Add(adj.OtherAdjustments)
	c.TotalAllowed = c.TotalCharge.Sub(c.ContractualAdjustment)
	if adj.PayerClaimNumber != "" {
		c.PayerClaimNumber = strPtr(adj.PayerClaimNumber)
	}

	if c.TotalPaid.GreaterThan(c.TotalCharge) {
		reasons = append(reasons, fmt.Sprintf("total paid %s would exceed total charge %s", c.TotalPaid, c.TotalCharge))
	}
	if c.TotalPaid.IsNegative() {
		reasons = append(reasons, fmt.Sprintf("total paid %s would be negative", c.TotalPaid))
	}
	if c.ContractualAdjustment.GreaterThan(c.TotalCharge) || c.ContractualAdjustment.IsNegative() {
		reasons = append(reasons, fmt.Sprintf("contractual adjustment %s outside [0, %s]", c.ContractualAdjustment, c.TotalCharge))
	}
	if c.PatientResponsibility.IsNegative() {
		reasons = append(reasons, "patient responsibility would be negative")
	}
	return reasons
}

// matchLine finds the claim line a remitted line pays: by line number when the
// payer echoed one, otherwise the first unmatched line with the same code.
func matchLine(c *Claim, la LineAdjudication, matched map[int]bool) *ClaimLine {
	for _, l := range c.Lines {
		if la.LineNumber > 0 {
			if l.LineNumber == la.LineNumber && (la.ProcedureCode == "" || l.ProcedureCode == la.ProcedureCode) {
				return l
			}
			continue
		}
		if !matched[l.LineNumber] && l.ProcedureCode == la.ProcedureCode {
			return l
		}
	}
	return nil
}
