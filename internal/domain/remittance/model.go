// Package remittance applies payer remittance advice (835-style batches) to
// claims through the billing orchestrator.
package remittance

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/ehr/revcycle/internal/domain/billing"
)

var ErrBatchNotFound = errors.New("remittance batch not found")

// Batch is one remittance advice as received from the payer. BatchID is
// optional; without one it is derived from the content so that posting the
// same file twice is recognised.
type Batch struct {
	BatchID     string          `json:"batch_id,omitempty" validate:"omitempty,max=64"`
	PayerID     string          `json:"payer_id,omitempty" validate:"max=64"`
	PayerName   string          `json:"payer_name,omitempty" validate:"max=255"`
	CheckNumber string          `json:"check_number,omitempty" validate:"max=64"`
	PaymentDate string          `json:"payment_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	TotalPaid   decimal.Decimal `json:"total_paid"`
	Claims      []RemittedClaim `json:"claims" validate:"required,min=1,max=5000,dive"`
}

type RemittedClaim struct {
	ControlNumber    string          `json:"control_number" validate:"required,max=64"`
	ClaimStatusCode  string          `json:"claim_status_code" validate:"required,max=2"`
	PayerClaimNumber string          `json:"payer_claim_number,omitempty" validate:"max=64"`
	ChargeAmount     decimal.Decimal `json:"charge_amount"`
	Adjustments      []Adjustment    `json:"adjustments,omitempty" validate:"dive"`
	ServiceLines     []ServiceLine   `json:"service_lines,omitempty" validate:"dive"`
}

type ServiceLine struct {
	LineNumber    int             `json:"line_number,omitempty" validate:"min=0"`
	ProcedureCode string          `json:"procedure_code" validate:"required,max=10"`
	ChargeAmount  decimal.Decimal `json:"charge_amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	Adjustments   []Adjustment    `json:"adjustments,omitempty" validate:"dive"`
}

type Adjustment struct {
	GroupCode  string          `json:"group_code" validate:"required,oneof=CO PR OA PI CR"`
	ReasonCode string          `json:"reason_code" validate:"required,max=5"`
	Amount     decimal.Decimal `json:"amount"`
}

// BatchHeader is what is kept of a batch once it has been applied.
type BatchHeader struct {
	BatchID        string          `json:"batch_id"`
	PayerID        string          `json:"payer_id,omitempty"`
	PayerName      string          `json:"payer_name,omitempty"`
	CheckNumber    string          `json:"check_number,omitempty"`
	PaymentDate    *time.Time      `json:"payment_date,omitempty"`
	TotalPaid      decimal.Decimal `json:"total_paid"`
	ClaimCount     int             `json:"claim_count"`
	AppliedCount   int             `json:"applied_count"`
	ConflictCount  int             `json:"conflict_count"`
	UnmatchedCount int             `json:"unmatched_count"`
	FailedCount    int             `json:"failed_count"`
	ArchiveKey     string          `json:"archive_key,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
	ProcessedAt    time.Time       `json:"processed_at"`
}

// BatchResult is the outcome of applying a batch. Outcomes are in the order
// the claims appear in the batch.
type BatchResult struct {
	Batch    *BatchHeader                     `json:"batch"`
	Outcomes []*billing.ReconciliationOutcome `json:"outcomes"`
}

// Validate checks the batch shape. A control number may appear only once
// per batch since each application is keyed by batch and claim.
func (b *Batch) Validate() error {
	if err := billing.ValidateRequest(b); err != nil {
		return err
	}
	seen := make(map[string]bool, len(b.Claims))
	var edits []billing.Edit
	for i, rc := range b.Claims {
		if seen[rc.ControlNumber] {
			edits = append(edits, billing.Edit{
				RuleID: "request", Category: "request", Severity: billing.SeverityError,
				Message: fmt.Sprintf("claims[%d]: control number %s appears more than once", i, rc.ControlNumber),
			})
		}
		seen[rc.ControlNumber] = true
		for _, a := range allAdjustments(rc) {
			if a.Amount.IsNegative() && a.GroupCode != billing.GroupCorrection {
				edits = append(edits, billing.Edit{
					RuleID: "request", Category: "request", Severity: billing.SeverityError,
					Message: fmt.Sprintf("claims[%d]: negative %s adjustment outside a correction", i, a.GroupCode),
				})
			}
		}
	}
	if len(edits) > 0 {
		return &billing.ValidationError{Message: "invalid remittance batch", Edits: edits}
	}
	return nil
}

// ContentID derives a stable batch id from the batch content.
func (b *Batch) ContentID() (string, error) {
	cp := *b
	cp.BatchID = ""
	data, err := json.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("encode batch: %w", err)
	}
	sum := sha256.Sum256(data)
	return "ERA-" + hex.EncodeToString(sum[:8]), nil
}

// Paid sums the service-line payments of a remitted claim.
func (rc *RemittedClaim) Paid() decimal.Decimal {
	total := decimal.Zero
	for _, sl := range rc.ServiceLines {
		total = total.Add(sl.PaidAmount)
	}
	return total
}

func allAdjustments(rc RemittedClaim) []Adjustment {
	out := append([]Adjustment(nil), rc.Adjustments...)
	for _, sl := range rc.ServiceLines {
		out = append(out, sl.Adjustments...)
	}
	return out
}

// toAdjudication reduces a remitted claim to the amounts that post to the
// claim. PR adjustments become patient responsibility, CO adjustments the
// contractual write-off; other groups are carried as information only.
func toAdjudication(batchID string, rc RemittedClaim) *billing.Adjudication {
	adj := &billing.Adjudication{
		BatchID:               batchID,
		ControlNumber:         rc.ControlNumber,
		ClaimStatusCode:       rc.ClaimStatusCode,
		PayerClaimNumber:      rc.PayerClaimNumber,
		PaidAmount:            rc.Paid(),
		PatientResponsibility: decimal.Zero,
		ContractualAdjustment: decimal.Zero,
		OtherAdjustments:      decimal.Zero,
	}

	for _, sl := range rc.ServiceLines {
		la := billing.LineAdjudication{
			LineNumber:            sl.LineNumber,
			ProcedureCode:         sl.ProcedureCode,
			PaidAmount:            sl.PaidAmount,
			ContractualAdjustment: decimal.Zero,
			PatientResponsibility: decimal.Zero,
		}
		for _, a := range sl.Adjustments {
			switch a.GroupCode {
			case billing.GroupContractual:
				la.ContractualAdjustment = la.ContractualAdjustment.Add(a.Amount)
			case billing.GroupPatientResponsibility:
				la.PatientResponsibility = la.PatientResponsibility.Add(a.Amount)
			}
		}
		adj.Lines = append(adj.Lines, la)
	}

	for _, a := range allAdjustments(rc) {
		adj.Adjustments = append(adj.Adjustments, billing.Adjustment{
			GroupCode: a.GroupCode, ReasonCode: a.ReasonCode, Amount: a.Amount,
		})
		switch a.GroupCode {
		case billing.GroupContractual:
			adj.ContractualAdjustment = adj.ContractualAdjustment.Add(a.Amount)
		case billing.GroupPatientResponsibility:
			adj.PatientResponsibility = adj.PatientResponsibility.Add(a.Amount)
		default:
			adj.OtherAdjustments = adj.OtherAdjustments.Add(a.Amount)
		}
	}
	return adj
}
