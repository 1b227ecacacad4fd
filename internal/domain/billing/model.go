package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is a claim lifecycle state. Only Service changes it.
type Status string

const (
	StatusDraft        Status = "draft"
	StatusValidated    Status = "validated"
	StatusSubmitted    Status = "submitted"
	StatusRejected     Status = "rejected"
	StatusAcknowledged Status = "acknowledged"
	StatusAdjudicated  Status = "adjudicated"
	StatusPaid         Status = "paid"
	StatusDenied       Status = "denied"
	StatusAppealed     Status = "appealed"
	StatusCancelled    Status = "cancelled"
)

var validStatuses = map[Status]bool{
	StatusDraft: true, StatusValidated: true, StatusSubmitted: true, StatusRejected: true,
	StatusAcknowledged: true, StatusAdjudicated: true, StatusPaid: true, StatusDenied: true,
	StatusAppealed: true, StatusCancelled: true,
}

func (s Status) Valid() bool { return validStatuses[s] }

type ClaimType string

const (
	ClaimTypeProfessional  ClaimType = "professional"
	ClaimTypeInstitutional ClaimType = "institutional"
)

// PayerInfo identifies the insurer and the patient's coverage. A claim with no
// PayerInfo is self-pay.
type PayerInfo struct {
	PayerID      string `json:"payer_id"`
	PayerName    string `json:"payer_name,omitempty"`
	PolicyNumber string `json:"policy_number,omitempty"`
	MemberID     string `json:"member_id,omitempty"`
	GroupNumber  string `json:"group_number,omitempty"`
}

type Claim struct {
	ID          int64      `json:"id"`
	ClaimNumber string     `json:"claim_number"`
	PatientID   uuid.UUID  `json:"patient_id"`
	ProviderID  *uuid.UUID `json:"provider_id,omitempty"`
	Payer       *PayerInfo `json:"payer,omitempty"`

	ClaimType      ClaimType `json:"claim_type"`
	DiagnosisCodes []string  `json:"diagnosis_codes"`
	PlaceOfService string    `json:"place_of_service,omitempty"`
	DateOfService  time.Time `json:"date_of_service"`

	Status                Status          `json:"status"`
	TotalCharge           decimal.Decimal `json:"total_charge"`
	TotalAllowed          decimal.Decimal `json:"total_allowed"`
	ContractualAdjustment decimal.Decimal `json:"contractual_adjustment"`
	TotalPaid             decimal.Decimal `json:"total_paid"`
	PatientResponsibility decimal.Decimal `json:"patient_responsibility"`
	OtherAdjustment       decimal.Decimal `json:"other_adjustment"`

	ControlNumber    *string    `json:"control_number,omitempty"`
	GatewayReference *string    `json:"gateway_reference,omitempty"`
	GatewaySource    *string    `json:"gateway_source,omitempty"`
	PayerClaimNumber *string    `json:"payer_claim_number,omitempty"`
	PayerStatus      *string    `json:"payer_status,omitempty"`
	SubmittedAt      *time.Time `json:"submitted_at,omitempty"`

	ScrubResult *ScrubResult         `json:"scrub_result,omitempty"`
	Lines       []*ClaimLine         `json:"lines"`
	Events      []*RevenueCycleEvent `json:"events,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Claim) SelfPay() bool { return c.Payer == nil || c.Payer.PayerID == "" }

// Accounted is the part of the charge explained by payments and adjustments.
func (c *Claim) Accounted() decimal.Decimal {
	return c.TotalPaid.Add(c.ContractualAdjustment).Add(c.PatientResponsibility).Add(c.OtherAdjustment)
}

// FullyAdjudicated reports whether payments and adjustments account for the
// whole charge.
func (c *Claim) FullyAdjudicated() bool {
	return c.Accounted().GreaterThanOrEqual(c.TotalCharge)
}

type ClaimLine struct {
	LineNumber    int             `json:"line_number"`
	ProcedureCode string          `json:"procedure_code"`
	Description   string          `json:"description,omitempty"`
	Modifier      string          `json:"modifier,omitempty"`
	Units         int             `json:"units"`
	ChargeAmount  decimal.Decimal `json:"charge_amount"`
	AllowedAmount decimal.Decimal `json:"allowed_amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
}

// Extended is the line's billed amount: charge per unit times units.
func (l *ClaimLine) Extended() decimal.Decimal {
	return l.ChargeAmount.Mul(decimal.NewFromInt(int64(l.Units)))
}

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Edit is one finding produced by a scrub rule.
type Edit struct {
	RuleID     string   `json:"rule_id"`
	Category   string   `json:"category"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	LineNumber int      `json:"line_number,omitempty"`
}

type ScrubResult struct {
	Passed      bool      `json:"passed"`
	Errors      []Edit    `json:"errors"`
	Warnings    []Edit    `json:"warnings"`
	ContentHash string    `json:"content_hash"`
	RuleSet     string    `json:"rule_set,omitempty"`
	ScrubbedAt  time.Time `json:"scrubbed_at"`
}

type EventType string

const (
	EventCreated                EventType = "created"
	EventRevised                EventType = "revised"
	EventScrubPassed            EventType = "scrub_passed"
	EventScrubFailed            EventType = "scrub_failed"
	EventSubmitted              EventType = "submitted"
	EventSubmissionRejected     EventType = "submission_rejected"
	EventAcknowledged           EventType = "acknowledged"
	EventStatusChecked          EventType = "status_checked"
	EventAdjudicated            EventType = "adjudicated"
	EventPaid                   EventType = "paid"
	EventPaymentPosted          EventType = "payment_posted"
	EventDenied                 EventType = "denied"
	EventReconciliationConflict EventType = "reconciliation_conflict"
	EventAppealed               EventType = "appealed"
	EventCancelled              EventType = "cancelled"
)

// RevenueCycleEvent is an entry in a claim's append-only history. OldStatus
// and NewStatus are equal for events that record something without moving
// the claim.
type RevenueCycleEvent struct {
	ID        int64                  `json:"id"`
	ClaimID   int64                  `json:"claim_id"`
	Sequence  int                    `json:"sequence"`
	Type      EventType              `json:"type"`
	OldStatus Status                 `json:"old_status"`
	NewStatus Status                 `json:"new_status"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

func (e *RevenueCycleEvent) IsTransition() bool { return e.OldStatus != e.NewStatus }

// SubmissionResult is what the clearinghouse returned for a submission.
type SubmissionResult struct {
	Accepted         bool      `json:"accepted"`
	Source           string    `json:"source"`
	GatewayReference string    `json:"gateway_reference,omitempty"`
	ControlNumber    string    `json:"control_number,omitempty"`
	Message          string    `json:"message,omitempty"`
	Reasons          []string  `json:"reasons,omitempty"`
	ReceivedAt       time.Time `json:"received_at"`
}

const (
	SourceLive      = "live"
	SourceSimulated = "simulated"
)

// Overall payer statuses reported by a status inquiry.
const (
	PayerStatusReceived  = "received"
	PayerStatusPending   = "pending"
	PayerStatusFinalized = "finalized"
	PayerStatusRejected  = "rejected"
	PayerStatusUnknown   = "unknown"
)

// CategoryStatus is one claim status category/code pair (277-style).
type CategoryStatus struct {
	Category    string `json:"category"`
	Code        string `json:"code,omitempty"`
	Description string `json:"description,omitempty"`
}

type StatusResult struct {
	OverallStatus    string           `json:"overall_status"`
	CategoryStatuses []CategoryStatus `json:"category_statuses"`
	PayerClaimNumber string           `json:"payer_claim_number,omitempty"`
	Source           string           `json:"source"`
	CheckedAt        time.Time        `json:"checked_at"`
}

// Acknowledgment is a clearinghouse receipt for a submitted claim.
type Acknowledgment struct {
	ControlNumber    string `json:"control_number" validate:"required"`
	Accepted         bool   `json:"accepted"`
	PayerClaimNumber string `json:"payer_claim_number,omitempty"`
	Message          string `json:"message,omitempty"`
}

// ClaimFilter narrows ListClaims.
type ClaimFilter struct {
	Status    Status
	PatientID *uuid.UUID
}

type ClaimsSummary struct {
	TotalClaims           int             `json:"total_claims"`
	ByStatus              map[Status]int  `json:"by_status"`
	TotalCharges          decimal.Decimal `json:"total_charges"`
	TotalPaid             decimal.Decimal `json:"total_paid"`
	PatientResponsibility decimal.Decimal `json:"patient_responsibility"`
	Outstanding           decimal.Decimal `json:"outstanding"`
}

// Clone returns a deep copy so a mutation can be prepared and discarded
// without touching the loaded claim.
func (c *Claim) Clone() *Claim {
	cp := *c
	if c.ProviderID != nil {
		id := *c.ProviderID
		cp.ProviderID = &id
	}
	if c.Payer != nil {
		p := *c.Payer
		cp.Payer = &p
	}
	cp.DiagnosisCodes = append([]string(nil), c.DiagnosisCodes...)
	cp.ControlNumber = cloneString(c.ControlNumber)
	cp.GatewayReference = cloneString(c.GatewayReference)
	cp.GatewaySource = cloneString(c.GatewaySource)
	cp.PayerClaimNumber = cloneString(c.PayerClaimNumber)
	cp.PayerStatus = cloneString(c.PayerStatus)
	if c.SubmittedAt != nil {
		t := *c.SubmittedAt
		cp.SubmittedAt = &t
	}
	if c.ScrubResult != nil {
		sr := *c.ScrubResult
		sr.Errors = append([]Edit(nil), c.ScrubResult.Errors...)
		sr.Warnings = append([]Edit(nil), c.ScrubResult.Warnings...)
		cp.ScrubResult = &sr
	}
	cp.Lines = make([]*ClaimLine, len(c.Lines))
	for i, l := range c.Lines {
		line := *l
		cp.Lines[i] = &line
	}
	cp.Events = make([]*RevenueCycleEvent, len(c.Events))
	for i, e := range c.Events {
		ev := *e
		if e.Details != nil {
			ev.Details = make(map[string]interface{}, len(e.Details))
			for k, v := range e.Details {
				ev.Details[k] = v
			}
		}
		cp.Events[i] = &ev
	}
	return &cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func strPtr(s string) *string { return &s }
