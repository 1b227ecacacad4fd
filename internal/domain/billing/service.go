package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/revcycle/internal/domain/terminology"
)

// Scrubber validates a claim snapshot. Implementations must not modify it.
type Scrubber interface {
	Scrub(ctx context.Context, c *Claim) (*ScrubResult, error)
}

// Gateway is the clearinghouse. Transport problems are returned as errors
// wrapping ErrTransportFailure; payer rejections are returned as a
// SubmissionResult with Accepted false.
type Gateway interface {
	Submit(ctx context.Context, c *Claim) (*SubmissionResult, error)
	CheckStatus(ctx context.Context, c *Claim) (*StatusResult, error)
}

type ProcedureLookup interface {
	LookupProcedure(ctx context.Context, code string) (*terminology.ProcedureCode, error)
}

// EventPublisher receives events after they are committed.
type EventPublisher interface {
	Publish(ctx context.Context, c *Claim, events []*RevenueCycleEvent) error
}

const defaultGatewayTimeout = 30 * time.Second

// Service is the claim lifecycle orchestrator. It is the only writer of claim
// status, and it serializes mutations per claim.
type Service struct {
	claims    ClaimRepository
	codes     ProcedureLookup
	scrubber  Scrubber
	gateway   Gateway
	publisher EventPublisher
	locks     *claimLocks
	logger    zerolog.Logger

	now            func() time.Time
	gatewayTimeout time.Duration
	maxRetries     uint64
}

func NewService(claims ClaimRepository, codes ProcedureLookup, scrubber Scrubber, gateway Gateway, logger zerolog.Logger) *Service {
	return &Service{
		claims:         claims,
		codes:          codes,
		scrubber:       scrubber,
		gateway:        gateway,
		locks:          newClaimLocks(),
		logger:         logger.With().Str("component", "claims").Logger(),
		now:            func() time.Time { return time.Now().UTC() },
		gatewayTimeout: defaultGatewayTimeout,
		maxRetries:     3,
	}
}

// SetPublisher attaches an optional publisher for committed events.
func (s *Service) SetPublisher(p EventPublisher) { s.publisher = p }

// SetGatewayTimeout bounds every clearinghouse call.
func (s *Service) SetGatewayTimeout(d time.Duration) {
	if d > 0 {
		s.gatewayTimeout = d
	}
}

// SetClock replaces the time source, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// -- Queries --

func (s *Service) GetClaim(ctx context.Context, id int64) (*Claim, error) {
	return s.claims.GetByID(ctx, id)
}

func (s *Service) FindByControlNumber(ctx context.Context, controlNumber string) (*Claim, error) {
	return s.claims.GetByControlNumber(ctx, controlNumber)
}

func (s *Service) ListClaims(ctx context.Context, filter ClaimFilter, limit, offset int) ([]*Claim, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, &ValidationError{Message: fmt.Sprintf("invalid status filter: %s", filter.Status)}
	}
	return s.claims.List(ctx, filter, limit, offset)
}

func (s *Service) GetClaimsSummary(ctx context.Context) (*ClaimsSummary, error) {
	return s.claims.Summary(ctx)
}

// AuditReport compares a claim's status with the status its event log
// replays to.
type AuditReport struct {
	ClaimID        int64  `json:"claim_id"`
	Status         Status `json:"status"`
	ReplayedStatus Status `json:"replayed_status"`
	EventCount     int    `json:"event_count"`
	Consistent     bool   `json:"consistent"`
	Problem        string `json:"problem,omitempty"`
}

func (s *Service) VerifyEventLog(ctx context.Context, id int64) (*AuditReport, error) {
	c, err := s.claims.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	report := &AuditReport{ClaimID: c.ID, Status: c.Status, EventCount: len(c.Events)}
	for i, e := range c.Events {
		if e.Sequence != i+1 {
			report.Problem = fmt.Sprintf("event sequence gap at position %d (sequence %d)", i+1, e.Sequence)
			return report, nil
		}
	}
	replayed, err := ReplayStatus(c.Events)
	report.ReplayedStatus = replayed
	if err != nil {
		report.Problem = err.Error()
		return report, nil
	}
	if replayed != c.Status {
		report.Problem = fmt.Sprintf("event log replays to %s but claim is %s", replayed, c.Status)
		return report, nil
	}
	report.Consistent = true
	return report, nil
}

// -- Creation and revision --

func (s *Service) CreateClaim(ctx context.Context, req *CreateClaimRequest) (*Claim, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	payer, err := normalizePayer(req.Payer)
	if err != nil {
		return nil, err
	}

	now := s.now()
	c := &Claim{
		ClaimNumber:    newClaimNumber(now),
		PatientID:      req.PatientID,
		ProviderID:     req.ProviderID,
		Payer:          payer,
		ClaimType:      req.ClaimType,
		DiagnosisCodes: normalizeCodes(req.DiagnosisCodes),
		PlaceOfService: req.PlaceOfService,
		Status:         StatusDraft,
	}
	if c.ClaimType == "" {
		c.ClaimType = ClaimTypeProfessional
	}
	if req.DateOfService != "" {
		dos, err := parseDate(req.DateOfService)
		if err != nil {
			return nil, &ValidationError{Message: fmt.Sprintf("invalid date_of_service: %s", req.DateOfService)}
		}
		c.DateOfService = dos
	}
	lines, err := s.buildLines(ctx, req.Lines)
	if err != nil {
		return nil, err
	}
	c.Lines = lines
	c.RecalculateTotals()

	if err := checkInvariants(c); err != nil {
		s.logger.Error().Err(err).Str("claim_number", c.ClaimNumber).Msg("new claim violates balance invariants")
		return nil, err
	}

	c.Events = []*RevenueCycleEvent{{
		Sequence:  1,
		Type:      EventCreated,
		OldStatus: StatusDraft,
		NewStatus: StatusDraft,
		Details: map[string]interface{}{
			"claim_number": c.ClaimNumber,
			"line_count":   len(c.Lines),
			"total_charge": c.TotalCharge.StringFixed(2),
		},
		CreatedAt: now,
	}}
	if err := s.claims.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create claim: %w", err)
	}

	s.logger.Info().Int64("claim_id", c.ID).Str("claim_number", c.ClaimNumber).
		Str("total_charge", c.TotalCharge.StringFixed(2)).Msg("claim created")
	s.publish(ctx, c, c.Events)
	return c, nil
}

// buildLines numbers the lines in order and fills missing charges and
// descriptions from the code reference.
func (s *Service) buildLines(ctx context.Context, reqs []LineRequest) ([]*ClaimLine, error) {
	var edits []Edit
	lines := make([]*ClaimLine, 0, len(reqs))
	for i, lr := range reqs {
		line := &ClaimLine{
			LineNumber:    i + 1,
			ProcedureCode: terminology.NormalizeCode(lr.ProcedureCode),
			Description:   lr.Description,
			Modifier:      strings.ToUpper(strings.TrimSpace(lr.Modifier)),
			Units:         lr.Units,
		}
		if line.Units == 0 {
			line.Units = 1
		}

		var ref *terminology.ProcedureCode
		if lr.ChargeAmount == nil || line.Description == "" {
			p, err := s.codes.LookupProcedure(ctx, line.ProcedureCode)
			switch {
			case err == nil:
				ref = p
			case !errors.Is(err, terminology.ErrCodeNotFound):
				return nil, fmt.Errorf("look up procedure %s: %w", line.ProcedureCode, err)
			}
		}
		if line.Description == "" && ref != nil {
			line.Description = ref.Description
		}

		switch {
		case lr.ChargeAmount != nil:
			line.ChargeAmount = *lr.ChargeAmount
		case ref != nil && ref.Active:
			line.ChargeAmount = ref.DefaultCharge
		default:
			edits = append(edits, lineEdit(line.LineNumber,
				fmt.Sprintf("line %d: no charge given and procedure %s has no default charge", line.LineNumber, line.ProcedureCode)))
			continue
		}
		if line.ChargeAmount.IsNegative() {
			edits = append(edits, lineEdit(line.LineNumber,
				fmt.Sprintf("line %d: charge amount must not be negative", line.LineNumber)))
			continue
		}
		line.ChargeAmount = line.ChargeAmount.Round(2)
		line.AllowedAmount = line.Extended()
		lines = append(lines, line)
	}
	if len(edits) > 0 {
		return nil, &ValidationError{Message: "invalid claim lines", Edits: edits}
	}
	return lines, nil
}

func lineEdit(line int, msg string) Edit {
	return Edit{RuleID: "request", Category: "request", Severity: SeverityError, Message: msg, LineNumber: line}
}

// ReviseClaim edits a claim that has not been accepted by a payer. Any
// revision invalidates a previous scrub, so validated and rejected claims
// return to draft.
func (s *Service) ReviseClaim(ctx context.Context, id int64, req *ReviseClaimRequest) (*Claim, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	payer, err := normalizePayer(req.Payer)
	if err != nil {
		return nil, err
	}
	var lines []*ClaimLine
	if req.Lines != nil {
		built, err := s.buildLines(ctx, req.Lines)
		if err != nil {
			return nil, err
		}
		lines = built
	}

	return s.update(ctx, id, true, func(cur, next *Claim) (*change, error) {
		if !Accepts(TriggerRevise, cur.Status) {
			return nil, &TransitionError{ClaimID: id, From: cur.Status, Trigger: TriggerRevise}
		}
		var changed []string
		if req.ProviderID != nil {
			next.ProviderID = req.ProviderID
			changed = append(changed, "provider_id")
		}
		if req.SelfPay {
			next.Payer = nil
			changed = append(changed, "payer")
		} else if req.Payer != nil {
			next.Payer = payer
			changed = append(changed, "payer")
		}
		if req.ClaimType != nil {
			next.ClaimType = *req.ClaimType
			changed = append(changed, "claim_type")
		}
		if req.DiagnosisCodes != nil {
			next.DiagnosisCodes = normalizeCodes(req.DiagnosisCodes)
			changed = append(changed, "diagnosis_codes")
		}
		if req.PlaceOfService != nil {
			next.PlaceOfService = *req.PlaceOfService
			changed = append(changed, "place_of_service")
		}
		if req.DateOfService != nil {
			dos, err := parseDate(*req.DateOfService)
			if err != nil {
				return nil, &ValidationError{Message: fmt.Sprintf("invalid date_of_service: %s", *req.DateOfService)}
			}
			next.DateOfService = dos
			changed = append(changed, "date_of_service")
		}
		if lines != nil {
			next.Lines = lines
			next.RecalculateTotals()
			changed = append(changed, "lines")
		}
		if len(changed) == 0 {
			return nil, &ValidationError{Message: "revision changes nothing"}
		}

		details := map[string]interface{}{"changed": changed}
		if req.Reason != "" {
			details["reason"] = req.Reason
		}
		if lines != nil {
			details["total_charge"] = next.TotalCharge.StringFixed(2)
		}
		if err := s.transition(next, TriggerRevise, StatusDraft, EventRevised, details); err != nil {
			return nil, err
		}
		return &change{linesChanged: lines != nil}, nil
	})
}

// -- Scrub and submission --

// ScrubClaim runs the scrub engine and moves the claim to validated when no
// blocking edit is found, or back to draft when one is.
func (s *Service) ScrubClaim(ctx context.Context, id int64) (*ScrubResult, error) {
	var result *ScrubResult
	_, err := s.update(ctx, id, true, func(cur, next *Claim) (*change, error) {
		if !Accepts(TriggerScrub, cur.Status) {
			return nil, &TransitionError{ClaimID: id, From: cur.Status, Trigger: TriggerScrub}
		}
		res, err := s.scrubber.Scrub(ctx, cur.Clone())
		if err != nil {
			return nil, fmt.Errorf("scrub claim %d: %w", id, err)
		}
		res.ContentHash = ContentHash(cur)
		if res.ScrubbedAt.IsZero() {
			res.ScrubbedAt = s.now()
		}
		if res.Passed && len(cur.Lines) == 0 {
			// A claim without lines can never pass, whatever the rule set says.
			res.Passed = false
			res.Errors = append(res.Errors, Edit{RuleID: "STRUCT-LINES", Category: "structural", Severity: SeverityError, Message: "claim has no line items"})
		}
		next.ScrubResult = res

		to, typ := StatusValidated, EventScrubPassed
		if !res.Passed {
			to, typ = StatusDraft, EventScrubFailed
		}
		details := map[string]interface{}{
			"errors":       editRuleIDs(res.Errors),
			"warnings":     editRuleIDs(res.Warnings),
			"content_hash": res.ContentHash,
		}
		if err := s.transition(next, TriggerScrub, to, typ, details); err != nil {
			return nil, err
		}
		result = res
		return &change{}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SubmitClaim sends a validated claim to the clearinghouse. A draft claim is
// scrubbed first and a failing scrub is returned as a ValidationError.
//
// On a payer rejection the claim moves to rejected and both the result and a
// *PayerRejectionError are returned. On a transport failure the claim is
// unchanged and the call may be retried.
func (s *Service) SubmitClaim(ctx context.Context, id int64) (*SubmissionResult, error) {
	cur, err := s.claims.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == StatusDraft {
		res, err := s.ScrubClaim(ctx, id)
		if err != nil {
			return nil, err
		}
		if !res.Passed {
			return nil, &ValidationError{Message: "claim failed scrub", Edits: res.Errors}
		}
	}

	var (
		result    *SubmissionResult
		rejection *PayerRejectionError
	)
	_, err = s.update(ctx, id, false, func(cur, next *Claim) (*change, error) {
		if !Accepts(TriggerSubmit, cur.Status) {
			return nil, &TransitionError{ClaimID: id, From: cur.Status, Trigger: TriggerSubmit}
		}
		if cur.ScrubResult == nil || !cur.ScrubResult.Passed {
			return nil, &ValidationError{Message: "claim has no passing scrub result"}
		}
		if cur.ScrubResult.ContentHash != ContentHash(cur) {
			return nil, &ValidationError{Message: "scrub result is stale; scrub the claim again"}
		}

		controlNumber := newControlNumber()
		next.ControlNumber = &controlNumber

		gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
		res, err := s.gateway.Submit(gctx, next.Clone())
		cancel()
		if err != nil {
			err = asTransportFailure(err)
			s.logger.Warn().Err(err).Int64("claim_id", id).Msg("claim submission failed in transport")
			return nil, fmt.Errorf("submit claim %d: %w", id, err)
		}
		if res.ControlNumber == "" {
			res.ControlNumber = controlNumber
		}
		if res.ReceivedAt.IsZero() {
			res.ReceivedAt = s.now()
		}
		result = res

		next.GatewaySource = strPtr(res.Source)
		if res.GatewayReference != "" {
			next.GatewayReference = strPtr(res.GatewayReference)
		}
		details := map[string]interface{}{
			"control_number":    controlNumber,
			"gateway_reference": res.GatewayReference,
			"source":            res.Source,
		}

		if !res.Accepted {
			details["reasons"] = res.Reasons
			details["message"] = res.Message
			next.PayerStatus = strPtr(PayerStatusRejected)
			if err := s.transition(next, TriggerReject, StatusRejected, EventSubmissionRejected, details); err != nil {
				return nil, err
			}
			rejection = &PayerRejectionError{ClaimID: id, Reasons: res.Reasons}
			return &change{}, nil
		}

		submittedAt := res.ReceivedAt
		next.SubmittedAt = &submittedAt
		if err := s.transition(next, TriggerSubmit, StatusSubmitted, EventSubmitted, details); err != nil {
			return nil, err
		}
		return &change{}, nil
	})
	if err != nil {
		if result != nil && !errors.Is(err, ErrTransportFailure) {
			s.logger.Error().Err(err).Int64("claim_id", id).Str("gateway_reference", result.GatewayReference).
				Msg("clearinghouse answered but the outcome was not recorded")
		}
		return nil, err
	}
	if rejection != nil {
		return result, rejection
	}
	return result, nil
}

// AcknowledgeClaim records a clearinghouse acknowledgment for a submitted
// claim. A negative acknowledgment rejects the claim.
func (s *Service) AcknowledgeClaim(ctx context.Context, id int64, ack *Acknowledgment) (*Claim, error) {
	return s.update(ctx, id, true, func(cur, next *Claim) (*change, error) {
		if cur.ControlNumber == nil || *cur.ControlNumber != ack.ControlNumber {
			return nil, &ValidationError{Message: fmt.Sprintf("control number %s does not belong to claim %d", ack.ControlNumber, id)}
		}
		details := map[string]interface{}{"control_number": ack.ControlNumber}
		if ack.Message != "" {
			details["message"] = ack.Message
		}
		if !ack.Accepted {
			next.PayerStatus = strPtr(PayerStatusRejected)
			return &change{}, s.transition(next, TriggerReject, StatusRejected, EventSubmissionRejected, details)
		}
		if ack.PayerClaimNumber != "" {
			next.PayerClaimNumber = strPtr(ack.PayerClaimNumber)
		}
		next.PayerStatus = strPtr(PayerStatusReceived)
		return &change{}, s.transition(next, TriggerAcknowledge, StatusAcknowledged, EventAcknowledged, details)
	})
}

// AcknowledgeByControlNumber resolves the claim for a clearinghouse callback.
func (s *Service) AcknowledgeByControlNumber(ctx context.Context, ack *Acknowledgment) (*Claim, error) {
	if err := ValidateRequest(ack); err != nil {
		return nil, err
	}
	c, err := s.claims.GetByControlNumber(ctx, ack.ControlNumber)
	if err != nil {
		return nil, err
	}
	return s.AcknowledgeClaim(ctx, c.ID, ack)
}

// CheckClaimStatus asks the payer about a claim. It records the raw payer
// status and may move submitted to acknowledged and acknowledged to
// adjudicated; a final decision only arrives by remittance.
func (s *Service) CheckClaimStatus(ctx context.Context, id int64) (*StatusResult, error) {
	var result *StatusResult
	_, err := s.update(ctx, id, false, func(cur, next *Claim) (*change, error) {
		if !Accepts(TriggerStatusPoll, cur.Status) {
			return nil, &TransitionError{ClaimID: id, From: cur.Status, Trigger: TriggerStatusPoll}
		}

		gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
		res, err := s.gateway.CheckStatus(gctx, cur.Clone())
		cancel()
		if err != nil {
			err = asTransportFailure(err)
			s.logger.Warn().Err(err).Int64("claim_id", id).Msg("claim status inquiry failed in transport")
			return nil, fmt.Errorf("check status of claim %d: %w", id, err)
		}
		if res.CheckedAt.IsZero() {
			res.CheckedAt = s.now()
		}
		result = res

		raw := describePayerStatus(res)
		next.PayerStatus = &raw
		if res.PayerClaimNumber != "" {
			next.PayerClaimNumber = strPtr(res.PayerClaimNumber)
		}
		details := map[string]interface{}{"overall_status": res.OverallStatus, "payer_status": raw, "source": res.Source}

		moved := false
		switch res.OverallStatus {
		case PayerStatusReceived, PayerStatusPending, PayerStatusFinalized:
			if next.Status == StatusSubmitted {
				if err := s.transition(next, TriggerAcknowledge, StatusAcknowledged, EventAcknowledged, details); err != nil {
					return nil, err
				}
				moved = true
			}
			if res.OverallStatus == PayerStatusFinalized && next.Status == StatusAcknowledged {
				if err := s.transition(next, TriggerStatusPoll, StatusAdjudicated, EventAdjudicated, details); err != nil {
					return nil, err
				}
				moved = true
			}
		case PayerStatusRejected:
			if next.Status == StatusSubmitted {
				if err := s.transition(next, TriggerReject, StatusRejected, EventSubmissionRejected, details); err != nil {
					return nil, err
				}
				moved = true
			}
		}
		if !moved {
			if err := s.transition(next, TriggerStatusPoll, next.Status, EventStatusChecked, details); err != nil {
				return nil, err
			}
		}
		return &change{}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func describePayerStatus(res *StatusResult) string {
	parts := []string{res.OverallStatus}
	for _, cs := range res.CategoryStatuses {
		p := cs.Category
		if cs.Code != "" {
			p += ":" + cs.Code
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " ")
}

// -- Manual changes --

var manualEventTypes = map[Status]EventType{
	StatusAcknowledged: EventAcknowledged,
	StatusAdjudicated:  EventAdjudicated,
	StatusAppealed:     EventAppealed,
	StatusCancelled:    EventCancelled,
	StatusDenied:       EventDenied,
	StatusPaid:         EventPaid,
}

// manualTriggers are the triggers a user may invoke directly. A manual paid
// or denied goes through reconcile but posts no money; amounts only post
// through remittance.
var manualTriggers = []Trigger{TriggerAcknowledge, TriggerStatusPoll, TriggerAppeal, TriggerCancel, TriggerReconcile}

// SetClaimStatus applies a status change requested by a user. The change must
// be a legal transition; scrub and submission have their own operations and
// cannot be set directly. Balances are never changed.
func (s *Service) SetClaimStatus(ctx context.Context, id int64, req *StatusChangeRequest) (*Claim, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if !req.Status.Valid() {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid status: %s", req.Status)}
	}
	return s.update(ctx, id, true, func(cur, next *Claim) (*change, error) {
		typ, ok := manualEventTypes[req.Status]
		if !ok {
			return nil, &TransitionError{ClaimID: id, From: cur.Status, To: req.Status, Trigger: "manual"}
		}
		for _, t := range manualTriggers {
			if req.Status != cur.Status && Allowed(t, cur.Status, req.Status) {
				details := map[string]interface{}{"manual": true}
				if req.Reason != "" {
					details["reason"] = req.Reason
				}
				return &change{}, s.transition(next, t, req.Status, typ, details)
			}
		}
		return nil, &TransitionError{ClaimID: id, From: cur.Status, To: req.Status, Trigger: "manual"}
	})
}

func (s *Service) AppealClaim(ctx context.Context, id int64, reason string) (*Claim, error) {
	return s.update(ctx, id, true, func(cur, next *Claim) (*change, error) {
		return &change{}, s.transition(next, TriggerAppeal, StatusAppealed, EventAppealed, map[string]interface{}{"reason": reason})
	})
}

func (s *Service) CancelClaim(ctx context.Context, id int64, reason string) (*Claim, error) {
	return s.update(ctx, id, true, func(cur, next *Claim) (*change, error) {
		return &change{}, s.transition(next, TriggerCancel, StatusCancelled, EventCancelled, map[string]interface{}{"reason": reason})
	})
}

// -- Reconciliation --

// Reconcile posts a payer adjudication to a claim. A denial finalizes the
// claim as denied; otherwise it becomes paid once payments and adjustments
// account for the whole charge, and a partial remittance is posted without
// moving the claim. Applying the same batch to the same claim again returns
// the recorded outcome with Replayed set and changes nothing.
//
// When the amounts would break the claim's balances, nothing is posted, a
// reconciliation_conflict event is recorded and a *ConflictError is returned
// with the outcome.
func (s *Service) Reconcile(ctx context.Context, id int64, adj *Adjudication) (*ReconciliationOutcome, error) {
	if adj.BatchID == "" {
		return nil, &ValidationError{Message: "batch id is required"}
	}

	var (
		outcome  *ReconciliationOutcome
		conflict *ConflictError
	)
	_, err := s.update(ctx, id, true, func(cur, next *Claim) (*change, error) {
		outcome, conflict = nil, nil

		prior, err := s.claims.GetApplication(ctx, adj.BatchID, id)
		if err != nil {
			return nil, fmt.Errorf("load remittance application: %w", err)
		}
		if prior != nil {
			prior.Replayed = true
			outcome = prior
			if prior.Status == OutcomeConflict {
				conflict = &ConflictError{ClaimID: id, BatchID: adj.BatchID, Reasons: prior.Reasons}
			}
			return nil, nil
		}
		if !Accepts(TriggerReconcile, cur.Status) {
			return nil, &TransitionError{ClaimID: id, From: cur.Status, Trigger: TriggerReconcile}
		}

		now := s.now()
		result := &ReconciliationOutcome{
			BatchID:               adj.BatchID,
			ControlNumber:         adj.ControlNumber,
			ClaimID:               id,
			ClaimNumber:           cur.ClaimNumber,
			PaidAmount:            adj.PaidAmount,
			PatientResponsibility: adj.PatientResponsibility,
			ContractualAdjustment: adj.ContractualAdjustment,
			AppliedAt:             now,
		}
		details := adjudicationDetails(adj)

		posted := cur.Clone()
		if reasons := postAdjudication(posted, adj); len(reasons) > 0 {
			result.Status = OutcomeConflict
			result.ClaimStatus = cur.Status
			result.Reasons = reasons
			details["reasons"] = reasons
			if err := s.transition(next, TriggerReconcile, cur.Status, EventReconciliationConflict, details); err != nil {
				return nil, err
			}
			s.logger.Error().Int64("claim_id", id).Str("batch_id", adj.BatchID).
				Strs("reasons", reasons).Msg("remittance conflicts with claim balances")
			outcome = result
			conflict = &ConflictError{ClaimID: id, BatchID: adj.BatchID, Reasons: reasons}
			return &change{application: &RemittanceApplication{BatchID: adj.BatchID, ClaimID: id, Outcome: result}}, nil
		}

		posted.Events = next.Events
		*next = *posted
		to, typ := StatusPaid, EventPaid
		switch {
		case adj.Denied():
			to, typ = StatusDenied, EventDenied
		case !next.FullyAdjudicated():
			to, typ = cur.Status, EventPaymentPosted
			details["unaccounted"] = next.TotalCharge.Sub(next.Accounted()).StringFixed(2)
		}
		if err := s.transition(next, TriggerReconcile, to, typ, details); err != nil {
			return nil, err
		}
		result.Status = OutcomeApplied
		result.ClaimStatus = to
		outcome = result
		return &change{application: &RemittanceApplication{BatchID: adj.BatchID, ClaimID: id, Outcome: result}}, nil
	})
	if err != nil {
		return nil, err
	}
	if conflict != nil {
		return outcome, conflict
	}
	return outcome, nil
}

func adjudicationDetails(adj *Adjudication) map[string]interface{} {
	adjustments := make([]map[string]interface{}, 0, len(adj.Adjustments))
	for _, a := range adj.Adjustments {
		adjustments = append(adjustments, map[string]interface{}{
			"group_code":  a.GroupCode,
			"reason_code": a.ReasonCode,
			"amount":      a.Amount.StringFixed(2),
		})
	}
	return map[string]interface{}{
		"batch_id":               adj.BatchID,
		"control_number":         adj.ControlNumber,
		"claim_status_code":      adj.ClaimStatusCode,
		"paid_amount":            adj.PaidAmount.StringFixed(2),
		"patient_responsibility": adj.PatientResponsibility.StringFixed(2),
		"contractual_adjustment": adj.ContractualAdjustment.StringFixed(2),
		"other_adjustments":      adj.OtherAdjustments.StringFixed(2),
		"adjustments":            adjustments,
	}
}

// -- Mutation plumbing --

type change struct {
	linesChanged bool
	application  *RemittanceApplication
}

// update loads the claim under its lock, lets fn prepare the next state on a
// copy, checks invariants and commits. A nil change commits nothing. When
// retry is set, optimistic version conflicts reload and run fn again.
func (s *Service) update(ctx context.Context, id int64, retry bool, fn func(cur, next *Claim) (*change, error)) (*Claim, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	var saved *Claim
	attempt := func() error {
		cur, err := s.claims.GetByID(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		next := cur.Clone()
		ch, err := fn(cur, next)
		if err != nil {
			return backoff.Permanent(err)
		}
		if ch == nil {
			saved = cur
			return nil
		}
		out, err := s.commit(ctx, cur, next, ch)
		if err != nil {
			if retry && errors.Is(err, ErrConcurrentModification) {
				return err
			}
			return backoff.Permanent(err)
		}
		saved = out
		return nil
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if retry {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 20 * time.Millisecond
		eb.MaxElapsedTime = 2 * time.Second
		policy = backoff.WithMaxRetries(eb, s.maxRetries)
	}
	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Service) commit(ctx context.Context, cur, next *Claim, ch *change) (*Claim, error) {
	if err := checkInvariants(next); err != nil {
		s.logger.Error().Err(err).Int64("claim_id", next.ID).Msg("claim update violates balance invariants")
		return nil, err
	}
	events := next.Events[len(cur.Events):]
	cm := &Commit{
		Claim:           next,
		ExpectedVersion: cur.Version,
		LinesChanged:    ch.linesChanged,
		Events:          events,
		Application:     ch.application,
	}
	if err := s.claims.Commit(ctx, cm); err != nil {
		return nil, err
	}
	for _, e := range events {
		ev := s.logger.Info().Int64("claim_id", next.ID).Str("event", string(e.Type))
		if e.IsTransition() {
			ev = ev.Str("from", string(e.OldStatus)).Str("to", string(e.NewStatus))
		}
		ev.Msg("claim event recorded")
	}
	s.publish(ctx, next, events)
	return next, nil
}

// transition appends the event for trigger moving c to status to. It is the
// only place a claim's status changes.
func (s *Service) transition(c *Claim, trigger Trigger, to Status, typ EventType, details map[string]interface{}) error {
	if !Allowed(trigger, c.Status, to) {
		return &TransitionError{ClaimID: c.ID, From: c.Status, To: to, Trigger: trigger}
	}
	c.Events = append(c.Events, &RevenueCycleEvent{
		ClaimID:   c.ID,
		Sequence:  len(c.Events) + 1,
		Type:      typ,
		OldStatus: c.Status,
		NewStatus: to,
		Details:   details,
		CreatedAt: s.now(),
	})
	c.Status = to
	return nil
}

func (s *Service) publish(ctx context.Context, c *Claim, events []*RevenueCycleEvent) {
	if s.publisher == nil || len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, c, events); err != nil {
		s.logger.Warn().Err(err).Int64("claim_id", c.ID).Int("events", len(events)).Msg("publish claim events failed")
	}
}

// -- helpers --

func asTransportFailure(err error) error {
	if errors.Is(err, ErrTransportFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransportFailure, err)
}

func newClaimNumber(now time.Time) string {
	return fmt.Sprintf("CLM-%s-%s", now.Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}

// newControlNumber returns the correlation key sent to the clearinghouse and
// echoed back on acknowledgments and remittances.
func newControlNumber() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:20]
}

func normalizeCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		out = append(out, terminology.NormalizeCode(c))
	}
	return out
}

// normalizePayer trims the payer block. An empty block means self-pay; a
// block carrying coverage details without a payer id is refused.
func normalizePayer(p *PayerInfo) (*PayerInfo, error) {
	if p == nil {
		return nil, nil
	}
	cp := *p
	cp.PayerID = strings.TrimSpace(cp.PayerID)
	cp.PayerName = strings.TrimSpace(cp.PayerName)
	cp.MemberID = strings.TrimSpace(cp.MemberID)
	cp.PolicyNumber = strings.TrimSpace(cp.PolicyNumber)
	cp.GroupNumber = strings.TrimSpace(cp.GroupNumber)
	if cp.PayerID != "" {
		return &cp, nil
	}
	if cp.PayerName != "" || cp.MemberID != "" || cp.PolicyNumber != "" || cp.GroupNumber != "" {
		return nil, &ValidationError{Message: "payer.payer_id is required when payer details are given"}
	}
	return nil, nil
}

func editRuleIDs(edits []Edit) []string {
	ids := make([]string, 0, len(edits))
	for _, e := range edits {
		ids = append(ids, e.RuleID)
	}
	return ids
}
