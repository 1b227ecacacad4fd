package remittance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/revcycle/internal/domain/billing"
	"github.com/ehr/revcycle/internal/platform/blobstore"
)

const defaultWorkers = 4

// ClaimReconciler is the part of the billing orchestrator remittance needs.
type ClaimReconciler interface {
	FindByControlNumber(ctx context.Context, controlNumber string) (*billing.Claim, error)
	Reconcile(ctx context.Context, id int64, adj *billing.Adjudication) (*billing.ReconciliationOutcome, error)
}

// Engine applies remittance batches. Claims in a batch are independent: they
// are processed in parallel up to the worker limit and one claim's failure
// never stops the others.
type Engine struct {
	claims  ClaimReconciler
	batches BatchRepository
	archive blobstore.BlobStore
	workers int
	now     func() time.Time
	logger  zerolog.Logger
}

func NewEngine(claims ClaimReconciler, batches BatchRepository, logger zerolog.Logger) *Engine {
	return &Engine{
		claims:  claims,
		batches: batches,
		workers: defaultWorkers,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With().Str("component", "remittance").Logger(),
	}
}

// SetArchive keeps a copy of every raw batch in store.
func (e *Engine) SetArchive(store blobstore.BlobStore) { e.archive = store }

func (e *Engine) SetWorkers(n int) {
	if n > 0 {
		e.workers = n
	}
}

func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// ApplyRemittancePayload decodes a raw JSON batch, archives it as received
// and applies it.
func (e *Engine) ApplyRemittancePayload(ctx context.Context, raw []byte) (*BatchResult, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var b Batch
	if err := dec.Decode(&b); err != nil {
		return nil, &billing.ValidationError{Message: "malformed remittance batch: " + err.Error()}
	}
	return e.apply(ctx, &b, raw)
}

// ApplyRemittance applies every remitted claim in b and returns one outcome
// per claim in batch order. Applying a batch again replays the recorded
// outcomes without changing any claim.
func (e *Engine) ApplyRemittance(ctx context.Context, b *Batch) (*BatchResult, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return e.apply(ctx, b, raw)
}

func (e *Engine) apply(ctx context.Context, b *Batch, raw []byte) (*BatchResult, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if b.BatchID == "" {
		id, err := b.ContentID()
		if err != nil {
			return nil, err
		}
		b.BatchID = id
	}
	log := e.logger.With().Str("batch_id", b.BatchID).Logger()

	header, err := e.header(ctx, b)
	if err != nil {
		return nil, err
	}
	if header.ArchiveKey == "" {
		header.ArchiveKey = e.archiveRaw(ctx, header, raw, log)
	}

	outcomes := make([]*billing.ReconciliationOutcome, len(b.Claims))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range b.Claims {
		i := i
		g.Go(func() error {
			outcomes[i] = e.applyClaim(ctx, b.BatchID, b.Claims[i], log)
			return nil
		})
	}
	_ = g.Wait()

	header.AppliedCount, header.ConflictCount, header.UnmatchedCount, header.FailedCount = 0, 0, 0, 0
	for _, o := range outcomes {
		switch o.Status {
		case billing.OutcomeApplied:
			header.AppliedCount++
		case billing.OutcomeConflict:
			header.ConflictCount++
		case billing.OutcomeUnmatched:
			header.UnmatchedCount++
		default:
			header.FailedCount++
		}
	}
	header.ProcessedAt = e.now()
	if err := e.batches.Save(ctx, header); err != nil {
		return nil, err
	}

	log.Info().Int("claims", header.ClaimCount).Int("applied", header.AppliedCount).
		Int("conflicts", header.ConflictCount).Int("unmatched", header.UnmatchedCount).
		Int("failed", header.FailedCount).Msg("remittance batch processed")
	return &BatchResult{Batch: header, Outcomes: outcomes}, nil
}

// header starts from the stored header when the batch was seen before.
func (e *Engine) header(ctx context.Context, b *Batch) (*BatchHeader, error) {
	prev, err := e.batches.Get(ctx, b.BatchID)
	switch {
	case err == nil:
		return prev, nil
	case !errors.Is(err, ErrBatchNotFound):
		return nil, fmt.Errorf("load remittance batch: %w", err)
	}

	h := &BatchHeader{
		BatchID:     b.BatchID,
		PayerID:     b.PayerID,
		PayerName:   b.PayerName,
		CheckNumber: b.CheckNumber,
		TotalPaid:   b.TotalPaid,
		ClaimCount:  len(b.Claims),
		ReceivedAt:  e.now(),
	}
	if b.PaymentDate != "" {
		d, err := time.Parse("2006-01-02", b.PaymentDate)
		if err != nil {
			return nil, &billing.ValidationError{Message: "invalid payment_date"}
		}
		h.PaymentDate = &d
	}
	paid := decimal.Zero
	for i := range b.Claims {
		paid = paid.Add(b.Claims[i].Paid())
	}
	if h.TotalPaid.IsZero() {
		h.TotalPaid = paid
	} else if !h.TotalPaid.Equal(paid) {
		e.logger.Warn().Str("batch_id", b.BatchID).Str("declared", h.TotalPaid.StringFixed(2)).
			Str("remitted", paid.StringFixed(2)).Msg("batch total differs from the sum of claim payments")
	}
	return h, nil
}

// archiveRaw stores the payload and returns its key. Archiving is best
// effort: a failure is logged and the batch is still applied.
func (e *Engine) archiveRaw(ctx context.Context, h *BatchHeader, raw []byte, log zerolog.Logger) string {
	if e.archive == nil {
		return ""
	}
	key := fmt.Sprintf("remittances/%s/%s.json", h.ReceivedAt.Format("2006/01/02"), h.BatchID)
	meta := blobstore.BlobMetadata{
		Key:         key,
		ContentType: "application/json",
		Tags:        map[string]string{"batch-id": h.BatchID, "payer-id": h.PayerID},
	}
	if _, err := e.archive.Upload(ctx, meta, bytes.NewReader(raw)); err != nil {
		log.Warn().Err(err).Msg("archive remittance payload failed")
		return ""
	}
	return key
}

func (e *Engine) applyClaim(ctx context.Context, batchID string, rc RemittedClaim, log zerolog.Logger) *billing.ReconciliationOutcome {
	out := &billing.ReconciliationOutcome{
		BatchID:               batchID,
		ControlNumber:         rc.ControlNumber,
		PaidAmount:            rc.Paid(),
		PatientResponsibility: decimal.Zero,
		ContractualAdjustment: decimal.Zero,
		AppliedAt:             e.now(),
	}

	c, err := e.claims.FindByControlNumber(ctx, rc.ControlNumber)
	if errors.Is(err, billing.ErrClaimNotFound) {
		out.Status = billing.OutcomeUnmatched
		out.Reasons = []string{"no claim with control number " + rc.ControlNumber}
		log.Warn().Str("control_number", rc.ControlNumber).Msg("remitted claim matches no claim")
		return out
	}
	if err != nil {
		return failed(out, err, log)
	}
	out.ClaimID = c.ID
	out.ClaimNumber = c.ClaimNumber

	res, err := e.claims.Reconcile(ctx, c.ID, toAdjudication(batchID, rc))
	var conflict *billing.ConflictError
	switch {
	case err == nil, errors.As(err, &conflict) && res != nil:
		return res
	default:
		return failed(out, err, log)
	}
}

func failed(out *billing.ReconciliationOutcome, err error, log zerolog.Logger) *billing.ReconciliationOutcome {
	out.Status = billing.OutcomeFailed
	out.Reasons = []string{err.Error()}
	log.Error().Err(err).Str("control_number", out.ControlNumber).Int64("claim_id", out.ClaimID).
		Msg("remitted claim could not be applied")
	return out
}

// GetBatch returns a stored batch header.
func (e *Engine) GetBatch(ctx context.Context, batchID string) (*BatchHeader, error) {
	return e.batches.Get(ctx, batchID)
}

func (e *Engine) ListBatches(ctx context.Context, limit, offset int) ([]*BatchHeader, int, error) {
	return e.batches.List(ctx, limit, offset)
}

// Payload opens the archived raw batch.
func (e *Engine) Payload(ctx context.Context, batchID string) ([]byte, error) {
	h, err := e.batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if e.archive == nil || h.ArchiveKey == "" {
		return nil, fmt.Errorf("batch %s: %w", batchID, blobstore.ErrBlobNotFound)
	}
	rc, _, err := e.archive.Download(ctx, h.ArchiveKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, fmt.Errorf("read archived batch: %w", err)
	}
	return buf.Bytes(), nil
}
