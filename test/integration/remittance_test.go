package integration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/revcycle/internal/domain/billing"
	"github.com/ehr/revcycle/internal/domain/remittance"
)

func TestRemittance_Postgres(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	c, err := s.claims.CreateClaim(ctx, officeVisit(uuid.New()))
	if err != nil {
		t.Fatalf("CreateClaim: %v", err)
	}
	if _, err := s.claims.SubmitClaim(ctx, c.ID); err != nil {
		t.Fatalf("SubmitClaim: %v", err)
	}
	c, _ = s.claims.GetClaim(ctx, c.ID)

	batchID := "ERA-IT-" + uuid.NewString()[:8]
	payload := fmt.Sprintf(`{"batch_id":%q,"payer_id":"60054","check_number":"CHK-1","claims":[
		{"control_number":%q,"claim_status_code":"1","service_lines":[
			{"procedure_code":"99213","charge_amount":"120","paid_amount":"80","adjustments":[
				{"group_code":"CO","reason_code":"45","amount":"30"},
				{"group_code":"PR","reason_code":"3","amount":"10"}]},
			{"procedure_code":"90658","charge_amount":"35","paid_amount":"25","adjustments":[
				{"group_code":"CO","reason_code":"45","amount":"10"}]}]},
		{"control_number":"NO-SUCH-CLAIM","claim_status_code":"1","service_lines":[
			{"procedure_code":"99213","charge_amount":"10","paid_amount":"10"}]}]}`, batchID, *c.ControlNumber)

	res, err := s.remit.ApplyRemittancePayload(ctx, []byte(payload))
	if err != nil {
		t.Fatalf("ApplyRemittancePayload: %v", err)
	}
	if res.Outcomes[0].Status != billing.OutcomeApplied || res.Outcomes[1].Status != billing.OutcomeUnmatched {
		t.Fatalf("unexpected outcomes %+v", res.Outcomes)
	}

	paid, _ := s.claims.GetClaim(ctx, c.ID)
	if paid.Status != billing.StatusPaid || !paid.TotalPaid.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("expected paid 105, got %s %s", paid.Status, paid.TotalPaid)
	}
	if !paid.PatientResponsibility.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected patient responsibility 10, got %s", paid.PatientResponsibility)
	}

	// Replaying the same batch changes nothing.
	if _, err := s.remit.ApplyRemittancePayload(ctx, []byte(payload)); err != nil {
		t.Fatalf("replay: %v", err)
	}
	again, _ := s.claims.GetClaim(ctx, c.ID)
	if again.Version != paid.Version || len(again.Events) != len(paid.Events) {
		t.Errorf("replay modified claim: version %d -> %d", paid.Version, again.Version)
	}

	h, err := s.remit.GetBatch(ctx, batchID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if h.CheckNumber != "CHK-1" || h.AppliedCount != 1 || h.UnmatchedCount != 1 || h.ClaimCount != 2 {
		t.Errorf("unexpected header %+v", h)
	}
	if h.ArchiveKey == "" {
		t.Error("expected archive key to be recorded")
	}
}

func TestBatchRepoPG(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	if _, err := s.batches.Get(ctx, "missing"); !errors.Is(err, remittance.ErrBatchNotFound) {
		t.Fatalf("expected ErrBatchNotFound, got %v", err)
	}

	id := "ERA-REPO-" + uuid.NewString()[:8]
	now := time.Now()
	h := &remittance.BatchHeader{BatchID: id, PayerID: "60054", TotalPaid: decimal.NewFromInt(50), ClaimCount: 1, AppliedCount: 1,
		ArchiveKey: "remittances/a.json", ReceivedAt: now, ProcessedAt: now}
	if err := s.batches.Save(ctx, h); err != nil {
		t.Fatalf("Save: %v", err)
	}
	first := h.ReceivedAt

	later := now.Add(time.Minute)
	update := &remittance.BatchHeader{BatchID: id, PayerID: "60054", TotalPaid: decimal.NewFromInt(50), ClaimCount: 1, ConflictCount: 1,
		ReceivedAt: later, ProcessedAt: later}
	if err := s.batches.Save(ctx, update); err != nil {
		t.Fatalf("Save update: %v", err)
	}
	if update.ArchiveKey != "remittances/a.json" {
		t.Errorf("expected archive key to be kept, got %q", update.ArchiveKey)
	}

	got, err := s.batches.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ConflictCount != 1 || got.AppliedCount != 0 {
		t.Errorf("expected counts from latest save, got %+v", got)
	}
	if !got.ReceivedAt.Equal(first) {
		t.Errorf("received_at changed: %s -> %s", first, got.ReceivedAt)
	}

	list, total, err := s.batches.List(ctx, 100, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total < 1 || len(list) < 1 {
		t.Errorf("expected batches in list, got %d", total)
	}
}
