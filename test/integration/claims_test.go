package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/revcycle/internal/domain/billing"
	"github.com/ehr/revcycle/internal/domain/terminology"
)

func officeVisit(patient uuid.UUID) *billing.CreateClaimRequest {
	return &billing.CreateClaimRequest{
		PatientID:      patient,
		Payer:          &billing.PayerInfo{PayerID: "60054", PayerName: "Aetna", MemberID: "W123456789", PolicyNumber: "P-1"},
		DiagnosisCodes: []string{"Z23"},
		PlaceOfService: "11",
		DateOfService:  time.Now().AddDate(0, 0, -5).Format("2006-01-02"),
		Lines: []billing.LineRequest{
			{ProcedureCode: "99213", Units: 1},
			{ProcedureCode: "90658", Units: 1},
		},
	}
}

func TestCodeReference_Postgres(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	p, err := s.codes.LookupProcedure(ctx, "99213")
	if err != nil {
		t.Fatalf("LookupProcedure: %v", err)
	}
	if !p.DefaultCharge.Equal(decimal.NewFromInt(120)) {
		t.Errorf("expected default charge 120, got %s", p.DefaultCharge)
	}
	if _, err := s.codes.LookupProcedure(ctx, "00000"); !errors.Is(err, terminology.ErrCodeNotFound) {
		t.Errorf("expected ErrCodeNotFound, got %v", err)
	}
	if _, err := s.codes.LookupDiagnosis(ctx, "z23"); err != nil {
		t.Errorf("LookupDiagnosis: %v", err)
	}
}

func TestClaimLifecycle_Postgres(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	c, err := s.claims.CreateClaim(ctx, officeVisit(uuid.New()))
	if err != nil {
		t.Fatalf("CreateClaim: %v", err)
	}
	if c.Version != 1 || len(c.Lines) != 2 {
		t.Fatalf("unexpected created claim: version %d lines %d", c.Version, len(c.Lines))
	}

	if _, err := s.claims.SubmitClaim(ctx, c.ID); err != nil {
		t.Fatalf("SubmitClaim: %v", err)
	}
	got, err := s.claims.GetClaim(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetClaim: %v", err)
	}
	if got.Status != billing.StatusSubmitted || got.ControlNumber == nil {
		t.Fatalf("expected submitted claim with control number, got %s", got.Status)
	}

	byCN, err := s.claims.FindByControlNumber(ctx, *got.ControlNumber)
	if err != nil || byCN.ID != c.ID {
		t.Fatalf("FindByControlNumber: %v", err)
	}

	for i := 1; i < len(got.Events); i++ {
		if got.Events[i].Sequence != got.Events[i-1].Sequence+1 {
			t.Fatalf("event sequence gap at %d", i)
		}
	}

	report, err := s.claims.VerifyEventLog(ctx, c.ID)
	if err != nil {
		t.Fatalf("VerifyEventLog: %v", err)
	}
	if !report.Consistent {
		t.Errorf("expected consistent event log: %s", report.Problem)
	}

	patient := got.PatientID
	list, total, err := s.claims.ListClaims(ctx, billing.ClaimFilter{PatientID: &patient}, 10, 0)
	if err != nil {
		t.Fatalf("ListClaims: %v", err)
	}
	if total != 1 || len(list) != 1 {
		t.Errorf("expected one claim for patient, got %d", total)
	}
}

func TestClaimCommit_ConcurrentCancels(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	c, err := s.claims.CreateClaim(ctx, officeVisit(uuid.New()))
	if err != nil {
		t.Fatalf("CreateClaim: %v", err)
	}

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.claims.CancelClaim(ctx, c.ID, fmt.Sprintf("duplicate %d", i))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one cancel to win, got %d (%v)", ok, errs)
	}

	got, err := s.claims.GetClaim(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != billing.StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	cancels := 0
	for _, ev := range got.Events {
		if ev.NewStatus == billing.StatusCancelled {
			cancels++
		}
	}
	if cancels != 1 {
		t.Errorf("expected one cancellation event, got %d", cancels)
	}
}
