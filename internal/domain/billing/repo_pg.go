package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ehr/revcycle/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type claimRepoPG struct{ pool *pgxpool.Pool }

func NewClaimRepoPG(pool *pgxpool.Pool) ClaimRepository { return &claimRepoPG{pool: pool} }

func (r *claimRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const claimCols = `id, claim_number, patient_id, provider_id,
	payer_id, payer_name, policy_number, member_id, group_number,
	claim_type, diagnosis_codes, place_of_service, date_of_service, status,
	total_charge, total_allowed, contractual_adjustment, total_paid, patient_responsibility,
	control_number, gateway_reference, gateway_source, payer_claim_number, payer_status, submitted_at,
	scrub_result, other_adjustment, version, created_at, updated_at`

func scanClaim(row pgx.Row) (*Claim, error) {
	var (
		c                                              Claim
		payerID, payerName, policy, member, group, pos *string
		dos                                            *time.Time
		scrub                                          []byte
	)
	err := row.Scan(&c.ID, &c.ClaimNumber, &c.PatientID, &c.ProviderID,
		&payerID, &payerName, &policy, &member, &group,
		&c.ClaimType, &c.DiagnosisCodes, &pos, &dos, &c.Status,
		&c.TotalCharge, &c.TotalAllowed, &c.ContractualAdjustment, &c.TotalPaid, &c.PatientResponsibility,
		&c.ControlNumber, &c.GatewayReference, &c.GatewaySource, &c.PayerClaimNumber, &c.PayerStatus, &c.SubmittedAt,
		&scrub, &c.OtherAdjustment, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if payerID != nil && *payerID != "" {
		c.Payer = &PayerInfo{
			PayerID:      *payerID,
			PayerName:    deref(payerName),
			PolicyNumber: deref(policy),
			MemberID:     deref(member),
			GroupNumber:  deref(group),
		}
	}
	c.PlaceOfService = deref(pos)
	if dos != nil {
		c.DateOfService = *dos
	}
	if len(scrub) > 0 {
		var sr ScrubResult
		if err := json.Unmarshal(scrub, &sr); err != nil {
			return nil, fmt.Errorf("decode scrub result of claim %d: %w", c.ID, err)
		}
		c.ScrubResult = &sr
	}
	return &c, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func payerColumns(p *PayerInfo) []interface{} {
	if p == nil {
		return []interface{}{nil, nil, nil, nil, nil}
	}
	return []interface{}{nullable(p.PayerID), nullable(p.PayerName), nullable(p.PolicyNumber), nullable(p.MemberID), nullable(p.GroupNumber)}
}

func dateOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scrubJSON(sr *ScrubResult) ([]byte, error) {
	if sr == nil {
		return nil, nil
	}
	return json.Marshal(sr)
}

func (r *claimRepoPG) Create(ctx context.Context, c *Claim) error {
	scrub, err := scrubJSON(c.ScrubResult)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		args := []interface{}{c.ClaimNumber, c.PatientID, c.ProviderID}
		args = append(args, payerColumns(c.Payer)...)
		args = append(args, c.ClaimType, c.DiagnosisCodes, nullable(c.PlaceOfService), dateOrNil(c.DateOfService), c.Status,
			c.TotalCharge, c.TotalAllowed, c.ContractualAdjustment, c.TotalPaid, c.PatientResponsibility, scrub,
			c.OtherAdjustment)
		err := q.QueryRow(ctx, `
			INSERT INTO claim (claim_number, patient_id, provider_id,
				payer_id, payer_name, policy_number, member_id, group_number,
				claim_type, diagnosis_codes, place_of_service, date_of_service, status,
				total_charge, total_allowed, contractual_adjustment, total_paid, patient_responsibility,
				scrub_result, other_adjustment)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
			RETURNING id, version, created_at, updated_at`, args...).
			Scan(&c.ID, &c.Version, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert claim: %w", err)
		}
		if err := r.insertLines(ctx, q, c.ID, c.Lines); err != nil {
			return err
		}
		return r.insertEvents(ctx, q, c.ID, c.Events)
	})
}

func (r *claimRepoPG) insertLines(ctx context.Context, q queryable, claimID int64, lines []*ClaimLine) error {
	for _, l := range lines {
		_, err := q.Exec(ctx, `
			INSERT INTO claim_line (claim_id, line_number, procedure_code, description, modifier,
				units, charge_amount, allowed_amount, paid_amount)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			claimID, l.LineNumber, l.ProcedureCode, nullable(l.Description), nullable(l.Modifier),
			l.Units, l.ChargeAmount, l.AllowedAmount, l.PaidAmount)
		if err != nil {
			return fmt.Errorf("insert claim line %d: %w", l.LineNumber, err)
		}
	}
	return nil
}

func (r *claimRepoPG) insertEvents(ctx context.Context, q queryable, claimID int64, events []*RevenueCycleEvent) error {
	for _, e := range events {
		details := e.Details
		if details == nil {
			details = map[string]interface{}{}
		}
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode event details: %w", err)
		}
		err = q.QueryRow(ctx, `
			INSERT INTO claim_event (claim_id, sequence, event_type, old_status, new_status, details, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
			claimID, e.Sequence, e.Type, e.OldStatus, e.NewStatus, raw, e.CreatedAt).Scan(&e.ID)
		if err != nil {
			return fmt.Errorf("insert claim event %d: %w", e.Sequence, err)
		}
		e.ClaimID = claimID
	}
	return nil
}

func (r *claimRepoPG) GetByID(ctx context.Context, id int64) (*Claim, error) {
	return r.load(ctx, `SELECT `+claimCols+` FROM claim WHERE id = $1`, id)
}

func (r *claimRepoPG) GetByControlNumber(ctx context.Context, controlNumber string) (*Claim, error) {
	return r.load(ctx, `SELECT `+claimCols+` FROM claim WHERE control_number = $1`, controlNumber)
}

func (r *claimRepoPG) load(ctx context.Context, query string, key interface{}) (*Claim, error) {
	q := r.conn(ctx)
	c, err := scanClaim(q.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim %v: %w", key, ErrClaimNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load claim: %w", err)
	}
	if c.Lines, err = r.lines(ctx, q, c.ID); err != nil {
		return nil, err
	}
	if c.Events, err = r.events(ctx, q, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *claimRepoPG) lines(ctx context.Context, q queryable, claimID int64) ([]*ClaimLine, error) {
	rows, err := q.Query(ctx, `
		SELECT line_number, procedure_code, COALESCE(description,''), COALESCE(modifier,''),
			units, charge_amount, allowed_amount, paid_amount
		FROM claim_line WHERE claim_id = $1 ORDER BY line_number`, claimID)
	if err != nil {
		return nil, fmt.Errorf("load claim lines: %w", err)
	}
	defer rows.Close()
	lines := []*ClaimLine{}
	for rows.Next() {
		var l ClaimLine
		if err := rows.Scan(&l.LineNumber, &l.ProcedureCode, &l.Description, &l.Modifier,
			&l.Units, &l.ChargeAmount, &l.AllowedAmount, &l.PaidAmount); err != nil {
			return nil, err
		}
		lines = append(lines, &l)
	}
	return lines, rows.Err()
}

func (r *claimRepoPG) events(ctx context.Context, q queryable, claimID int64) ([]*RevenueCycleEvent, error) {
	rows, err := q.Query(ctx, `
		SELECT id, claim_id, sequence, event_type, COALESCE(old_status,''), COALESCE(new_status,''), details, created_at
		FROM claim_event WHERE claim_id = $1 ORDER BY sequence`, claimID)
	if err != nil {
		return nil, fmt.Errorf("load claim events: %w", err)
	}
	defer rows.Close()
	var events []*RevenueCycleEvent
	for rows.Next() {
		var (
			e   RevenueCycleEvent
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.ClaimID, &e.Sequence, &e.Type, &e.OldStatus, &e.NewStatus, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Details); err != nil {
				return nil, fmt.Errorf("decode event %d details: %w", e.ID, err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (r *claimRepoPG) List(ctx context.Context, filter ClaimFilter, limit, offset int) ([]*Claim, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.PatientID != nil {
		args = append(args, *filter.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	q := r.conn(ctx)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM claim`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count claims: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT %s FROM claim%s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
		claimCols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()
	var items []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *claimRepoPG) Summary(ctx context.Context) (*ClaimsSummary, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT status, COUNT(*),
			COALESCE(SUM(total_charge), 0), COALESCE(SUM(total_paid), 0),
			COALESCE(SUM(patient_responsibility), 0),
			COALESCE(SUM(total_charge - total_paid - contractual_adjustment), 0)
		FROM claim GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("summarize claims: %w", err)
	}
	defer rows.Close()

	s := &ClaimsSummary{
		ByStatus:              make(map[Status]int),
		TotalCharges:          decimal.Zero,
		TotalPaid:             decimal.Zero,
		PatientResponsibility: decimal.Zero,
		Outstanding:           decimal.Zero,
	}
	for rows.Next() {
		var (
			status                  Status
			count                   int
			charges, paid, pr, open decimal.Decimal
		)
		if err := rows.Scan(&status, &count, &charges, &paid, &pr, &open); err != nil {
			return nil, err
		}
		s.TotalClaims += count
		s.ByStatus[status] = count
		if status == StatusCancelled {
			continue
		}
		s.TotalCharges = s.TotalCharges.Add(charges)
		s.TotalPaid = s.TotalPaid.Add(paid)
		s.PatientResponsibility = s.PatientResponsibility.Add(pr)
		s.Outstanding = s.Outstanding.Add(open)
	}
	return s, rows.Err()
}

func (r *claimRepoPG) Commit(ctx context.Context, cm *Commit) error {
	c := cm.Claim
	scrub, err := scrubJSON(c.ScrubResult)
	if err != nil {
		return err
	}
	var outcome []byte
	if cm.Application != nil {
		if outcome, err = json.Marshal(cm.Application.Outcome); err != nil {
			return fmt.Errorf("encode remittance outcome: %w", err)
		}
	}

	var version int
	var updatedAt time.Time
	err = db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		args := []interface{}{c.ID, cm.ExpectedVersion, c.ProviderID}
		args = append(args, payerColumns(c.Payer)...)
		args = append(args, c.ClaimType, c.DiagnosisCodes, nullable(c.PlaceOfService), dateOrNil(c.DateOfService), c.Status,
			c.TotalCharge, c.TotalAllowed, c.ContractualAdjustment, c.TotalPaid, c.PatientResponsibility,
			c.ControlNumber, c.GatewayReference, c.GatewaySource, c.PayerClaimNumber, c.PayerStatus, c.SubmittedAt, scrub,
			c.OtherAdjustment)
		err := q.QueryRow(ctx, `
			UPDATE claim SET provider_id=$3,
				payer_id=$4, payer_name=$5, policy_number=$6, member_id=$7, group_number=$8,
				claim_type=$9, diagnosis_codes=$10, place_of_service=$11, date_of_service=$12, status=$13,
				total_charge=$14, total_allowed=$15, contractual_adjustment=$16, total_paid=$17, patient_responsibility=$18,
				control_number=$19, gateway_reference=$20, gateway_source=$21, payer_claim_number=$22, payer_status=$23,
				submitted_at=$24, scrub_result=$25, other_adjustment=$26, version = version + 1, updated_at = NOW()
			WHERE id = $1 AND version = $2
			RETURNING version, updated_at`, args...).Scan(&version, &updatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("claim %d at version %d: %w", c.ID, cm.ExpectedVersion, ErrConcurrentModification)
		}
		if err != nil {
			return fmt.Errorf("update claim: %w", err)
		}

		if cm.LinesChanged {
			if _, err := q.Exec(ctx, `DELETE FROM claim_line WHERE claim_id = $1`, c.ID); err != nil {
				return fmt.Errorf("replace claim lines: %w", err)
			}
			if err := r.insertLines(ctx, q, c.ID, c.Lines); err != nil {
				return err
			}
		} else {
			for _, l := range c.Lines {
				if _, err := q.Exec(ctx,
					`UPDATE claim_line SET allowed_amount = $3, paid_amount = $4 WHERE claim_id = $1 AND line_number = $2`,
					c.ID, l.LineNumber, l.AllowedAmount, l.PaidAmount); err != nil {
					return fmt.Errorf("update claim line %d: %w", l.LineNumber, err)
				}
			}
		}

		if err := r.insertEvents(ctx, q, c.ID, cm.Events); err != nil {
			return err
		}

		if cm.Application != nil {
			if _, err := q.Exec(ctx,
				`INSERT INTO remittance_application (batch_id, claim_id, outcome) VALUES ($1, $2, $3)`,
				cm.Application.BatchID, cm.Application.ClaimID, outcome); err != nil {
				return fmt.Errorf("record remittance application: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.Version = version
	c.UpdatedAt = updatedAt
	return nil
}

func (r *claimRepoPG) GetApplication(ctx context.Context, batchID string, claimID int64) (*ReconciliationOutcome, error) {
	var raw []byte
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT outcome FROM remittance_application WHERE batch_id = $1 AND claim_id = $2`,
		batchID, claimID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load remittance application: %w", err)
	}
	var o ReconciliationOutcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decode remittance application: %w", err)
	}
	return &o, nil
}
