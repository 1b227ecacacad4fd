package remittance

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/revcycle/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type batchRepoPG struct{ pool *pgxpool.Pool }

func NewBatchRepoPG(pool *pgxpool.Pool) BatchRepository { return &batchRepoPG{pool: pool} }

func (r *batchRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const batchCols = `batch_id, payer_id, payer_name, check_number, payment_date, total_paid,
	claim_count, applied_count, conflict_count, unmatched_count, failed_count,
	archive_key, received_at, processed_at`

func scanBatch(row pgx.Row) (*BatchHeader, error) {
	var (
		h                                     BatchHeader
		payerID, payerName, check, archiveKey *string
	)
	err := row.Scan(&h.BatchID, &payerID, &payerName, &check, &h.PaymentDate, &h.TotalPaid,
		&h.ClaimCount, &h.AppliedCount, &h.ConflictCount, &h.UnmatchedCount, &h.FailedCount,
		&archiveKey, &h.ReceivedAt, &h.ProcessedAt)
	if err != nil {
		return nil, err
	}
	h.PayerID = deref(payerID)
	h.PayerName = deref(payerName)
	h.CheckNumber = deref(check)
	h.ArchiveKey = deref(archiveKey)
	return &h, nil
}

func (r *batchRepoPG) Save(ctx context.Context, h *BatchHeader) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO remittance_batch (batch_id, payer_id, payer_name, check_number, payment_date, total_paid,
			claim_count, applied_count, conflict_count, unmatched_count, failed_count, archive_key, received_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (batch_id) DO UPDATE SET
			applied_count = EXCLUDED.applied_count,
			conflict_count = EXCLUDED.conflict_count,
			unmatched_count = EXCLUDED.unmatched_count,
			failed_count = EXCLUDED.failed_count,
			archive_key = COALESCE(remittance_batch.archive_key, EXCLUDED.archive_key),
			processed_at = EXCLUDED.processed_at
		RETURNING received_at, COALESCE(archive_key, '')`,
		h.BatchID, nullable(h.PayerID), nullable(h.PayerName), nullable(h.CheckNumber), h.PaymentDate, h.TotalPaid,
		h.ClaimCount, h.AppliedCount, h.ConflictCount, h.UnmatchedCount, h.FailedCount,
		nullable(h.ArchiveKey), h.ReceivedAt, h.ProcessedAt,
	).Scan(&h.ReceivedAt, &h.ArchiveKey)
	if err != nil {
		return fmt.Errorf("save remittance batch %s: %w", h.BatchID, err)
	}
	return nil
}

func (r *batchRepoPG) Get(ctx context.Context, batchID string) (*BatchHeader, error) {
	h, err := scanBatch(r.conn(ctx).QueryRow(ctx,
		`SELECT `+batchCols+` FROM remittance_batch WHERE batch_id = $1`, batchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get remittance batch %s: %w", batchID, err)
	}
	return h, nil
}

func (r *batchRepoPG) List(ctx context.Context, limit, offset int) ([]*BatchHeader, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM remittance_batch`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count remittance batches: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+batchCols+` FROM remittance_batch ORDER BY received_at DESC, batch_id DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list remittance batches: %w", err)
	}
	defer rows.Close()

	var out []*BatchHeader
	for rows.Next() {
		h, err := scanBatch(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, h)
	}
	return out, total, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
