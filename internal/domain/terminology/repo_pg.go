package terminology

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/revcycle/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// =========== Procedure Repository ===========

type procedureRepoPG struct{ pool *pgxpool.Pool }

func NewProcedureRepoPG(pool *pgxpool.Pool) ProcedureRepository { return &procedureRepoPG{pool: pool} }

func (r *procedureRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const procCols = `code, description, category, default_charge, active`

func scanProcedure(row pgx.Row) (*ProcedureCode, error) {
	var p ProcedureCode
	if err := row.Scan(&p.Code, &p.Description, &p.Category, &p.DefaultCharge, &p.Active); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *procedureRepoPG) Search(ctx context.Context, query string, limit int) ([]*ProcedureCode, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+procCols+` FROM procedure_code
		 WHERE code ILIKE $1 OR description ILIKE $1
		 ORDER BY code LIMIT $2`, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("procedure search: %w", err)
	}
	defer rows.Close()
	var results []*ProcedureCode
	for rows.Next() {
		p, err := scanProcedure(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

func (r *procedureRepoPG) GetByCode(ctx context.Context, code string) (*ProcedureCode, error) {
	p, err := scanProcedure(r.conn(ctx).QueryRow(ctx,
		`SELECT `+procCols+` FROM procedure_code WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("procedure %s: %w", code, ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("procedure get: %w", err)
	}
	return p, nil
}

// =========== Diagnosis Repository ===========

type diagnosisRepoPG struct{ pool *pgxpool.Pool }

func NewDiagnosisRepoPG(pool *pgxpool.Pool) DiagnosisRepository { return &diagnosisRepoPG{pool: pool} }

func (r *diagnosisRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *diagnosisRepoPG) Search(ctx context.Context, query string, limit int) ([]*DiagnosisCode, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT code, description, COALESCE(category,''), billable FROM diagnosis_code
		 WHERE code ILIKE $1 OR description ILIKE $1
		 ORDER BY code LIMIT $2`, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("diagnosis search: %w", err)
	}
	defer rows.Close()
	var results []*DiagnosisCode
	for rows.Next() {
		var d DiagnosisCode
		if err := rows.Scan(&d.Code, &d.Description, &d.Category, &d.Billable); err != nil {
			return nil, err
		}
		results = append(results, &d)
	}
	return results, rows.Err()
}

func (r *diagnosisRepoPG) GetByCode(ctx context.Context, code string) (*DiagnosisCode, error) {
	var d DiagnosisCode
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT code, description, COALESCE(category,''), billable FROM diagnosis_code WHERE code = $1`, code).
		Scan(&d.Code, &d.Description, &d.Category, &d.Billable)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("diagnosis %s: %w", code, ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("diagnosis get: %w", err)
	}
	return &d, nil
}
