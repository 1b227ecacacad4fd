package terminology

import "context"

// ProcedureRepository provides access to procedure codes and default charges.
type ProcedureRepository interface {
	Search(ctx context.Context, query string, limit int) ([]*ProcedureCode, error)
	GetByCode(ctx context.Context, code string) (*ProcedureCode, error)
}

// DiagnosisRepository provides access to ICD-10-CM codes.
type DiagnosisRepository interface {
	Search(ctx context.Context, query string, limit int) ([]*DiagnosisCode, error)
	GetByCode(ctx context.Context, code string) (*DiagnosisCode, error)
}
