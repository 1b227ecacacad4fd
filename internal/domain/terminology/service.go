package terminology

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Service is the Code Reference Service: procedure and diagnosis lookup and
// the default charge schedule.
type Service struct {
	procedures ProcedureRepository
	diagnoses  DiagnosisRepository
}

func NewService(procedures ProcedureRepository, diagnoses DiagnosisRepository) *Service {
	return &Service{procedures: procedures, diagnoses: diagnoses}
}

// NormalizeCode upper-cases and trims a code as entered by a user.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *Service) LookupProcedure(ctx context.Context, code string) (*ProcedureCode, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, fmt.Errorf("code is required")
	}
	return s.procedures.GetByCode(ctx, code)
}

func (s *Service) LookupDiagnosis(ctx context.Context, code string) (*DiagnosisCode, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, fmt.Errorf("code is required")
	}
	return s.diagnoses.GetByCode(ctx, code)
}

// DefaultCharge returns the fee schedule amount for a procedure. Inactive
// codes have no default charge.
func (s *Service) DefaultCharge(ctx context.Context, code string) (decimal.Decimal, error) {
	p, err := s.LookupProcedure(ctx, code)
	if err != nil {
		return decimal.Zero, err
	}
	if !p.Active {
		return decimal.Zero, fmt.Errorf("procedure %s is inactive: %w", p.Code, ErrCodeNotFound)
	}
	return p.DefaultCharge, nil
}

func (s *Service) SearchProcedures(ctx context.Context, query string, limit int) ([]*ProcedureCode, error) {
	if query == "" {
		return nil, fmt.Errorf("query parameter is required")
	}
	if limit <= 0 {
		limit = 20
	}
	return s.procedures.Search(ctx, query, limit)
}

func (s *Service) SearchDiagnoses(ctx context.Context, query string, limit int) ([]*DiagnosisCode, error) {
	if query == "" {
		return nil, fmt.Errorf("query parameter is required")
	}
	if limit <= 0 {
		limit = 20
	}
	return s.diagnoses.Search(ctx, query, limit)
}
