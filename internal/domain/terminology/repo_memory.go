package terminology

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryRepository is an in-process code table used when the service runs
// without Postgres. It implements both ProcedureRepository and, through
// Diagnoses, DiagnosisRepository.
type MemoryRepository struct {
	mu         sync.RWMutex
	procedures map[string]*ProcedureCode
	diagnoses  map[string]*DiagnosisCode
}

// NewMemoryRepository returns a repository seeded with the practice's default
// code table (the same rows migration 003 inserts).
func NewMemoryRepository() *MemoryRepository {
	r := &MemoryRepository{
		procedures: make(map[string]*ProcedureCode),
		diagnoses:  make(map[string]*DiagnosisCode),
	}
	for _, p := range defaultProcedures {
		r.PutProcedure(&ProcedureCode{
			Code:          p.code,
			Description:   p.description,
			Category:      p.category,
			DefaultCharge: decimal.RequireFromString(p.charge),
			Active:        true,
		})
	}
	for _, d := range defaultDiagnoses {
		r.PutDiagnosis(&DiagnosisCode{Code: d.code, Description: d.description, Category: d.category, Billable: true})
	}
	return r
}

var defaultProcedures = []struct{ code, description, category, charge string }{
	{"99202", "Office visit, new patient, straightforward", "E&M", "95.00"},
	{"99203", "Office visit, new patient, low complexity", "E&M", "150.00"},
	{"99212", "Office visit, established patient, straightforward", "E&M", "75.00"},
	{"99213", "Office visit, established patient, low complexity", "E&M", "120.00"},
	{"99214", "Office visit, established patient, moderate complexity", "E&M", "175.00"},
	{"99395", "Preventive visit, established patient, 18-39", "Preventive", "210.00"},
	{"90658", "Influenza vaccine, split virus, IM", "Immunization", "35.00"},
	{"90471", "Immunization administration, first vaccine", "Immunization", "25.00"},
	{"36415", "Routine venipuncture", "Laboratory", "15.00"},
	{"80053", "Comprehensive metabolic panel", "Laboratory", "45.00"},
	{"85025", "Complete blood count with differential", "Laboratory", "30.00"},
	{"81002", "Urinalysis, non-automated, without microscopy", "Laboratory", "12.00"},
	{"93000", "Electrocardiogram, routine, with interpretation", "Cardiology", "60.00"},
	{"71046", "Chest X-ray, 2 views", "Radiology", "110.00"},
	{"96372", "Therapeutic injection, SC/IM", "Injection", "40.00"},
	{"20610", "Arthrocentesis, major joint", "Procedure", "185.00"},
}

var defaultDiagnoses = []struct{ code, description, category string }{
	{"Z23", "Encounter for immunization", "Factors influencing health status"},
	{"Z00.00", "General adult medical examination without abnormal findings", "Factors influencing health status"},
	{"Z01.00", "Encounter for examination of eyes and vision without abnormal findings", "Factors influencing health status"},
	{"J06.9", "Acute upper respiratory infection, unspecified", "Respiratory"},
	{"J02.9", "Acute pharyngitis, unspecified", "Respiratory"},
	{"R05.9", "Cough, unspecified", "Symptoms"},
	{"R51.9", "Headache, unspecified", "Symptoms"},
	{"I10", "Essential (primary) hypertension", "Circulatory"},
	{"E11.9", "Type 2 diabetes mellitus without complications", "Endocrine"},
	{"E78.5", "Hyperlipidemia, unspecified", "Endocrine"},
	{"M25.561", "Pain in right knee", "Musculoskeletal"},
	{"N39.0", "Urinary tract infection, site not specified", "Genitourinary"},
	{"K21.9", "Gastro-esophageal reflux disease without esophagitis", "Digestive"},
	{"F41.1", "Generalized anxiety disorder", "Mental"},
}

func (r *MemoryRepository) PutProcedure(p *ProcedureCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.procedures[p.Code] = &cp
}

func (r *MemoryRepository) PutDiagnosis(d *DiagnosisCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.diagnoses[d.Code] = &cp
}

func (r *MemoryRepository) Search(_ context.Context, query string, limit int) ([]*ProcedureCode, error) {
	if limit <= 0 {
		limit = 20
	}
	q := strings.ToLower(query)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ProcedureCode
	for _, p := range r.procedures {
		if strings.Contains(strings.ToLower(p.Code), q) || strings.Contains(strings.ToLower(p.Description), q) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) GetByCode(_ context.Context, code string) (*ProcedureCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procedures[code]
	if !ok {
		return nil, fmt.Errorf("procedure %s: %w", code, ErrCodeNotFound)
	}
	cp := *p
	return &cp, nil
}

// Diagnoses exposes the diagnosis half of the table.
func (r *MemoryRepository) Diagnoses() DiagnosisRepository { return memoryDiagnoses{r} }

type memoryDiagnoses struct{ r *MemoryRepository }

func (m memoryDiagnoses) Search(_ context.Context, query string, limit int) ([]*DiagnosisCode, error) {
	if limit <= 0 {
		limit = 20
	}
	q := strings.ToLower(query)
	m.r.mu.RLock()
	defer m.r.mu.RUnlock()
	var out []*DiagnosisCode
	for _, d := range m.r.diagnoses {
		if strings.Contains(strings.ToLower(d.Code), q) || strings.Contains(strings.ToLower(d.Description), q) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memoryDiagnoses) GetByCode(_ context.Context, code string) (*DiagnosisCode, error) {
	m.r.mu.RLock()
	defer m.r.mu.RUnlock()
	d, ok := m.r.diagnoses[code]
	if !ok {
		return nil, fmt.Errorf("diagnosis %s: %w", code, ErrCodeNotFound)
	}
	cp := *d
	return &cp, nil
}
