package scrub

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/revcycle/internal/domain/billing"
	"github.com/ehr/revcycle/internal/domain/terminology"
)

// CodeReference resolves procedure and diagnosis codes. A missing code is
// reported as terminology.ErrCodeNotFound.
type CodeReference interface {
	LookupProcedure(ctx context.Context, code string) (*terminology.ProcedureCode, error)
	LookupDiagnosis(ctx context.Context, code string) (*terminology.DiagnosisCode, error)
}

// Engine evaluates a rule catalog against claim snapshots. It holds no claim
// state, and the same claim and clock always produce the same result.
type Engine struct {
	catalog *Catalog
	codes   CodeReference
	now     func() time.Time
	logger  zerolog.Logger
}

func NewEngine(catalog *Catalog, codes CodeReference, logger zerolog.Logger) *Engine {
	return &Engine{
		catalog: catalog,
		codes:   codes,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With().Str("component", "scrub").Str("rule_set", catalog.Label()).Logger(),
	}
}

func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) Catalog() *Catalog { return e.catalog }

// Scrub runs every enabled rule in catalog order. Error-severity edits fail
// the claim; warnings are reported but do not. A lookup failure in the code
// reference aborts the scrub with an error rather than a result.
func (e *Engine) Scrub(ctx context.Context, c *billing.Claim) (*billing.ScrubResult, error) {
	now := e.now()
	in := &input{
		claim:      c,
		codes:      e.codes,
		now:        now,
		procedures: make(map[string]*terminology.ProcedureCode),
		diagnoses:  make(map[string]*terminology.DiagnosisCode),
	}

	res := &billing.ScrubResult{
		Errors:     []billing.Edit{},
		Warnings:   []billing.Edit{},
		RuleSet:    e.catalog.Label(),
		ScrubbedAt: now,
	}
	for _, r := range e.catalog.Rules {
		if r.Disabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		findings, err := checks[r.Check](ctx, in, r.Params)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		for _, f := range findings {
			edit := billing.Edit{
				RuleID:     r.ID,
				Category:   string(r.Category),
				Severity:   r.Severity,
				Message:    f.message,
				LineNumber: f.line,
			}
			if r.Message != "" {
				edit.Message = r.Message
			}
			if r.Severity == billing.SeverityError {
				res.Errors = append(res.Errors, edit)
			} else {
				res.Warnings = append(res.Warnings, edit)
			}
		}
	}
	res.Passed = len(res.Errors) == 0

	e.logger.Debug().Int64("claim_id", c.ID).Bool("passed", res.Passed).
		Int("errors", len(res.Errors)).Int("warnings", len(res.Warnings)).Msg("claim scrubbed")
	return res, nil
}
