package scrub

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/revcycle/internal/domain/billing"
	"github.com/ehr/revcycle/internal/domain/terminology"
)

// finding is an edit before the rule's identity and severity are attached.
type finding struct {
	line    int
	message string
}

type checkFunc func(ctx context.Context, in *input, p Params) ([]finding, error)

var checks = map[string]checkFunc{
	"lines_present":               linesPresent,
	"procedure_code_known":        procedureCodeKnown,
	"charge_non_negative":         chargeNonNegative,
	"units_positive":              unitsPositive,
	"duplicate_lines":             duplicateLines,
	"diagnosis_present":           diagnosisPresent,
	"diagnosis_format":            diagnosisFormat,
	"diagnosis_known":             diagnosisKnown,
	"procedure_diagnosis_pairing": procedureDiagnosisPairing,
	"modifier_format":             modifierFormat,
	"place_of_service_present":    placeOfServicePresent,
	"place_of_service_valid":      placeOfServiceValid,
	"date_of_service_present":     dateOfServicePresent,
	"date_of_service_not_future":  dateOfServiceNotFuture,
	"timely_filing":               timelyFiling,
	"claim_type_valid":            claimTypeValid,
	"fee_schedule_variance":       feeScheduleVariance,
	"payer_member_id_present":     payerMemberIDPresent,
	"payer_policy_number_present": payerPolicyNumberPresent,
}

// -- structural --

func linesPresent(_ context.Context, in *input, _ Params) ([]finding, error) {
	if len(in.claim.Lines) == 0 {
		return []finding{{message: "claim has no line items"}}, nil
	}
	return nil, nil
}

func procedureCodeKnown(ctx context.Context, in *input, _ Params) ([]finding, error) {
	var out []finding
	for _, l := range in.claim.Lines {
		p, err := in.procedure(ctx, l.ProcedureCode)
		if err != nil {
			return nil, err
		}
		switch {
		case p == nil:
			out = append(out, finding{l.LineNumber, fmt.Sprintf("line %d: unknown procedure code %s", l.LineNumber, l.ProcedureCode)})
		case !p.Active:
			out = append(out, finding{l.LineNumber, fmt.Sprintf("line %d: procedure code %s is inactive", l.LineNumber, l.ProcedureCode)})
		}
	}
	return out, nil
}

func chargeNonNegative(_ context.Context, in *input, _ Params) ([]finding, error) {
	var out []finding
	for _, l := range in.claim.Lines {
		if l.ChargeAmount.IsNegative() {
			out = append(out, finding{l.LineNumber, fmt.Sprintf("line %d: charge %s is negative", l.LineNumber, l.ChargeAmount.StringFixed(2))})
		}
	}
	return out, nil
}

func unitsPositive(_ context.Context, in *input, p Params) ([]finding, error) {
	max := p.Int("max_units", 0)
	var out []finding
	for _, l := range in.claim.Lines {
		if l.Units < 1 {
			out = append(out, finding{l.LineNumber, fmt.Sprintf("line %d: units must be at least 1", l.LineNumber)})
		} else if max > 0 && l.Units > max {
			out = append(out, finding{l.LineNumber, fmt.Sprintf("line %d: %d units exceeds %d", l.LineNumber, l.Units, max)})
		}
	}
	return out, nil
}

func duplicateLines(_ context.Context, in *input, _ Params) ([]finding, error) {
	first := make(map[string]int)
	var out []finding
	for _, l := range in.claim.Lines {
		key := l.ProcedureCode + "|" + l.Modifier
		if n, ok := first[key]; ok {
			out = append(out, finding{l.LineNumber, fmt.Sprintf("line %d duplicates line %d (%s)", l.LineNumber, n, l.ProcedureCode)})
			continue
		}
		first[key] = l.LineNumber
	}
	return out, nil
}

// -- coding --

func diagnosisPresent(_ context.Context, in *input, _ Params) ([]finding, error) {
	if len(in.claim.DiagnosisCodes) == 0 {
		return []finding{{message: "at least one diagnosis code is required"}}, nil
	}
	return nil, nil
}

var icd10Pattern = regexp.MustCompile(`^[A-TV-Z][0-9][0-9A-Z](\.[0-9A-Z]{1,4})?$`)

func diagnosisFormat(_ context.Context, in *input, p Params) ([]finding, error) {
	pattern := icd10Pattern
	if expr := p.String("pattern", ""); expr != "" {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("diagnosis_format pattern: %w", err)
		}
		pattern = re
	}
	var out []finding
	for _, code := range in.claim.DiagnosisCodes {
		if !pattern.MatchString(code) {
			out = append(out, finding{message: fmt.Sprintf("diagnosis code %q is not a valid ICD-10-CM code", code)})
		}
	}
	return out, nil
}

func diagnosisKnown(ctx context.Context, in *input, _ Params) ([]finding, error) {
	var out []finding
	for _, code := range in.claim.DiagnosisCodes {
		if !icd10Pattern.MatchString(code) {
			continue
		}
		dx, err := in.diagnosis(ctx, code)
		if err != nil {
			return nil, err
		}
		switch {
		case dx == nil:
			out = append(out, finding{message: fmt.Sprintf("diagnosis code %s is not in the code reference", code)})
		case !dx.Billable:
			out = append(out, finding{message: fmt.Sprintf("diagnosis code %s is not billable; use a more specific code", code)})
		}
	}
	return out, nil
}

// procedureDiagnosisPairing checks, per procedure category listed in the
// "pairs" param, that some diagnosis on the claim starts with one of the
// category's prefixes. Categories not listed pair with anything.
func procedureDiagnosisPairing(ctx context.Context, in *input, p Params) ([]finding, error) {
	pairs := p.StringLists("pairs")
	if len(pairs) == 0 || len(in.claim.DiagnosisCodes) == 0 {
		return nil, nil
	}
	var out []finding
	for _, l := range in.claim.Lines {
		proc, err := in.procedure(ctx, l.ProcedureCode)
		if err != nil {
			return nil, err
		}
		if proc == nil {
			continue
		}
		prefixes, ok := pairs[proc.Category]
		if !ok || anyHasPrefix(in.claim.DiagnosisCodes, prefixes) {
			continue
		}
		out = append(out, finding{l.LineNumber, fmt.Sprintf("line %d: %s procedure %s expects a diagnosis starting with %s",
			l.LineNumber, strings.ToLower(proc.Category), l.ProcedureCode, strings.Join(prefixes, " or "))})
	}
	return out, nil
}

func anyHasPrefix(codes, prefixes []string) bool {
	for _, c := range codes {
		for _, p := range prefixes {
			if strings.HasPrefix(c, p) {
				return true
			}
		}
	}
	return false
}

var modifierPattern = regexp.MustCompile(`^[0-9A-Z]{2}$`)

func modifierFormat(_ context.Context, in *input, _ Params) ([]finding, error) {
	var out []finding
	for _, l := range in.claim.Lines {
		if l.Modifier != "" && !modifierPattern.MatchString(l.Modifier) {
			out = append(out, finding{l.LineNumber, fmt.Sprintf("line %d: modifier %q must be two letters or digits", l.LineNumber, l.Modifier)})
		}
	}
	return out, nil
}

// -- administrative --

func placeOfServicePresent(_ context.Context, in *input, _ Params) ([]finding, error) {
	if in.claim.PlaceOfService == "" {
		return []finding{{message: "place of service is required"}}, nil
	}
	return nil, nil
}

func placeOfServiceValid(_ context.Context, in *input, p Params) ([]finding, error) {
	pos := in.claim.PlaceOfService
	if pos == "" {
		return nil, nil
	}
	for _, code := range p.Strings("codes") {
		if code == pos {
			return nil, nil
		}
	}
	return []finding{{message: fmt.Sprintf("place of service %s is not recognized", pos)}}, nil
}

func dateOfServicePresent(_ context.Context, in *input, _ Params) ([]finding, error) {
	if in.claim.DateOfService.IsZero() {
		return []finding{{message: "date of service is required"}}, nil
	}
	return nil, nil
}

func dateOfServiceNotFuture(_ context.Context, in *input, _ Params) ([]finding, error) {
	dos := in.claim.DateOfService
	if dos.IsZero() {
		return nil, nil
	}
	if dayOf(dos).After(dayOf(in.now)) {
		return []finding{{message: fmt.Sprintf("date of service %s is in the future", dos.Format("2006-01-02"))}}, nil
	}
	return nil, nil
}

func timelyFiling(_ context.Context, in *input, p Params) ([]finding, error) {
	dos := in.claim.DateOfService
	days := p.Int("days", 365)
	if dos.IsZero() || days <= 0 {
		return nil, nil
	}
	deadline := dayOf(dos).AddDate(0, 0, days)
	if dayOf(in.now).After(deadline) {
		return []finding{{message: fmt.Sprintf("date of service %s is more than %d days ago; timely filing may be exceeded",
			dos.Format("2006-01-02"), days)}}, nil
	}
	return nil, nil
}

func claimTypeValid(_ context.Context, in *input, _ Params) ([]finding, error) {
	switch in.claim.ClaimType {
	case billing.ClaimTypeProfessional, billing.ClaimTypeInstitutional:
		return nil, nil
	}
	return []finding{{message: fmt.Sprintf("claim type %q is not supported", in.claim.ClaimType)}}, nil
}

// feeScheduleVariance compares each unit charge with the procedure's default
// charge and reports ratios outside [min_ratio, max_ratio].
func feeScheduleVariance(ctx context.Context, in *input, p Params) ([]finding, error) {
	minRatio := decimal.NewFromFloat(p.Float("min_ratio", 0.5))
	maxRatio := decimal.NewFromFloat(p.Float("max_ratio", 3))
	var out []finding
	for _, l := range in.claim.Lines {
		proc, err := in.procedure(ctx, l.ProcedureCode)
		if err != nil {
			return nil, err
		}
		if proc == nil || !proc.DefaultCharge.IsPositive() {
			continue
		}
		ratio := l.ChargeAmount.Div(proc.DefaultCharge)
		if ratio.LessThan(minRatio) || ratio.GreaterThan(maxRatio) {
			out = append(out, finding{l.LineNumber, fmt.Sprintf("line %d: charge %s differs from fee schedule %s for %s",
				l.LineNumber, l.ChargeAmount.StringFixed(2), proc.DefaultCharge.StringFixed(2), l.ProcedureCode)})
		}
	}
	return out, nil
}

// -- payer --

func payerMemberIDPresent(_ context.Context, in *input, _ Params) ([]finding, error) {
	if in.claim.SelfPay() || in.claim.Payer.MemberID != "" {
		return nil, nil
	}
	return []finding{{message: fmt.Sprintf("member id is required for payer %s", in.claim.Payer.PayerID)}}, nil
}

func payerPolicyNumberPresent(_ context.Context, in *input, _ Params) ([]finding, error) {
	if in.claim.SelfPay() || in.claim.Payer.PolicyNumber != "" {
		return nil, nil
	}
	return []finding{{message: fmt.Sprintf("policy number is missing for payer %s", in.claim.Payer.PayerID)}}, nil
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// -- lookups --

// input is one scrub's view of a claim. Code lookups are memoized so each
// code is resolved once per scrub.
type input struct {
	claim      *billing.Claim
	codes      CodeReference
	now        time.Time
	procedures map[string]*terminology.ProcedureCode
	diagnoses  map[string]*terminology.DiagnosisCode
}

func (in *input) procedure(ctx context.Context, code string) (*terminology.ProcedureCode, error) {
	if p, ok := in.procedures[code]; ok {
		return p, nil
	}
	p, err := in.codes.LookupProcedure(ctx, code)
	if errors.Is(err, terminology.ErrCodeNotFound) {
		p, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up procedure %s: %w", code, err)
	}
	in.procedures[code] = p
	return p, nil
}

func (in *input) diagnosis(ctx context.Context, code string) (*terminology.DiagnosisCode, error) {
	if d, ok := in.diagnoses[code]; ok {
		return d, nil
	}
	d, err := in.codes.LookupDiagnosis(ctx, code)
	if errors.Is(err, terminology.ErrCodeNotFound) {
		d, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up diagnosis %s: %w", code, err)
	}
	in.diagnoses[code] = d
	return d, nil
}
