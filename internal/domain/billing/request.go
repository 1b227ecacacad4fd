package billing

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CreateClaimRequest struct {
	PatientID      uuid.UUID     `json:"patient_id" validate:"required"`
	ProviderID     *uuid.UUID    `json:"provider_id,omitempty"`
	Payer          *PayerInfo    `json:"payer,omitempty"`
	ClaimType      ClaimType     `json:"claim_type,omitempty" validate:"omitempty,oneof=professional institutional"`
	DiagnosisCodes []string      `json:"diagnosis_codes" validate:"max=12,dive,required,max=8"`
	PlaceOfService string        `json:"place_of_service,omitempty" validate:"omitempty,len=2,numeric"`
	DateOfService  string        `json:"date_of_service,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Lines          []LineRequest `json:"lines" validate:"max=50,dive"`
}

// LineRequest is a claim line as entered. A nil ChargeAmount takes the
// procedure's default charge; zero Units means one.
type LineRequest struct {
	ProcedureCode string           `json:"procedure_code" validate:"required,max=10"`
	Description   string           `json:"description,omitempty" validate:"max=255"`
	Modifier      string           `json:"modifier,omitempty" validate:"omitempty,max=8"`
	Units         int              `json:"units,omitempty" validate:"min=0,max=999"`
	ChargeAmount  *decimal.Decimal `json:"charge_amount,omitempty"`
}

// ReviseClaimRequest changes a claim before it is accepted by a payer. Nil
// fields are left unchanged; a non-nil Lines replaces every line.
type ReviseClaimRequest struct {
	ProviderID     *uuid.UUID    `json:"provider_id,omitempty"`
	Payer          *PayerInfo    `json:"payer,omitempty"`
	SelfPay        bool          `json:"self_pay,omitempty"`
	ClaimType      *ClaimType    `json:"claim_type,omitempty" validate:"omitempty,oneof=professional institutional"`
	DiagnosisCodes []string      `json:"diagnosis_codes,omitempty" validate:"omitempty,max=12,dive,required,max=8"`
	PlaceOfService *string       `json:"place_of_service,omitempty" validate:"omitempty,len=2,numeric"`
	DateOfService  *string       `json:"date_of_service,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Lines          []LineRequest `json:"lines,omitempty" validate:"omitempty,max=50,dive"`
	Reason         string        `json:"reason,omitempty" validate:"max=500"`
}

type StatusChangeRequest struct {
	Status Status `json:"status" validate:"required"`
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateRequest runs struct validation and converts failures into a
// ValidationError naming each offending field by its JSON path.
func ValidateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Message: err.Error()}
	}
	edits := make([]Edit, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		msg := fmt.Sprintf("%s failed %s", field, fe.Tag())
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		edits = append(edits, Edit{RuleID: "request", Category: "request", Severity: SeverityError, Message: msg})
	}
	return &ValidationError{Message: "invalid request", Edits: edits}
}

func parseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}
