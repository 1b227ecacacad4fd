package terminology

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrCodeNotFound is returned when a code is absent from the reference tables.
var ErrCodeNotFound = errors.New("code not found")

// ProcedureCode is a CPT/HCPCS procedure with its practice default charge.
type ProcedureCode struct {
	Code          string          `json:"code"`
	Description   string          `json:"description"`
	Category      string          `json:"category"`
	DefaultCharge decimal.Decimal `json:"default_charge"`
	Active        bool            `json:"active"`
}

// DiagnosisCode is an ICD-10-CM diagnosis.
type DiagnosisCode struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
	Billable    bool   `json:"billable"`
}
