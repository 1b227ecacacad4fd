package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RecalculateTotals derives TotalCharge from the lines and TotalAllowed from
// the contractual adjustment. Call it after any line change.
func (c *Claim) RecalculateTotals() {
	total := decimal.Zero
	for _, l := range c.Lines {
		total = total.Add(l.Extended())
	}
	c.TotalCharge = total
	c.TotalAllowed = total.Sub(c.ContractualAdjustment)
}

// checkInvariants is run on every claim before it is written. Violations are
// never corrected here.
func checkInvariants(c *Claim) error {
	var v []string

	sum := decimal.Zero
	for _, l := range c.Lines {
		if l.Units < 1 {
			v = append(v, fmt.Sprintf("line %d: units %d < 1", l.LineNumber, l.Units))
		}
		if l.ChargeAmount.IsNegative() {
			v = append(v, fmt.Sprintf("line %d: negative charge %s", l.LineNumber, l.ChargeAmount))
		}
		if l.PaidAmount.GreaterThan(l.Extended()) {
			v = append(v, fmt.Sprintf("line %d: paid %s exceeds charge %s", l.LineNumber, l.PaidAmount, l.Extended()))
		}
		sum = sum.Add(l.Extended())
	}
	if !c.TotalCharge.Equal(sum) {
		v = append(v, fmt.Sprintf("total charge %s does not equal line total %s", c.TotalCharge, sum))
	}
	if c.TotalPaid.GreaterThan(c.TotalCharge) {
		v = append(v, fmt.Sprintf("total paid %s exceeds total charge %s", c.TotalPaid, c.TotalCharge))
	}
	if c.TotalPaid.IsNegative() {
		v = append(v, fmt.Sprintf("negative total paid %s", c.TotalPaid))
	}
	if c.PatientResponsibility.IsNegative() {
		v = append(v, fmt.Sprintf("negative patient responsibility %s", c.PatientResponsibility))
	}
	if c.ContractualAdjustment.IsNegative() || c.ContractualAdjustment.GreaterThan(c.TotalCharge) {
		v = append(v, fmt.Sprintf("contractual adjustment %s outside [0, %s]", c.ContractualAdjustment, c.TotalCharge))
	}
	if !c.TotalAllowed.Equal(c.TotalCharge.Sub(c.ContractualAdjustment)) {
		v = append(v, fmt.Sprintf("total allowed %s does not equal charge less contractual adjustment", c.TotalAllowed))
	}
	if len(c.Lines) == 0 && c.Status != StatusDraft && c.Status != StatusCancelled {
		v = append(v, fmt.Sprintf("claim with no lines cannot be %s", c.Status))
	}

	if len(v) > 0 {
		return &BalanceError{ClaimID: c.ID, Violations: v}
	}
	return nil
}
