package billing

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// ContentHash fingerprints every claim field a scrub rule can look at. A scrub
// result whose hash differs from the claim's current hash is stale.
func ContentHash(c *Claim) string {
	var b strings.Builder
	field := func(name, value string) {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(value))
		b.WriteByte('\n')
	}

	field("patient", c.PatientID.String())
	if c.ProviderID != nil {
		field("provider", c.ProviderID.String())
	}
	if c.Payer != nil {
		field("payer", c.Payer.PayerID)
		field("policy", c.Payer.PolicyNumber)
		field("member", c.Payer.MemberID)
		field("group", c.Payer.GroupNumber)
	}
	field("type", string(c.ClaimType))
	field("dx", strings.Join(c.DiagnosisCodes, ","))
	field("pos", c.PlaceOfService)
	if !c.DateOfService.IsZero() {
		field("dos", c.DateOfService.Format("2006-01-02"))
	}
	for _, l := range c.Lines {
		field("line", strings.Join([]string{
			strconv.Itoa(l.LineNumber),
			l.ProcedureCode,
			l.Modifier,
			strconv.Itoa(l.Units),
			l.ChargeAmount.StringFixed(2),
		}, "|"))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
