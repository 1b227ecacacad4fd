package clearinghouse

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/revcycle/internal/domain/billing"
)

var simNow = time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

func simClaim(payer string) *billing.Claim {
	cn := "ICN0000000042"
	return &billing.Claim{
		ID:            42,
		ClaimNumber:   "CLM-20240315-0000ABCD",
		ControlNumber: &cn,
		Payer:         &billing.PayerInfo{PayerID: payer, MemberID: "W1"},
		Status:        billing.StatusValidated,
	}
}

func newSim(reject ...string) *Simulator {
	s := NewSimulator(reject)
	s.SetClock(func() time.Time { return simNow })
	return s
}

func TestSimulator_Accepts(t *testing.T) {
	s := newSim("99999")
	res, err := s.Submit(context.Background(), simClaim("60054"))
	require.NoError(t, err)

	assert.True(t, res.Accepted)
	assert.Equal(t, billing.SourceSimulated, res.Source)
	assert.Equal(t, "ICN0000000042", res.ControlNumber)
	assert.Regexp(t, `^SIM-[0-9A-F]{12}$`, res.GatewayReference)
	assert.Equal(t, simNow, res.ReceivedAt)
}

func TestSimulator_ReferenceIsDeterministic(t *testing.T) {
	a, err := newSim().Submit(context.Background(), simClaim("60054"))
	require.NoError(t, err)
	b, err := newSim().Submit(context.Background(), simClaim("60054"))
	require.NoError(t, err)
	assert.Equal(t, a.GatewayReference, b.GatewayReference)

	other := simClaim("60054")
	other.ClaimNumber = "CLM-20240315-0000FFFF"
	c, err := newSim().Submit(context.Background(), other)
	require.NoError(t, err)
	assert.NotEqual(t, a.GatewayReference, c.GatewayReference)
}

func TestSimulator_RejectsConfiguredPayers(t *testing.T) {
	s := newSim(" 99999 ", "")
	res, err := s.Submit(context.Background(), simClaim("99999"))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	require.Len(t, res.Reasons, 1)
	assert.Contains(t, res.Reasons[0], "99999")
}

func TestSimulator_AcceptsSelfPay(t *testing.T) {
	s := newSim("99999")
	c := simClaim("60054")
	c.Payer = nil
	res, err := s.Submit(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Empty(t, res.Reasons)
	assert.Contains(t, res.Message, "self-pay")

	submitted := simNow.Add(-time.Hour)
	c.SubmittedAt = &submitted
	status, err := s.CheckStatus(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, billing.PayerStatusReceived, status.OverallStatus)
}

func TestSimulator_HonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newSim().Submit(ctx, simClaim("60054"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimulator_StatusProgression(t *testing.T) {
	tests := []struct {
		age      time.Duration
		status   string
		category string
	}{
		{time.Hour, billing.PayerStatusReceived, "A1"},
		{30 * time.Hour, billing.PayerStatusPending, "P1"},
		{5 * 24 * time.Hour, billing.PayerStatusFinalized, "F1"},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			c := simClaim("60054")
			submitted := simNow.Add(-tt.age)
			c.SubmittedAt = &submitted

			res, err := newSim().CheckStatus(context.Background(), c)
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.OverallStatus)
			require.Len(t, res.CategoryStatuses, 1)
			assert.Equal(t, tt.category, res.CategoryStatuses[0].Category)
			assert.NotEmpty(t, res.PayerClaimNumber)
		})
	}
}

func TestSimulator_StatusOfUnsubmittedClaim(t *testing.T) {
	res, err := newSim().CheckStatus(context.Background(), simClaim("60054"))
	require.NoError(t, err)
	assert.Equal(t, billing.PayerStatusUnknown, res.OverallStatus)
}

func TestNew_SelectsImplementation(t *testing.T) {
	gw, err := New(Config{Mode: "simulated"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Simulator{}, gw)

	gw, err = New(Config{Mode: "LIVE", BaseURL: "https://ch.example.com/api", ClientID: "c", SigningKey: "k"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &LiveClient{}, gw)

	_, err = New(Config{Mode: "live"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Config{Mode: "fax"}, zerolog.Nop())
	assert.Error(t, err)
}
