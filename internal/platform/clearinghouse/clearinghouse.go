// Package clearinghouse implements billing.Gateway against a real
// clearinghouse API or a deterministic in-process simulator.
package clearinghouse

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/revcycle/internal/domain/billing"
)

const (
	ModeSimulated = "simulated"
	ModeLive      = "live"
)

// Config selects and configures a gateway implementation.
type Config struct {
	Mode string

	// Live mode.
	BaseURL      string
	ClientID     string
	SigningKey   string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	RPS          float64

	// Simulated mode.
	RejectPayers []string
}

// New returns the gateway for cfg.Mode.
func New(cfg Config, logger zerolog.Logger) (billing.Gateway, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", ModeSimulated:
		logger.Info().Strs("reject_payers", cfg.RejectPayers).Msg("using simulated clearinghouse")
		return NewSimulator(cfg.RejectPayers), nil
	case ModeLive:
		c, err := NewLiveClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("url", cfg.BaseURL).Msg("using live clearinghouse")
		return c, nil
	default:
		return nil, fmt.Errorf("unknown clearinghouse mode %q", cfg.Mode)
	}
}
