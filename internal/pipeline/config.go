package pipeline

import (
	"time"

	"github.com/garmaxai/backend/internal/confirm"
	"github.com/garmaxai/backend/internal/ledger"
)

// Config holds the product knobs of the session lifecycle.
type Config struct {
	// ConfirmationWindow is how long a preview waits for the user.
	ConfirmationWindow time.Duration
	// TimeoutPolicy decides what a lapsed window means.
	TimeoutPolicy confirm.Policy
	// RequireConfirmation applies when a request does not choose.
	RequireConfirmation bool
	// StageTimeout bounds how long a session may sit in a running stage.
	StageTimeout time.Duration
	Pricing      ledger.Pricing
}

// DefaultConfig mirrors the reference product.
func DefaultConfig() Config {
	return Config{
		ConfirmationWindow:  30 * time.Second,
		TimeoutPolicy:       confirm.PolicyAutoApprove,
		RequireConfirmation: true,
		StageTimeout:        600 * time.Second,
		Pricing:             ledger.DefaultPricing(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConfirmationWindow <= 0 {
		c.ConfirmationWindow = d.ConfirmationWindow
	}
	if c.TimeoutPolicy == "" {
		c.TimeoutPolicy = d.TimeoutPolicy
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = d.StageTimeout
	}
	if c.Pricing == (ledger.Pricing{}) {
		c.Pricing = d.Pricing
	}
	return c
}
