package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// Defaults for SendOptions.
const (
	DefaultMaxMailsPerBatch    = 100
	DefaultDelayBetweenBatches = 3600 * time.Second
)

// ErrInvalidOptions is wrapped by SendOptions.Validate failures.
var ErrInvalidOptions = errors.New("invalid send options")

// SendOptions controls throttling and reporting for one run.
type SendOptions struct {
	// DryRun builds (and archives) every message without sending anything.
	DryRun bool

	// StatusAddress receives a progress report at every batch boundary and
	// at the end of the run. Empty disables reporting.
	StatusAddress string

	MaxMailsPerBatch    int
	DelayBetweenBatches time.Duration
}

// DefaultSendOptions returns 100 mails per batch and a one hour delay.
func DefaultSendOptions() SendOptions {
	return SendOptions{
		MaxMailsPerBatch:    DefaultMaxMailsPerBatch,
		DelayBetweenBatches: DefaultDelayBetweenBatches,
	}
}

// Validate checks the batch size and delay.
func (o SendOptions) Validate() error {
	if o.MaxMailsPerBatch <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidOptions, o.MaxMailsPerBatch)
	}
	if o.DelayBetweenBatches < 0 {
		return fmt.Errorf("%w: batch delay must not be negative, got %s", ErrInvalidOptions, o.DelayBetweenBatches)
	}
	return nil
}
