package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shineum/carmailer/internal/email"
)

// StatusReport describes one progress report built at a batch boundary.
type StatusReport struct {
	To      string
	Headers email.Headers
	Body    email.Body
	// Delivered is false for dry runs and failed sends.
	Delivered bool
	Err       error
}

// Observer receives every event of a run. Implementations are called from
// the goroutine running Dispatcher.Run.
type Observer interface {
	// Sending is called before a recipient is processed; n counts from 1.
	Sending(n int, r email.Recipient)
	Archived(r email.Recipient, location string)
	Failed(r email.Recipient, err error)
	Status(report StatusReport)
	Waiting(d time.Duration)
}

// LogObserver reports events through slog.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver returns an Observer writing to logger, or to the default
// logger when nil.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) Sending(n int, r email.Recipient) {
	o.logger.Info(fmt.Sprintf("Sending to %d: %s", n, r.Address))
}

func (o *LogObserver) Archived(r email.Recipient, location string) {
	o.logger.Debug("message archived", "recipient", r.Address, "location", location)
}

func (o *LogObserver) Failed(r email.Recipient, err error) {
	o.logger.Error("could not send mail", "recipient", r.Address, "error", err)
}

func (o *LogObserver) Status(report StatusReport) {
	attrs := []any{"to", report.To, "subject", report.Headers.Subject}
	switch {
	case report.Err != nil:
		o.logger.Warn("failed to send status report", append(attrs, "error", report.Err)...)
	case report.Delivered:
		o.logger.Info("status report sent", attrs...)
	default:
		o.logger.Info("status report (not sent)", append(attrs, "body", report.Body.Text)...)
	}
}

func (o *LogObserver) Waiting(d time.Duration) {
	o.logger.Info(fmt.Sprintf("Sleeping for %d seconds...", int(d.Seconds())))
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// sleepContext is the default Sleeper.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
