// Package dispatch runs a mail merge: one personalized message per
// recipient, sent in throttled batches through a provider session, with
// failures collected in a ledger and optional progress reports.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/shineum/carmailer/internal/archive"
	"github.com/shineum/carmailer/internal/compose"
	"github.com/shineum/carmailer/internal/email"
	"github.com/shineum/carmailer/internal/merge"
	"github.com/shineum/carmailer/internal/provider"
)

// Connect backoff defaults.
const (
	DefaultConnectRetries = 2
	DefaultConnectBackoff = time.Second
)

// TransportError is a failure to open or close a provider session. It ends
// the run.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Result summarizes a run. Sent counts attempted recipients, failures
// included.
type Result struct {
	Sent     int
	Total    int
	Failures []email.Recipient
}

// Dispatcher sends a Mail to every recipient.
type Dispatcher struct {
	provider  provider.Provider
	assembler *compose.Assembler
	archiver  archive.Archiver
	observer  Observer
	sleep     Sleeper

	connectRetries uint64
	connectBase    time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithArchiver stores every rendered message before it is sent.
func WithArchiver(a archive.Archiver) Option {
	return func(d *Dispatcher) {
		d.archiver = a
	}
}

// WithObserver replaces the default slog observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// WithSleeper replaces the wait between batches.
func WithSleeper(s Sleeper) Option {
	return func(d *Dispatcher) {
		d.sleep = s
	}
}

// WithConnectBackoff sets how often a failed Connect is retried and the
// initial delay of the exponential backoff. A non-positive base keeps the
// default.
func WithConnectBackoff(retries uint64, base time.Duration) Option {
	return func(d *Dispatcher) {
		d.connectRetries = retries
		if base > 0 {
			d.connectBase = base
		}
	}
}

// New creates a Dispatcher sending through p. A nil assembler uses random
// Message-IDs.
func New(p provider.Provider, a *compose.Assembler, opts ...Option) *Dispatcher {
	if a == nil {
		a = compose.New(nil)
	}
	d := &Dispatcher{
		provider:       p,
		assembler:      a,
		observer:       NewLogObserver(nil),
		sleep:          sleepContext,
		connectRetries: DefaultConnectRetries,
		connectBase:    DefaultConnectBackoff,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run processes the recipients in order. Per-recipient failures are recorded
// and the run continues; a TransportError or a cancelled ctx stops it. The
// partial Result is returned together with the error.
func (d *Dispatcher) Run(ctx context.Context, m email.Mail, opts SendOptions) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	r := &run{d: d, mail: m, opts: opts, ledger: NewLedger()}
	total := len(m.Recipients)

	for start := 0; start < total; start += opts.MaxMailsPerBatch {
		end := min(start+opts.MaxMailsPerBatch, total)
		if err := r.batch(ctx, m.Recipients[start:end]); err != nil {
			return r.result(), err
		}
		if end < total {
			d.observer.Waiting(opts.DelayBetweenBatches)
			if err := d.sleep(ctx, opts.DelayBetweenBatches); err != nil {
				return r.result(), err
			}
		}
	}
	return r.result(), nil
}

// run holds the mutable state of one Run call.
type run struct {
	d      *Dispatcher
	mail   email.Mail
	opts   SendOptions
	ledger *Ledger
	sent   int
}

func (r *run) result() *Result {
	return &Result{
		Sent:     r.sent,
		Total:    len(r.mail.Recipients),
		Failures: r.ledger.Snapshot(),
	}
}

// batch sends one batch and its status report. The session opened for it is
// closed on every return path.
func (r *run) batch(ctx context.Context, recipients []email.Recipient) (err error) {
	sess := &session{p: r.d.provider, backoff: r.d.backoff}
	defer func() {
		if cerr := sess.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for _, rcpt := range recipients {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.d.observer.Sending(r.sent+1, rcpt)
		if err := r.deliver(ctx, sess, rcpt); err != nil {
			var te *TransportError
			if errors.As(err, &te) {
				return err
			}
			r.ledger.Add(rcpt)
			r.d.observer.Failed(rcpt, err)
		}
		r.sent++
	}

	if r.opts.StatusAddress != "" {
		r.report(ctx, sess)
	}
	return nil
}

func (r *run) deliver(ctx context.Context, sess *session, rcpt email.Recipient) error {
	body := merge.Render(r.mail.Body, rcpt.Tags)
	msg, err := r.d.assembler.Assemble(r.mail.Headers, rcpt, body)
	if err != nil {
		return err
	}

	if r.d.archiver != nil {
		loc, err := r.d.archiver.Archive(ctx, rcpt, msg)
		if err != nil {
			return fmt.Errorf("failed to archive message: %w", err)
		}
		r.d.observer.Archived(rcpt, loc)
	}

	if r.opts.DryRun {
		return nil
	}
	if err := sess.open(ctx); err != nil {
		return err
	}
	return r.d.provider.Send(ctx, msg)
}

// report builds the progress report and sends it through the batch session.
// Failures only reach the observer.
func (r *run) report(ctx context.Context, sess *session) {
	to := r.opts.StatusAddress
	total := len(r.mail.Recipients)
	report := StatusReport{
		To:      to,
		Headers: StatusHeaders(r.mail.Headers, r.sent, total),
		Body:    StatusBody(r.sent, total, r.ledger.Snapshot(), r.mail.Body.Charset),
	}
	defer func() { r.d.observer.Status(report) }()

	msg, err := r.d.assembler.Assemble(report.Headers, email.Recipient{Address: to}, report.Body)
	if err != nil {
		report.Err = err
		return
	}
	if r.opts.DryRun {
		return
	}
	if err := sess.open(ctx); err != nil {
		report.Err = err
		return
	}
	if err := r.d.provider.Send(ctx, msg); err != nil {
		report.Err = err
		return
	}
	report.Delivered = true
}

func (d *Dispatcher) backoff() retry.Backoff {
	return retry.WithMaxRetries(d.connectRetries, retry.NewExponential(d.connectBase))
}

// session is the provider connection of one batch, opened on first use.
type session struct {
	p       provider.Provider
	backoff func() retry.Backoff
	active  bool
}

func (s *session) open(ctx context.Context) error {
	if s.active {
		return nil
	}
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		if err := s.p.Connect(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	s.active = true
	return nil
}

func (s *session) close() error {
	if !s.active {
		return nil
	}
	s.active = false
	if err := s.p.Close(); err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}
