// Package smtp implements a Provider that relays messages to an SMTP server
// through a go-mail client, keeping one connection open per batch.
package smtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	carmtls "github.com/shineum/carmailer/internal/tls"
)

// TLS policies accepted by ParseTLSPolicy.
const (
	TLSMandatory     = "mandatory"
	TLSOpportunistic = "opportunistic"
	TLSNone          = "none"
)

// DefaultTimeout bounds dialing and each SMTP command.
const DefaultTimeout = 30 * time.Second

var (
	// ErrNotConnected is returned by Send when no session is open.
	ErrNotConnected = errors.New("smtp session not connected")

	// ErrInvalidTLSPolicy is returned for an unknown policy name.
	ErrInvalidTLSPolicy = errors.New("invalid TLS policy")
)

// Config holds the relay address and credentials.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLSPolicy is one of mandatory, opportunistic or none.
	TLSPolicy     string
	TLSSkipVerify bool
	TLSCAFile     string

	Timeout time.Duration

	// HELO overrides the name sent in EHLO/HELO; empty uses the local hostname.
	HELO string
}

// ParseTLSPolicy maps a policy name to its go-mail value. An empty name
// selects opportunistic STARTTLS.
func ParseTLSPolicy(s string) (mail.TLSPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", TLSOpportunistic:
		return mail.TLSOpportunistic, nil
	case TLSMandatory:
		return mail.TLSMandatory, nil
	case TLSNone:
		return mail.NoTLS, nil
	default:
		return mail.NoTLS, fmt.Errorf("%w: %q", ErrInvalidTLSPolicy, s)
	}
}

// Provider is a batch-scoped SMTP session.
type Provider struct {
	opts   []mail.Option
	host   string
	client *mail.Client
}

// New validates cfg and prepares the client options. No connection is made
// until Connect.
func New(cfg Config) (*Provider, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid smtp port %d", cfg.Port)
	}

	policy, err := ParseTLSPolicy(cfg.TLSPolicy)
	if err != nil {
		return nil, err
	}

	tlsConfig, err := carmtls.ClientConfig(cfg.Host, cfg.TLSCAFile, cfg.TLSSkipVerify)
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(policy),
		mail.WithTLSConfig(tlsConfig),
		mail.WithTimeout(timeout),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.HELO != "" {
		opts = append(opts, mail.WithHELO(cfg.HELO))
	}

	return &Provider{opts: opts, host: cfg.Host}, nil
}

// Connect dials the relay and performs EHLO, STARTTLS and AUTH as configured.
func (p *Provider) Connect(ctx context.Context) error {
	if p.client != nil {
		return nil
	}

	client, err := mail.NewClient(p.host, p.opts...)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}
	if err := client.DialWithContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", p.host, err)
	}

	slog.Debug("SMTP session opened", "host", p.host)
	p.client = client
	return nil
}

// Send delivers msg over the open session. The connection stays usable after
// a rejected recipient.
func (p *Provider) Send(ctx context.Context, msg *mail.Msg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.client == nil {
		return ErrNotConnected
	}
	if err := p.client.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Close sends QUIT and drops the connection. Calling it without an open
// session is a no-op.
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	client := p.client
	p.client = nil
	if err := client.Close(); err != nil {
		return fmt.Errorf("failed to close smtp session: %w", err)
	}
	slog.Debug("SMTP session closed", "host", p.host)
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}
