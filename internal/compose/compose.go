// Package compose builds the wire-ready MIME message for one recipient.
package compose

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/shineum/carmailer/internal/email"
)

// defaultCharset is used when the body does not name one.
const defaultCharset = "utf-8"

// ComposeError reports a message that could not be built for a recipient.
type ComposeError struct {
	Field string
	Value string
	Err   error
}

func (e *ComposeError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ComposeError) Unwrap() error {
	return e.Err
}

// Assembler turns headers, a recipient and a rendered body into a *mail.Msg.
type Assembler struct {
	ids IDGenerator
	now func() time.Time
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithClock overrides the time source used for the Date header.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		a.now = now
	}
}

// New creates an Assembler. A nil generator falls back to RandomIDs.
func New(ids IDGenerator, opts ...Option) *Assembler {
	if ids == nil {
		ids = RandomIDs{}
	}
	a := &Assembler{ids: ids, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble builds the message for a single recipient. The text part always
// comes first; an HTML alternative follows only when the body has one.
func (a *Assembler) Assemble(h email.Headers, r email.Recipient, body email.Body) (*mail.Msg, error) {
	cs := strings.ToLower(strings.TrimSpace(body.Charset))
	if cs == "" {
		cs = defaultCharset
	}
	enc, err := encoderFor(cs)
	if err != nil {
		return nil, &ComposeError{Field: "charset", Value: cs, Err: err}
	}

	msg := mail.NewMsg(
		mail.WithCharset(mail.Charset(cs)),
		mail.WithEncoding(mail.EncodingQP),
		mail.WithNoDefaultUserAgent(),
	)

	if err := msg.From(h.From); err != nil {
		return nil, &ComposeError{Field: "from", Value: h.From, Err: err}
	}
	if err := msg.To(r.Address); err != nil {
		return nil, &ComposeError{Field: "to", Value: r.Address, Err: err}
	}

	subject, err := transcode(enc, h.Subject)
	if err != nil {
		return nil, &ComposeError{Field: "subject", Value: h.Subject, Err: err}
	}
	msg.Subject(subject)
	msg.SetMessageIDWithValue(a.ids.MessageID(h.MessageIDDomain))
	msg.SetDateWithValue(a.now())
	if h.UserAgent != "" {
		msg.SetUserAgent(h.UserAgent)
	}

	text, err := transcode(enc, body.Text)
	if err != nil {
		return nil, &ComposeError{Field: "text body", Value: cs, Err: err}
	}
	msg.SetBodyString(mail.TypeTextPlain, text)

	if body.HasHTML() {
		html, err := transcode(enc, body.HTML)
		if err != nil {
			return nil, &ComposeError{Field: "html body", Value: cs, Err: err}
		}
		msg.AddAlternativeString(mail.TypeTextHTML, html)
	}

	return msg, nil
}

// Bytes serializes a message with CRLF line endings.
func Bytes(msg *mail.Msg) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	return buf.Bytes(), nil
}

// encoderFor returns nil for UTF-8, which needs no transcoding.
func encoderFor(charset string) (*encoding.Encoder, error) {
	e, err := htmlindex.Get(charset)
	if err != nil {
		return nil, err
	}
	if name, _ := htmlindex.Name(e); name == "utf-8" {
		return nil, nil
	}
	return encoding.ReplaceUnsupported(e.NewEncoder()), nil
}

func transcode(enc *encoding.Encoder, s string) (string, error) {
	if enc == nil || s == "" {
		return s, nil
	}
	return enc.String(s)
}
