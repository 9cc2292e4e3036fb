// Package stdout implements a Provider that prints messages to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/shineum/carmailer/internal/compose"
)

// Provider prints composed messages in a human-readable format.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Connect is a no-op.
func (p *Provider) Connect(context.Context) error { return nil }

// Close is a no-op.
func (p *Provider) Close() error { return nil }

// Send prints a summary of the message: addressing headers, the size of the
// serialized message and the plain-text part.
func (p *Provider) Send(_ context.Context, msg *mail.Msg) error {
	raw, err := compose.Bytes(msg)
	if err != nil {
		return err
	}

	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "From: %s\n", strings.Join(msg.GetFromString(), ", "))
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.GetToString(), ", "))
	fmt.Fprintf(&b, "Subject: %s\n", first(msg.GetGenHeader(mail.HeaderSubject)))
	fmt.Fprintf(&b, "Message-ID: %s\n", msg.GetMessageID())
	fmt.Fprintf(&b, "Size: %s\n", formatSize(len(raw)))

	parts := msg.GetParts()
	types := make([]string, 0, len(parts))
	for _, part := range parts {
		types = append(types, string(part.GetContentType()))
	}
	fmt.Fprintf(&b, "Parts: %s\n", strings.Join(types, ", "))

	b.WriteString("Body:\n")
	for _, part := range parts {
		if part.GetContentType() != mail.TypeTextPlain {
			continue
		}
		content, err := part.GetContent()
		if err != nil {
			return fmt.Errorf("failed to read text part: %w", err)
		}
		b.Write(content)
		b.WriteString("\n")
		break
	}

	b.WriteString("========================================\n")

	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write message summary: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
