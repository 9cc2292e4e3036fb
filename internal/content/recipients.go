package content

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/shineum/carmailer/internal/email"
)

// ParseRecipients reads a recipients file: one "<address>[|tag1|tag2...]"
// per line. Lines are trimmed and blank lines skipped. Empty tags are kept.
// An empty charsetName reads the file as UTF-8.
func ParseRecipients(path, charsetName string) ([]email.Recipient, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipients file: %w", err)
	}

	if charsetName != "" {
		enc, err := LookupCharset(charsetName)
		if err != nil {
			return nil, err
		}
		if raw, err = enc.NewDecoder().Bytes(raw); err != nil {
			return nil, fmt.Errorf("failed to decode recipients file: %w", err)
		}
	}
	raw = bytes.TrimPrefix(raw, []byte("\ufeff"))

	var recipients []email.Recipient
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if r, ok := ParseRecipientLine(sc.Text()); ok {
			recipients = append(recipients, r)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan recipients file: %w", err)
	}
	return recipients, nil
}

// ParseRecipientLine parses a single line. It returns false for blank lines.
func ParseRecipientLine(line string) (email.Recipient, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return email.Recipient{}, false
	}
	fields := strings.Split(line, "|")
	r := email.Recipient{Address: strings.TrimSpace(fields[0])}
	if len(fields) > 1 {
		r.Tags = fields[1:]
	}
	return r, true
}
