package dispatch

import (
	"fmt"
	"strings"

	"github.com/shineum/carmailer/internal/email"
)

// StatusHeaders derives the headers of a progress report from the run's
// headers. Only the subject changes.
func StatusHeaders(h email.Headers, sent, total int) email.Headers {
	return email.Headers{
		From:            h.From,
		Subject:         fmt.Sprintf(`%d of %d sent: "%s"`, sent, total, h.Subject),
		UserAgent:       h.UserAgent,
		MessageIDDomain: h.MessageIDDomain,
	}
}

// StatusBody renders the plain-text report. Failed recipients are listed in
// recipients-file syntax so the list can be fed back into a new run.
func StatusBody(sent, total int, failures []email.Recipient, charset string) email.Body {
	var b strings.Builder
	fmt.Fprintf(&b, "Sent %d messages out of %d.\n", sent, total)
	if len(failures) == 0 {
		b.WriteString("No critical failures.\n")
	} else {
		fmt.Fprintf(&b, "%d failures:\n", len(failures))
		for _, r := range failures {
			b.WriteString(r.String())
			b.WriteString("\n")
		}
	}
	return email.Body{Text: b.String(), Charset: charset}
}
