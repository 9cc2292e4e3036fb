package dispatch

import "github.com/shineum/carmailer/internal/email"

// Ledger records failed recipients in first-failure order. A recipient whose
// address is already present is not added again.
type Ledger struct {
	seen  map[string]struct{}
	items []email.Recipient
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{seen: make(map[string]struct{})}
}

// Add records r and reports whether it was new.
func (l *Ledger) Add(r email.Recipient) bool {
	if _, ok := l.seen[r.Address]; ok {
		return false
	}
	l.seen[r.Address] = struct{}{}
	l.items = append(l.items, r)
	return true
}

// Len returns the number of distinct failed recipients.
func (l *Ledger) Len() int {
	return len(l.items)
}

// Snapshot returns a copy of the recorded recipients.
func (l *Ledger) Snapshot() []email.Recipient {
	out := make([]email.Recipient, len(l.items))
	copy(out, l.items)
	return out
}
