package compose

import (
	"fmt"

	"github.com/google/uuid"
)

// IDGenerator produces the value of the Message-ID header, without the
// enclosing angle brackets.
type IDGenerator interface {
	MessageID(domain string) string
}

// IDFunc adapts a function to IDGenerator.
type IDFunc func(domain string) string

// MessageID implements IDGenerator.
func (f IDFunc) MessageID(domain string) string {
	return f(domain)
}

// RandomIDs draws both halves of the local part from independent random
// UUIDs.
type RandomIDs struct{}

// MessageID implements IDGenerator.
func (RandomIDs) MessageID(domain string) string {
	return fmt.Sprintf("%s.%s@%s", uuid.NewString(), uuid.NewString(), domain)
}
