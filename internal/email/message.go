// Package email defines the mail-merge data model shared by every stage of a run.
package email

import "strings"

// Recipient is one line of the recipients file: the literal To: value plus
// the positional substitution values for %1, %2, ...
type Recipient struct {
	Address string
	Tags    []string
}

// String renders the recipient in recipients-file syntax so that failure
// lists can be fed back in as input.
func (r Recipient) String() string {
	if len(r.Tags) == 0 {
		return r.Address
	}
	return r.Address + "|" + strings.Join(r.Tags, "|")
}

// Headers are shared by every message of a run.
type Headers struct {
	From            string
	Subject         string
	UserAgent       string
	MessageIDDomain string
}

// Body is the message content. Text is always present; HTML is empty when the
// source was treated as plain text. Charset applies to both variants.
type Body struct {
	Text    string
	HTML    string
	Charset string
}

// HasHTML reports whether the body carries an HTML alternative.
func (b Body) HasHTML() bool {
	return b.HTML != ""
}

// Mail is the unit of work for a dispatch run.
type Mail struct {
	Headers    Headers
	Recipients []Recipient
	Body       Body
}
