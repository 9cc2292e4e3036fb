// Package merge substitutes per-recipient tag values into a message body.
package merge

import (
	"regexp"
	"strconv"

	"github.com/shineum/carmailer/internal/email"
)

// placeholder matches %N with N >= 1. The digit run is matched greedily so
// %10 always refers to the tenth tag.
var placeholder = regexp.MustCompile(`%([1-9][0-9]*)`)

// Render returns a copy of body with every in-range %N replaced by tags[N-1].
// Out-of-range placeholders and any other % sequences are left as written.
// The charset is preserved and HTML stays empty when it was empty.
func Render(body email.Body, tags []string) email.Body {
	out := email.Body{
		Text:    Substitute(body.Text, tags),
		Charset: body.Charset,
	}
	if body.HasHTML() {
		out.HTML = Substitute(body.HTML, tags)
	}
	return out
}

// Substitute applies the placeholder replacement to a single string.
func Substitute(s string, tags []string) string {
	if len(tags) == 0 {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		n, err := strconv.Atoi(m[1:])
		if err != nil || n > len(tags) {
			return m
		}
		return tags[n-1]
	})
}
