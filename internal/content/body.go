// Package content loads the message template and the recipients file,
// resolving charsets and deriving a plain-text version of HTML templates.
package content

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/shineum/carmailer/internal/email"
)

// BodyType selects how a template file is interpreted.
type BodyType string

const (
	BodyHTML     BodyType = "html"
	BodyText     BodyType = "text"
	BodyAuto     BodyType = "auto"
	BodyMarkdown BodyType = "markdown"
)

// autoThreshold is the number of nodes the HTML parser synthesizes for any
// input (document, html, head, body). A template with more than that holds
// at least one real element.
const autoThreshold = 4

var (
	// ErrInvalidCharset is returned for a charset name that is not in the
	// WHATWG encoding index.
	ErrInvalidCharset = errors.New("invalid charset")
	// ErrInvalidBodyType is returned by ParseBodyType for unknown modes.
	ErrInvalidBodyType = errors.New("invalid body type")
)

// ParseBodyType maps a command-line value to a BodyType. Empty means auto.
func ParseBodyType(s string) (BodyType, error) {
	switch BodyType(strings.ToLower(strings.TrimSpace(s))) {
	case "", BodyAuto:
		return BodyAuto, nil
	case BodyHTML:
		return BodyHTML, nil
	case BodyText:
		return BodyText, nil
	case BodyMarkdown:
		return BodyMarkdown, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBodyType, s)
	}
}

// LookupCharset validates a charset name and returns its encoding.
func LookupCharset(name string) (encoding.Encoding, error) {
	e, err := htmlindex.Get(strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCharset, name)
	}
	return e, nil
}

// ParseBody reads the template at path. An empty charsetName means the
// charset is guessed from the content, preferring an in-document
// declaration for HTML.
func ParseBody(path string, mode BodyType, charsetName string) (email.Body, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return email.Body{}, fmt.Errorf("failed to read body file: %w", err)
	}

	src, cs, err := decode(raw, charsetName)
	if err != nil {
		return email.Body{}, err
	}

	switch mode {
	case BodyText:
		return email.Body{Text: src, Charset: cs}, nil

	case BodyMarkdown:
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(src), &buf); err != nil {
			return email.Body{}, fmt.Errorf("failed to render markdown: %w", err)
		}
		return email.Body{Text: src, HTML: buf.String(), Charset: cs}, nil

	case BodyHTML, BodyAuto, "":
		doc, err := html.Parse(strings.NewReader(src))
		if err != nil {
			return email.Body{}, fmt.Errorf("failed to parse html: %w", err)
		}
		if mode != BodyHTML && countNodes(doc) <= autoThreshold {
			return email.Body{Text: src, Charset: cs}, nil
		}
		var out strings.Builder
		if err := html.Render(&out, doc); err != nil {
			return email.Body{}, fmt.Errorf("failed to render html: %w", err)
		}
		return email.Body{Text: HTMLToText(doc), HTML: out.String(), Charset: cs}, nil

	default:
		return email.Body{}, fmt.Errorf("%w: %q", ErrInvalidBodyType, mode)
	}
}

// decode converts raw bytes to a UTF-8 string and reports the charset name
// the content is in.
func decode(raw []byte, charsetName string) (string, string, error) {
	var (
		enc  encoding.Encoding
		name string
	)
	if charsetName != "" {
		e, err := LookupCharset(charsetName)
		if err != nil {
			return "", "", err
		}
		enc, name = e, strings.ToLower(strings.TrimSpace(charsetName))
	} else {
		var certain bool
		enc, name, certain = charset.DetermineEncoding(raw, "text/html")
		// Pure ASCII falls through to the windows-1252 default; label it UTF-8.
		if !certain && name == "windows-1252" && isASCII(raw) {
			enc, name = encoding.Nop, "utf-8"
		}
	}

	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", "", fmt.Errorf("failed to decode content as %s: %w", name, err)
	}
	return strings.TrimPrefix(string(out), "\ufeff"), name, nil
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}

// countNodes counts the document node and every element below it.
func countNodes(n *html.Node) int {
	count := 0
	if n.Type == html.DocumentNode || n.Type == html.ElementNode {
		count++
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		count += countNodes(c)
	}
	return count
}
