package content

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"golang.org/x/net/html"

	"github.com/shineum/carmailer/internal/email"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseBody_Auto(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		src      string
		wantHTML bool
		wantText string
	}{
		{
			name:     "plain text stays plain",
			src:      "Hello %1,\n\nThis is plain text & more.\n",
			wantHTML: false,
			wantText: "Hello %1,\n\nThis is plain text & more.\n",
		},
		{
			name:     "single element is html",
			src:      "Hello <b>%1</b>",
			wantHTML: true,
			wantText: "Hello %1",
		},
		{
			name:     "paragraphs and line breaks",
			src:      "<html><body><p>Hello %1,</p><p>Line one<br>Line two</p></body></html>",
			wantHTML: true,
			wantText: "Hello %1,\n\nLine one\nLine two\n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := writeFile(t, "body.txt", []byte(tt.src))
			body, err := ParseBody(path, BodyAuto, "")
			if err != nil {
				t.Fatalf("ParseBody: %v", err)
			}
			if body.HasHTML() != tt.wantHTML {
				t.Fatalf("HasHTML = %v, want %v (html=%q)", body.HasHTML(), tt.wantHTML, body.HTML)
			}
			if body.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", body.Text, tt.wantText)
			}
			if body.Charset != "utf-8" {
				t.Errorf("Charset = %q, want utf-8", body.Charset)
			}
		})
	}
}

func TestParseBody_Modes(t *testing.T) {
	t.Parallel()

	src := "<p>Hi %1</p>"
	path := writeFile(t, "body.html", []byte(src))

	text, err := ParseBody(path, BodyText, "")
	if err != nil {
		t.Fatalf("text mode: %v", err)
	}
	if text.HasHTML() || text.Text != src {
		t.Errorf("text mode = %+v, want raw text only", text)
	}

	forced, err := ParseBody(writeFile(t, "plain.txt", []byte("just words")), BodyHTML, "")
	if err != nil {
		t.Fatalf("html mode: %v", err)
	}
	if !forced.HasHTML() {
		t.Error("html mode must always produce an html part")
	}
	if forced.Text != "just words" {
		t.Errorf("html mode text = %q", forced.Text)
	}

	md, err := ParseBody(writeFile(t, "body.md", []byte("# Hi %1\n\nWelcome *back*.\n")), BodyMarkdown, "")
	if err != nil {
		t.Fatalf("markdown mode: %v", err)
	}
	if !strings.Contains(md.HTML, "<h1>Hi %1</h1>") || !strings.Contains(md.HTML, "<em>back</em>") {
		t.Errorf("markdown html = %q", md.HTML)
	}
	if md.Text != "# Hi %1\n\nWelcome *back*.\n" {
		t.Errorf("markdown text = %q", md.Text)
	}
}

func TestParseBody_Charset(t *testing.T) {
	t.Parallel()

	// "café" in latin-1
	latin1 := []byte{'c', 'a', 'f', 0xE9}

	body, err := ParseBody(writeFile(t, "l1.txt", latin1), BodyText, "iso-8859-1")
	if err != nil {
		t.Fatalf("ParseBody: %v", err)
	}
	if body.Text != "café" || body.Charset != "iso-8859-1" {
		t.Errorf("got %q in %q", body.Text, body.Charset)
	}

	declared := []byte(`<html><head><meta charset="iso-8859-1"></head><body><p>caf` + "\xE9" + `</p></body></html>`)
	body, err = ParseBody(writeFile(t, "decl.html", declared), BodyAuto, "")
	if err != nil {
		t.Fatalf("ParseBody: %v", err)
	}
	if body.Charset != "windows-1252" {
		t.Errorf("Charset = %q, want windows-1252 from the meta declaration", body.Charset)
	}
	if body.Text != "café\n\n" {
		t.Errorf("Text = %q", body.Text)
	}

	withBOM := append([]byte{0xEF, 0xBB, 0xBF}, []byte("hello")...)
	body, err = ParseBody(writeFile(t, "bom.txt", withBOM), BodyAuto, "")
	if err != nil {
		t.Fatalf("ParseBody: %v", err)
	}
	if body.Text != "hello" || body.Charset != "utf-8" {
		t.Errorf("BOM handling: got %q in %q", body.Text, body.Charset)
	}

	_, err = ParseBody(writeFile(t, "x.txt", []byte("x")), BodyAuto, "no-such-charset")
	if !errors.Is(err, ErrInvalidCharset) {
		t.Errorf("expected ErrInvalidCharset, got %v", err)
	}
}

func TestParseBody_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := ParseBody(filepath.Join(t.TempDir(), "missing.html"), BodyAuto, "")
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestHTMLToText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"whitespace collapsed", "<div>  a \n\t b  </div>", "a b"},
		{"br", "one<br>two<br/>three", "one\ntwo\nthree"},
		{"spaces after br dropped", "one<br>   two", "one\ntwo"},
		{"paragraphs", "<p>a</p><p>b</p>", "a\n\nb\n\n"},
		{"block boundary", "<div>a</div><div>b</div>", "a b"},
		{"list items", "<ul><li>x</li><li>y</li></ul>", "x y"},
		{"script and style skipped", "<style>p{}</style><p>t</p><script>var x;</script>", "t\n\n"},
		{"entities", "<p>a &amp; b</p>", "a & b\n\n"},
		{"inline keeps spacing", "Hi <b>there</b>, <i>you</i>", "Hi there, you"},
		{"no marker tokens", "<p>x<br>y</p>", "x\ny\n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			doc, err := html.Parse(strings.NewReader(tt.src))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got := HTMLToText(doc); got != tt.want {
				t.Errorf("HTMLToText(%q) = %q, want %q", tt.src, got, tt.want)
			}
		})
	}
}

func TestParseBodyType(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]BodyType{
		"": BodyAuto, "auto": BodyAuto, "HTML": BodyHTML, "text": BodyText, "markdown": BodyMarkdown,
	} {
		got, err := ParseBodyType(in)
		if err != nil || got != want {
			t.Errorf("ParseBodyType(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseBodyType("pdf"); !errors.Is(err, ErrInvalidBodyType) {
		t.Errorf("expected ErrInvalidBodyType, got %v", err)
	}
}

func TestParseRecipients(t *testing.T) {
	t.Parallel()

	data := "  alice@example.com|Alice|42  \n\nbob@example.com\r\nCarol <carol@example.com>||x\n   \n# not a comment\n"
	got, err := ParseRecipients(writeFile(t, "rcpts.txt", []byte(data)), "")
	if err != nil {
		t.Fatalf("ParseRecipients: %v", err)
	}

	want := []email.Recipient{
		{Address: "alice@example.com", Tags: []string{"Alice", "42"}},
		{Address: "bob@example.com"},
		{Address: "Carol <carol@example.com>", Tags: []string{"", "x"}},
		{Address: "# not a comment"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseRecipients =\n%#v\nwant\n%#v", got, want)
	}
}

func TestParseRecipients_Charset(t *testing.T) {
	t.Parallel()

	data := []byte("jose@example.com|Jos\xE9\n")
	got, err := ParseRecipients(writeFile(t, "rcpts.txt", data), "iso-8859-1")
	if err != nil {
		t.Fatalf("ParseRecipients: %v", err)
	}
	if len(got) != 1 || got[0].Tags[0] != "José" {
		t.Errorf("got %#v", got)
	}

	if _, err := ParseRecipients(writeFile(t, "r.txt", data), "bogus"); !errors.Is(err, ErrInvalidCharset) {
		t.Errorf("expected ErrInvalidCharset, got %v", err)
	}
}
