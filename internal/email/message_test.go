package email

import "testing"

func TestRecipient_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		r    Recipient
		want string
	}{
		{"no tags", Recipient{Address: "a@x.org"}, "a@x.org"},
		{"tags", Recipient{Address: "a@x.org", Tags: []string{"Alice", "42"}}, "a@x.org|Alice|42"},
		{"empty tag kept", Recipient{Address: "a@x.org", Tags: []string{"", "b"}}, "a@x.org||b"},
		{"display name", Recipient{Address: "Bob <b@x.org>", Tags: []string{"Bob"}}, "Bob <b@x.org>|Bob"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.r.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBody_HasHTML(t *testing.T) {
	t.Parallel()

	if (Body{Text: "hi"}).HasHTML() {
		t.Error("text-only body reported HTML")
	}
	if !(Body{Text: "hi", HTML: "<p>hi</p>"}).HasHTML() {
		t.Error("HTML body not reported")
	}
}
