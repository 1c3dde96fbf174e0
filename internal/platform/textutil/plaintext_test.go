package textutil

import "testing"

func TestPlainText(t *testing.T) {
	cases := []struct {
		name  string
		input string
		max   int
		want  string
	}{
		{"strips tags", `Fix <b>leaking</b> tap<script>alert(1)</script>`, 0, "Fix leaking tap"},
		{"collapses whitespace", "  two\n\nrooms \t painted ", 0, "two rooms painted"},
		{"keeps entities readable", "Tom &amp; Jerry's garden", 0, "Tom & Jerry's garden"},
		{"truncates by rune", "庭の手入れをお願いします", 4, "庭の手入"},
		{"empty", "", 10, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PlainText(tc.input, tc.max); got != tc.want {
				t.Fatalf("PlainText(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestPlainTextPtr(t *testing.T) {
	if PlainTextPtr(nil, 10) != nil {
		t.Fatal("nil input should stay nil")
	}
	blank := "<p> </p>"
	if PlainTextPtr(&blank, 10) != nil {
		t.Fatal("markup-only input should become nil")
	}
	note := "<i>bring ladder</i>"
	if got := PlainTextPtr(&note, 0); got == nil || *got != "bring ladder" {
		t.Fatalf("unexpected result %v", got)
	}
}
