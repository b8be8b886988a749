// Package textx contains tests for the text utilities.
package textx

import "testing"

func TestSanitizeText(t *testing.T) {
	in := "he\x00llo\nwo\x7frld\t!"
	got := SanitizeText(in)
	if got != "hello\nworld\t!" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestCollapseWhitespace(t *testing.T) {
	got := CollapseWhitespace("  a \t b\n\nc ")
	if got != "a b c" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestNormalizeKey(t *testing.T) {
	cases := map[string]string{
		"A Phase-3 Study of X/Y":   "a phase 3 study of x y",
		"  Hello,   World!  ":      "hello world",
		"Aspirin (low-dose) 75 mg": "aspirin low dose 75 mg",
	}
	for in, want := range cases {
		if got := NormalizeKey(in); got != want {
			t.Fatalf("NormalizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 3); got != "hél" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := Truncate("ab", 5); got != "ab" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := Truncate("ab", 0); got != "" {
		t.Fatalf("unexpected: %q", got)
	}
}
