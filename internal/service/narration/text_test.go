package narration

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestStripMarkdown(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "  hello there  ", want: "hello there"},
		{name: "fenced", in: "Try this:\n```go\nfmt.Println(1)\n```\nDone.", want: "Try this:\n" + CodePlaceholder + "\nDone."},
		{name: "inline", in: "Run `ls -la` now", want: "Run ls -la now"},
		{name: "blank lines", in: "one\n\n\n\ntwo\n\nthree", want: "one\ntwo\nthree"},
		{name: "nested backticks", in: "``a``", want: "a"},
		{name: "unclosed fence", in: "```", want: "```"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StripMarkdown(tc.in); got != tc.want {
				t.Fatalf("StripMarkdown(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestStripMarkdownIdempotent(t *testing.T) {
	inputs := []string{
		"``a``",
		"```x``` and `y` \n\n\n\n``` z ```",
		"````code````",
		"`a` `b` ``c``\n\n`",
		"\n\n```\n\n```\n\n",
		"心情不错 `ok`\n\n\n谢谢",
	}
	for _, in := range inputs {
		once := StripMarkdown(in)
		twice := StripMarkdown(once)
		if once != twice {
			t.Fatalf("not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("a", 5000)
	got := Truncate(long, 500)
	if got != strings.Repeat("a", 500)+TruncationSuffix {
		t.Fatalf("unexpected truncation of length %d", len(got))
	}

	if got := Truncate("short", 500); got != "short" {
		t.Fatalf("short text changed: %q", got)
	}
	if got := Truncate(strings.Repeat("a", 500), 500); got != strings.Repeat("a", 500) {
		t.Fatal("text at the limit must not be truncated")
	}
	if got := Truncate(long, 0); got != long {
		t.Fatal("zero limit must disable truncation")
	}

	multi := strings.Repeat("平静", 300)
	cut := Truncate(multi, 500)
	if !utf8.ValidString(cut) {
		t.Fatal("truncation split a multi-byte character")
	}
	if utf8.RuneCountInString(strings.TrimSuffix(cut, TruncationSuffix)) != 500 {
		t.Fatal("truncation must count characters, not bytes")
	}
}

func TestPrepareText(t *testing.T) {
	in := "Here:\n\n```\n" + strings.Repeat("x", 100) + "\n```\n\n" + strings.Repeat("b", 600)
	got := PrepareText(in, 500)
	if strings.Contains(got, "```") || strings.Contains(got, "\n\n") {
		t.Fatalf("markup not stripped: %q", got)
	}
	if !strings.HasSuffix(got, TruncationSuffix) {
		t.Fatal("expected truncation suffix")
	}
	if !strings.HasPrefix(got, "Here:\n"+CodePlaceholder) {
		t.Fatalf("unexpected prefix: %q", got[:40])
	}
}
