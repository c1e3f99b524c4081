package narration

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// CodePlaceholder replaces fenced code blocks, which read badly aloud.
	CodePlaceholder = "I've included some code in my response."
	// TruncationSuffix is appended when text is cut to fit a speech budget.
	TruncationSuffix = "... I'll let you read the rest of my response."
	// DefaultMaxChars 头像视频的默认字数上限。
	DefaultMaxChars = 500
)

var (
	fencedCode = regexp.MustCompile("(?s)```.*?```")
	inlineCode = regexp.MustCompile("`([^`]+)`")
	blankLines = regexp.MustCompile(`\n\n+`)
)

// StripMarkdown removes markup that should not be spoken. It is applied
// until the output stops changing, so StripMarkdown(StripMarkdown(s)) equals
// StripMarkdown(s).
func StripMarkdown(s string) string {
	for {
		next := stripOnce(s)
		if next == s {
			return s
		}
		s = next
	}
}

func stripOnce(s string) string {
	s = fencedCode.ReplaceAllString(s, CodePlaceholder)
	s = inlineCode.ReplaceAllString(s, "$1")
	s = blankLines.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}

// Truncate keeps the first maxChars characters and appends TruncationSuffix
// when anything was cut. maxChars <= 0 disables truncation.
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars]) + TruncationSuffix
}

// PrepareText strips markup then truncates.
func PrepareText(s string, maxChars int) string {
	return Truncate(StripMarkdown(s), maxChars)
}
