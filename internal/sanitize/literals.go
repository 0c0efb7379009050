package sanitize

import (
	"regexp"
	"strconv"
	"strings"
)

// Placeholder tokens are NUL-delimited indexes; stripGarbage has already
// removed every NUL from user text, so they cannot collide.
const placeholderMark = "\x00"

var (
	singleQuotedLabel = regexp.MustCompile(`([A-Za-z0-9_][\w-]*)(\[|\(|\{)([^\[\](){}\n"]*'[^\[\](){}\n"]*)(\]|\)|\})`)
	stringLiteral     = regexp.MustCompile(`"[^"]*"`)
	placeholder       = regexp.MustCompile(placeholderMark + `(\d+)` + placeholderMark)
	literalBreaks     = regexp.MustCompile(`[ \t]*\n[ \t]*`)
	literalEscapes    = strings.NewReplacer("(", "#40;", ")", "#41;", "[", "", "]", "", "{", "", "}", "")
)

var closers = map[string]string{"[": "]", "(": ")", "{": "}"}

// MaskLiterals promotes single-quoted node labels to double-quoted literals,
// then replaces every double-quoted literal with an opaque placeholder. The
// literal text gets the literal-safe fixes (parentheses escaped as entity
// codes, raw brackets stripped, internal newlines folded to <br/>) while it
// is masked. The returned slice holds the replacement text for each token.
func MaskLiterals(s string) (string, []string) {
	s = singleQuotedLabel.ReplaceAllStringFunc(s, func(m string) string {
		sub := singleQuotedLabel.FindStringSubmatch(m)
		id, open, body, close := sub[1], sub[2], sub[3], sub[4]
		if closers[open] != close {
			return m
		}
		return id + open + `"` + promoteSingleQuoted(body) + `"` + close
	})

	var literals []string
	s = stringLiteral.ReplaceAllStringFunc(s, func(m string) string {
		inner := m[1 : len(m)-1]
		inner = literalBreaks.ReplaceAllString(inner, "<br/>")
		inner = literalEscapes.Replace(inner)
		literals = append(literals, `"`+inner+`"`)
		return placeholderMark + strconv.Itoa(len(literals)-1) + placeholderMark
	})
	return s, literals
}

// promoteSingleQuoted turns 'Label' into Label; mixed text keeps its inner
// single quotes and is wrapped as a whole.
func promoteSingleQuoted(body string) string {
	t := strings.TrimSpace(body)
	if len(t) >= 2 && strings.HasPrefix(t, "'") && strings.HasSuffix(t, "'") && strings.Count(t, "'") == 2 {
		return t[1 : len(t)-1]
	}
	return t
}

// UnmaskLiterals restores placeholder tokens produced by MaskLiterals.
// Unknown indexes are dropped.
func UnmaskLiterals(s string, literals []string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		n, err := strconv.Atoi(strings.Trim(m, placeholderMark))
		if err != nil || n < 0 || n >= len(literals) {
			return ""
		}
		return literals[n]
	})
}
