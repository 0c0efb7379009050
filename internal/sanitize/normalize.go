package sanitize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var canonicalDirections = map[string]struct{}{
	"TB": {}, "TD": {}, "BT": {}, "LR": {}, "RL": {},
}

var (
	escapedBreaks = strings.NewReplacer(
		`\r\n`, "\n",
		`\n`, "\n",
		`\r`, "\n",
		`\t`, "    ",
	)
	quoteReplacer = strings.NewReplacer(
		"“", `"`, "”", `"`, "„", `"`, "‟", `"`, "″", `"`,
		"«", `"`, "»", `"`,
		"‘", "'", "’", "'", "‚", "'", "‛", "'", "′", "'",
	)
	fencedBlock      = regexp.MustCompile("(?s)```[ \\t]*(?:mermaid|mmd)?[^\\n`]*\\n(.*?)(?:```|$)")
	fenceLine        = regexp.MustCompile("(?m)^[ \\t]*```.*$")
	flowchartDeclDir = regexp.MustCompile(`(?m)^([ \t]*)(?:flowchart|graph)[ \t]+(?:TB|TD|BT|LR|RL)\b`)
)

// NormalizeEscapes converts escaped line breaks to real ones, straightens
// curly quotes, unwraps markdown fences and forces the canonical flowchart
// direction on the declaration.
func NormalizeEscapes(s, direction string) string {
	if direction == "" {
		direction = "TD"
	}
	s = norm.NFC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = escapedBreaks.Replace(s)
	s = quoteReplacer.Replace(s)
	if m := fencedBlock.FindStringSubmatch(s); m != nil && strings.TrimSpace(m[1]) != "" {
		s = m[1]
	}
	s = fenceLine.ReplaceAllString(s, "")
	s = flowchartDeclDir.ReplaceAllString(s, "${1}flowchart "+direction)
	return s
}

var (
	bracketRuns = regexp.MustCompile(`\[{3,}|\]{3,}|\{{3,}|\}{3,}|\({4,}|\){4,}`)
	fractions   = strings.NewReplacer(
		"½", "1/2", "⅓", "1/3", "⅔", "2/3", "¼", "1/4", "¾", "3/4",
		"⅕", "1/5", "⅖", "2/5", "⅗", "3/5", "⅘", "4/5", "⅙", "1/6",
		"⅚", "5/6", "⅐", "1/7", "⅛", "1/8", "⅜", "3/8", "⅝", "5/8",
		"⅞", "7/8", "⅑", "1/9", "⅒", "1/10", "⁄", "/",
	)
	// Label bodies: quoted literals, unquoted shape bodies and edge labels.
	quotedBody = regexp.MustCompile(`"[^"\n]*"`)
	squareBody = regexp.MustCompile(`\[[^\[\]\n"]*\]`)
	roundBody  = regexp.MustCompile(`\([^()\n"]*\)`)
	curlyBody  = regexp.MustCompile(`\{[^{}\n"]*\}`)
	pipeBody   = regexp.MustCompile(`\|[^|\n"]*\|`)

	bareAmpersand = regexp.MustCompile(`[ \t]*&(#?[A-Za-z0-9]+;)?[ \t]*`)
	listMarker    = regexp.MustCompile(`(^|<br\s*/?>|\n)([ \t]*)(?:[-*+]|\d{1,3}[.)])[ \t]+`)
)

// RepairCorruption collapses runaway bracket nesting, maps fraction glyphs to
// ASCII, strips invisible and private-use characters, and makes label text
// safe: bare ampersands become "and" and leading list markers become bullets.
func RepairCorruption(s string) string {
	s = bracketRuns.ReplaceAllStringFunc(s, func(run string) string { return run[:1] })
	s = fractions.Replace(s)
	s = stripGarbage(s)
	s = rewriteLabelBodies(s, func(open, body, close string) string {
		return open + fixLabelText(body) + close
	})
	return s
}

func stripGarbage(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n':
			return r
		case r == '\t':
			return ' '
		case r == unicode.ReplacementChar:
			return -1
		case unicode.Is(unicode.Cc, r), unicode.Is(unicode.Cf, r), unicode.Is(unicode.Co, r):
			return -1
		case r >= 0xFE00 && r <= 0xFE0F:
			return -1
		}
		return r
	}, s)
}

func fixLabelText(body string) string {
	body = bareAmpersand.ReplaceAllStringFunc(body, func(m string) string {
		if sub := bareAmpersand.FindStringSubmatch(m); sub != nil && sub[1] != "" {
			return m
		}
		return " and "
	})
	return listMarker.ReplaceAllString(body, "${1}${2}• ")
}

// rewriteLabelBodies calls fn for every label-like body. Quoted literals are
// handled first and shielded from the unquoted-body patterns.
func rewriteLabelBodies(s string, fn func(open, body, close string) string) string {
	s = quotedBody.ReplaceAllStringFunc(s, func(m string) string {
		return fn(`"`, m[1:len(m)-1], `"`)
	})
	for _, re := range []*regexp.Regexp{squareBody, roundBody, curlyBody, pipeBody} {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			if strings.HasPrefix(m, "{") && strings.Contains(m, ":") {
				// %%{init: ...}%% directives and style blocks
				return m
			}
			return fn(m[:1], m[1:len(m)-1], m[len(m)-1:])
		})
	}
	return s
}
