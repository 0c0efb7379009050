package sanitize

import (
	"regexp"
	"strings"
)

var (
	closeThenKeyword  = regexp.MustCompile(`([\]\)\}])[ \t]*\b(end|subgraph)\b`)
	endThenStatement  = regexp.MustCompile(`^([ \t]*)end[ \t]+([^;%\s].*)$`)
	subgraphLine      = regexp.MustCompile(`^\s*subgraph\b`)
	endLine           = regexp.MustCompile(`^\s*end\s*;?\s*$`)
	nestedDirection   = regexp.MustCompile(`^\s*direction\s+\S+\s*;?\s*$`)
	unicodeArrows     = strings.NewReplacer("——>", "-->", "—>", "-->", "–>", "-->", "⟶", "-->", "→", "-->", "⇒", "==>")
	spacedArrow       = regexp.MustCompile(`-[ \t]+->|--[ \t]+>`)
	sequenceArrow     = regexp.MustCompile(`-->>`)
	singleDashArrow   = regexp.MustCompile(`(^|[^\-=.<])->([^>]|$)`)
	danglingDotArrow  = regexp.MustCompile(`(^|[^\-.])\.->`)
	arrowToken        = regexp.MustCompile(`[ \t]*(<?-{2,}>|<?={2,}>|-\.+->|-\.+-|-{3,}|={3,}|--[ox]\b)[ \t]*`)
	pipeLabelGap      = regexp.MustCompile(`(>|-|=|--[ox])[ \t]*(\|[^|\n]*\|)[ \t]*`)
	multiSpace        = regexp.MustCompile(`[ \t]{2,}`)
	trailingArrow     = regexp.MustCompile(`(?:-{2,}>|={2,}>|-\.+->|-{3,}|={3,})[ \t]*(?:\|[^|]*\|)?[ \t]*$`)
	leadingArrow      = regexp.MustCompile(`^(?:-{2,}>|={2,}>|-\.+->|-{3,}|={3,})`)
	styleStatementPre = regexp.MustCompile(`^\s*(?:classDef|style|linkStyle|class|click)\b`)
)

// RepairStructure splits keywords that were run together with the previous
// statement, drops nested direction statements the renderer cannot handle,
// removes surplus `end` lines and closes subgraphs left open.
func RepairStructure(s string, nestedDirectionSupported bool) string {
	return mapBody(s, func(body []string) []string {
		var split []string
		for _, line := range body {
			line = closeThenKeyword.ReplaceAllString(line, "$1\n$2")
			for _, part := range strings.Split(line, "\n") {
				if m := endThenStatement.FindStringSubmatch(part); m != nil {
					split = append(split, m[1]+"end", m[1]+m[2])
					continue
				}
				split = append(split, part)
			}
		}

		out := make([]string, 0, len(split))
		depth := 0
		for _, line := range split {
			switch {
			case subgraphLine.MatchString(line):
				depth++
			case endLine.MatchString(line):
				if depth == 0 {
					continue
				}
				depth--
			case depth > 0 && !nestedDirectionSupported && nestedDirection.MatchString(line):
				continue
			}
			out = append(out, line)
		}
		for ; depth > 0; depth-- {
			out = append(out, strings.Repeat("    ", depth-1)+"end")
		}
		return out
	})
}

// RepairArrows normalizes malformed arrow spellings, puts single spaces
// around edge tokens and re-joins edges that were split across lines.
func RepairArrows(s string) string {
	return mapBody(s, func(body []string) []string {
		fixed := make([]string, 0, len(body))
		for _, line := range body {
			if skipArrowRepair(line) {
				fixed = append(fixed, line)
				continue
			}
			indent := indentOf(line)
			t := strings.TrimSpace(line)
			t = unicodeArrows.Replace(t)
			t = spacedArrow.ReplaceAllString(t, "-->")
			t = sequenceArrow.ReplaceAllString(t, "-->")
			t = replaceUntilStable(singleDashArrow, t, "$1-->$2")
			t = danglingDotArrow.ReplaceAllString(t, "$1-.->")
			t = arrowToken.ReplaceAllString(t, " $1 ")
			t = pipeLabelGap.ReplaceAllString(t, "$1$2 ")
			t = strings.TrimSpace(multiSpace.ReplaceAllString(t, " "))
			fixed = append(fixed, indent+t)
		}
		return joinSplitArrows(fixed)
	})
}

// replaceUntilStable reapplies re until the text stops changing; patterns
// that consume a boundary character miss back-to-back matches in one pass.
func replaceUntilStable(re *regexp.Regexp, s, repl string) string {
	for i := 0; i < 8; i++ {
		next := re.ReplaceAllString(s, repl)
		if next == s {
			break
		}
		s = next
	}
	return s
}

func skipArrowRepair(line string) bool {
	t := strings.TrimSpace(line)
	return t == "" || strings.HasPrefix(t, "%%") || styleStatementPre.MatchString(t)
}

func joinSplitArrows(lines []string) []string {
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		t := strings.TrimSpace(line)
		if leadingArrow.MatchString(t) && len(out) > 0 && joinable(out[len(out)-1]) {
			out[len(out)-1] = strings.TrimRight(out[len(out)-1], " \t;") + " " + t
			continue
		}
		if trailingArrow.MatchString(t) && i+1 < len(lines) && joinable(lines[i+1]) {
			next := strings.TrimSpace(lines[i+1])
			if !leadingArrow.MatchString(next) {
				out = append(out, strings.TrimRight(line, " \t")+" "+next)
				i++
				continue
			}
		}
		out = append(out, line)
	}
	return out
}

func joinable(line string) bool {
	t := strings.TrimSpace(line)
	if t == "" || strings.HasPrefix(t, "%%") || styleStatementPre.MatchString(t) {
		return false
	}
	return !subgraphLine.MatchString(t) && !endLine.MatchString(t) && !nestedDirection.MatchString(t)
}
