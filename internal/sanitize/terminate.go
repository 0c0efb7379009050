package sanitize

import (
	"regexp"
	"strings"
)

var (
	entityTail     = regexp.MustCompile(`(?:&#?[A-Za-z0-9]+|#[A-Za-z0-9]+)$`)
	blockKeyword   = regexp.MustCompile(`^(?:subgraph\b|end$|direction\s)`)
	repeatedSemis  = regexp.MustCompile(`;(?:[ \t]*;)+`)
	trailingSpaces = regexp.MustCompile(`(?m)[ \t]+$`)
)

// TerminateStatements puts each statement on its own line and appends the
// statement terminator to every line that is not a block keyword. A trailing
// %% comment is moved to its own line above the statement.
func TerminateStatements(s string) string {
	return mapBody(s, func(body []string) []string {
		out := make([]string, 0, len(body))
		for _, line := range body {
			indent := indentOf(line)
			code, comment := splitComment(strings.TrimSpace(line))
			if comment != "" {
				out = append(out, indent+comment)
				if code == "" {
					continue
				}
			}
			for _, stmt := range splitStatements(code) {
				if needsTerminator(stmt) {
					stmt += ";"
				}
				out = append(out, indent+stmt)
			}
		}
		return out
	})
}

// splitStatements breaks a line after each terminator that is followed by
// more text. Semicolons inside a shape or edge label, or closing an entity
// code (&amp; #35;), are not terminators.
func splitStatements(line string) []string {
	if line == "" || strings.HasPrefix(line, "%%") {
		return []string{line}
	}
	var parts []string
	start, depth, inPipe := 0, 0, false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '[', '(', '{':
			depth++
		case ']', ')', '}':
			if depth > 0 {
				depth--
			}
		case '|':
			inPipe = !inPipe
		}
		if line[i] != ';' || depth > 0 || inPipe || entityTail.MatchString(line[start:i]) {
			continue
		}
		if strings.TrimSpace(line[i+1:]) == "" {
			break
		}
		if stmt := strings.TrimSpace(line[start : i+1]); strings.Trim(stmt, "; ") != "" {
			parts = append(parts, stmt)
		}
		start = i + 1
	}
	if rest := strings.TrimSpace(line[start:]); rest != "" {
		parts = append(parts, rest)
	}
	if len(parts) == 0 {
		return []string{""}
	}
	return parts
}

// splitComment separates a trailing %% comment from the statement text. A
// %% inside a shape or edge label is not a comment; quoted labels are
// already masked.
func splitComment(line string) (code, comment string) {
	if strings.HasPrefix(line, "%%") {
		return "", line
	}
	depth, inPipe := 0, false
	for i := 0; i+1 < len(line); i++ {
		switch line[i] {
		case '[', '(', '{':
			depth++
		case ']', ')', '}':
			if depth > 0 {
				depth--
			}
		case '|':
			inPipe = !inPipe
		case '%':
			if line[i+1] == '%' && depth == 0 && !inPipe {
				return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i:])
			}
		}
	}
	return line, ""
}

func needsTerminator(stmt string) bool {
	switch {
	case stmt == "", strings.HasPrefix(stmt, "%%"), strings.HasSuffix(stmt, ";"):
		return false
	case blockKeyword.MatchString(stmt):
		return false
	}
	return true
}

// Finalize appends the hoisted style statements, restores masked literals,
// collapses repeated terminators and drops blank lines.
func Finalize(s string, literals, hoisted []string) string {
	if len(hoisted) > 0 {
		var b strings.Builder
		b.WriteString(strings.TrimRight(s, "\n"))
		for _, stmt := range hoisted {
			b.WriteString("\n    ")
			b.WriteString(stmt)
			b.WriteString(";")
		}
		s = b.String()
	}
	s = repeatedSemis.ReplaceAllString(s, ";")
	s = UnmaskLiterals(s, literals)
	s = trailingSpaces.ReplaceAllString(s, "")

	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
