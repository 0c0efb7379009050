package sanitize

import (
	"regexp"
	"strings"
)

var (
	styleDirective  = regexp.MustCompile(`^(classDef|style|linkStyle|class)\s+(\S+)\s*(.*)$`)
	styleProperty   = regexp.MustCompile(`^([A-Za-z][A-Za-z-]*)\s*[:=]?\s*(.+)$`)
	bareHex         = regexp.MustCompile(`^(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)
	unsupportedChar = regexp.MustCompile(`["'\[\]{}<>\x00]`)
)

var colorProperties = map[string]bool{
	"fill": true, "stroke": true, "color": true, "background": true, "background-color": true,
}

// HoistStyles removes classDef/style/linkStyle/class statements from the
// body and returns them, normalized, for appending at the end of the
// document. Style statements naming several targets are expanded to one per
// target, property syntax is repaired and malformed statements are dropped.
func HoistStyles(s string) (string, []string) {
	var hoisted []string
	seen := map[string]bool{}
	add := func(stmt string) {
		if stmt != "" && !seen[stmt] {
			seen[stmt] = true
			hoisted = append(hoisted, stmt)
		}
	}
	text := mapBody(s, func(body []string) []string {
		out := make([]string, 0, len(body))
		for _, line := range body {
			t, comment := splitComment(strings.TrimSpace(line))
			m := styleDirective.FindStringSubmatch(t)
			if m == nil {
				out = append(out, line)
				continue
			}
			if comment != "" {
				out = append(out, indentOf(line)+comment)
			}
			for _, stmt := range normalizeStyleStatement(m[1], m[2], m[3]) {
				add(stmt)
			}
		}
		return out
	})
	return text, hoisted
}

func normalizeStyleStatement(keyword, target, rest string) []string {
	rest = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(rest), ";"))
	if unsupportedChar.MatchString(target) || unsupportedChar.MatchString(rest) {
		return nil
	}
	switch keyword {
	case "class":
		// class A,B className
		if rest == "" || strings.ContainsAny(rest, ":,") {
			return nil
		}
		return []string{"class " + strings.Trim(target, ",") + " " + rest}
	case "linkStyle":
		props := normalizeProperties(rest)
		if props == "" {
			return nil
		}
		return []string{"linkStyle " + strings.Trim(target, ",") + " " + props}
	case "classDef":
		props := normalizeProperties(rest)
		if props == "" {
			return nil
		}
		return []string{"classDef " + target + " " + props}
	default:
		props := normalizeProperties(rest)
		if props == "" {
			return nil
		}
		var out []string
		for _, id := range strings.Split(target, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, "style "+id+" "+props)
			}
		}
		return out
	}
}

// normalizeProperties rewrites "fill #fff, stroke=333" into
// "fill:#fff,stroke:#333". Returns "" when nothing valid remains.
func normalizeProperties(rest string) string {
	var props []string
	for _, raw := range strings.FieldsFunc(rest, func(r rune) bool { return r == ',' || r == ';' }) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		m := styleProperty.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		name, value := strings.ToLower(m[1]), strings.TrimSpace(m[2])
		if colorProperties[name] && bareHex.MatchString(value) {
			value = "#" + value
		}
		props = append(props, name+":"+value)
	}
	return strings.Join(props, ",")
}
