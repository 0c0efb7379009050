package sanitize

import (
	"regexp"
	"strings"
)

// diagramTypes maps lower-cased declaration keywords to their canonical
// spelling.
var diagramTypes = func() map[string]string {
	m := map[string]string{}
	for _, k := range []string{
		"flowchart", "graph", "sequenceDiagram", "classDiagram", "classDiagram-v2",
		"stateDiagram", "stateDiagram-v2", "erDiagram", "gantt", "pie", "journey",
		"gitGraph", "mindmap", "timeline", "quadrantChart", "requirementDiagram",
		"C4Context", "C4Container", "C4Component", "C4Dynamic", "C4Deployment",
		"sankey-beta", "xychart-beta", "block-beta", "packet-beta", "architecture-beta",
		"kanban",
	} {
		m[strings.ToLower(k)] = k
	}
	return m
}()

// directionAliases maps every recognized direction spelling to a canonical
// direction keyword.
var directionAliases = map[string]string{
	"tb": "TB", "td": "TD", "bt": "BT", "lr": "LR", "rl": "RL",
	"top-down": "TD", "topdown": "TD", "top_down": "TD", "top-bottom": "TB",
	"bottom-up": "BT", "bottomup": "BT", "bottom-top": "BT",
	"left-right": "LR", "leftright": "LR", "left_right": "LR",
	"right-left": "RL", "rightleft": "RL", "right_left": "RL",
}

var declKeyword = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9-]*)(.*)$`)

// RepairDeclaration guarantees a diagram-type declaration on the first
// significant line. Flowchart declarations get the canonical direction and
// anything run onto the same line is pushed to the next line.
func RepairDeclaration(s, direction string) string {
	if direction == "" {
		direction = "TD"
	}
	lines := strings.Split(s, "\n")
	i := declarationIndex(lines)
	if i < 0 {
		return strings.TrimRight("flowchart "+direction+"\n"+s, "\n")
	}
	indent := indentOf(lines[i])
	m := declKeyword.FindStringSubmatch(strings.TrimSpace(lines[i]))
	if m == nil {
		return insertLine(lines, i, "flowchart "+direction)
	}
	kind, ok := diagramTypes[strings.ToLower(m[1])]
	if !ok {
		return insertLine(lines, i, "flowchart "+direction)
	}
	rest := strings.TrimSpace(m[2])
	if kind != "flowchart" && kind != "graph" {
		lines[i] = indent + strings.TrimSpace(kind+" "+rest)
		return strings.Join(lines, "\n")
	}

	// flowchart [direction] [statement...]
	if rest != "" {
		fields := strings.Fields(rest)
		if _, isDir := directionAliases[strings.ToLower(strings.TrimRight(fields[0], ";"))]; isDir {
			rest = strings.TrimSpace(strings.TrimPrefix(rest, fields[0]))
		}
	}
	rest = strings.TrimSpace(strings.TrimLeft(rest, ";"))
	decl := indent + "flowchart " + direction
	if rest == "" {
		lines[i] = decl
		return strings.Join(lines, "\n")
	}
	out := append(append(append([]string{}, lines[:i]...), decl, indent+rest), lines[i+1:]...)
	return strings.Join(out, "\n")
}

func insertLine(lines []string, at int, line string) string {
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:at]...)
	out = append(out, line)
	out = append(out, lines[at:]...)
	return strings.Join(out, "\n")
}

// IsFlowchart reports whether the declaration names the flowchart family.
func IsFlowchart(s string) bool {
	lines := strings.Split(s, "\n")
	i := declarationIndex(lines)
	if i < 0 {
		return false
	}
	t := strings.ToLower(strings.TrimSpace(lines[i]))
	return strings.HasPrefix(t, "flowchart") || strings.HasPrefix(t, "graph")
}

// DiagramType returns the canonical declaration keyword, or "" when the text
// has no recognizable declaration.
func DiagramType(s string) string {
	lines := strings.Split(s, "\n")
	i := declarationIndex(lines)
	if i < 0 {
		return ""
	}
	m := declKeyword.FindStringSubmatch(strings.TrimSpace(lines[i]))
	if m == nil {
		return ""
	}
	return diagramTypes[strings.ToLower(m[1])]
}
