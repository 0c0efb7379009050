// Package sanitize rewrites LLM-generated Mermaid text into a form the
// renderer is likely to accept. Every pass is a deterministic text transform
// and the pipeline order is fixed: later passes assume the normalization done
// by earlier ones.
package sanitize

import (
	"errors"
	"strings"
)

// DefaultDiagram is returned when the input carries nothing renderable.
const DefaultDiagram = "flowchart TD\n    A[Diagram unavailable];"

// ErrDegenerate marks a sanitization run where every statement was stripped.
// Sanitize never returns it; callers see it through Result.Degenerate.
var ErrDegenerate = errors.New("sanitize: all statements stripped")

// Options tunes the flowchart-specific passes.
type Options struct {
	// Direction is the canonical flowchart direction ("TD" when empty).
	Direction string
	// NestedDirectionSupported keeps `direction` statements inside subgraphs.
	// Older renderers reject them.
	NestedDirectionSupported bool
}

func (o Options) withDefaults() Options {
	o.Direction = strings.ToUpper(strings.TrimSpace(o.Direction))
	if _, ok := canonicalDirections[o.Direction]; !ok {
		o.Direction = "TD"
	}
	return o
}

// Result reports what a sanitization run did.
type Result struct {
	Text string
	// Changed lists the names of passes that modified the text, in order.
	Changed []string
	// Degenerate is set when the output is DefaultDiagram because nothing
	// usable survived.
	Degenerate bool
}

// Err returns ErrDegenerate for degenerate runs.
func (r Result) Err() error {
	if r.Degenerate {
		return ErrDegenerate
	}
	return nil
}

type document struct {
	text      string
	literals  []string
	hoisted   []string
	opts      Options
	flowchart bool
}

type pass struct {
	name  string
	apply func(d *document)
}

// pipeline is the ordered pass list. Literal masking must precede every
// structural rewrite so quoted label text is never touched by them.
var pipeline = []pass{
	{"escape", func(d *document) { d.text = NormalizeEscapes(d.text, d.opts.Direction) }},
	{"corruption", func(d *document) { d.text = RepairCorruption(d.text) }},
	{"mask_literals", func(d *document) { d.text, d.literals = MaskLiterals(d.text) }},
	{"declaration", func(d *document) {
		d.text = RepairDeclaration(d.text, d.opts.Direction)
		d.flowchart = IsFlowchart(d.text)
	}},
	{"structure", func(d *document) {
		if d.flowchart {
			d.text = RepairStructure(d.text, d.opts.NestedDirectionSupported)
		}
	}},
	{"arrows", func(d *document) {
		if d.flowchart {
			d.text = RepairArrows(d.text)
		}
	}},
	{"styles", func(d *document) {
		if d.flowchart {
			d.text, d.hoisted = HoistStyles(d.text)
		}
	}},
	{"terminate", func(d *document) {
		if d.flowchart {
			d.text = TerminateStatements(d.text)
		}
	}},
	{"finalize", func(d *document) { d.text = Finalize(d.text, d.literals, d.hoisted) }},
}

// Passes returns the pass names in execution order.
func Passes() []string {
	out := make([]string, 0, len(pipeline))
	for _, p := range pipeline {
		out = append(out, p.name)
	}
	return out
}

// Sanitize runs the full pipeline with default options.
func Sanitize(raw string) string {
	return Run(raw, Options{}).Text
}

// SanitizeWith runs the full pipeline with the given options.
func SanitizeWith(raw string, opts Options) string {
	return Run(raw, opts).Text
}

// Run sanitizes raw and reports which passes changed it. It never panics and
// always returns non-empty text with a declaration line.
func Run(raw string, opts Options) (res Result) {
	opts = opts.withDefaults()
	defer func() {
		if r := recover(); r != nil {
			res = Result{Text: defaultDiagram(opts), Changed: res.Changed, Degenerate: true}
		}
	}()

	raw = strings.ToValidUTF8(raw, "")
	if strings.TrimSpace(raw) == "" {
		return Result{Text: defaultDiagram(opts), Degenerate: true}
	}

	d := &document{text: raw, opts: opts}
	for _, p := range pipeline {
		before := d.text
		p.apply(d)
		if d.text != before {
			res.Changed = append(res.Changed, p.name)
		}
	}
	if !hasStatements(d.text) {
		res.Text = defaultDiagram(opts)
		res.Degenerate = true
		return res
	}
	res.Text = d.text
	return res
}

func defaultDiagram(opts Options) string {
	if opts.Direction == "" || opts.Direction == "TD" {
		return DefaultDiagram
	}
	return strings.Replace(DefaultDiagram, "flowchart TD", "flowchart "+opts.Direction, 1)
}

// hasStatements reports whether anything follows the declaration line.
func hasStatements(text string) bool {
	head, body := splitHeader(text)
	if len(head) == 0 {
		return false
	}
	for _, line := range body {
		if t := strings.TrimSpace(line); t != "" && !strings.HasPrefix(t, "%%") {
			return true
		}
	}
	return false
}

// splitHeader separates front matter, directives and the declaration line
// (head) from the statement lines (body). head is empty when no declaration
// line exists.
func splitHeader(text string) (head, body []string) {
	lines := strings.Split(text, "\n")
	i := declarationIndex(lines)
	if i < 0 {
		return nil, lines
	}
	return lines[:i+1], lines[i+1:]
}

// declarationIndex returns the index of the first significant line, skipping
// blank lines, %% comments/directives and a leading front matter block.
func declarationIndex(lines []string) int {
	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i < len(lines) && strings.TrimSpace(lines[i]) == "---" {
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == "---" {
				i = j + 1
				break
			}
		}
	}
	for ; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		if t == "" || strings.HasPrefix(t, "%%") || t == "---" {
			continue
		}
		return i
	}
	return -1
}

// mapBody applies fn to the statement lines, leaving the header untouched.
func mapBody(text string, fn func(body []string) []string) string {
	head, body := splitHeader(text)
	if head == nil {
		return text
	}
	out := append(append([]string{}, head...), fn(body)...)
	return strings.Join(out, "\n")
}

func indentOf(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}
