// Package fastfix provides the cheap first repair tier: a deterministic rule
// set tuned to the mistakes generators make most often, keyed off the
// renderer's error text. The rule set is disjoint from the sanitizer passes.
package fastfix

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Request is the input to a fixer.
type Request struct {
	Code      string `json:"code"`
	Error     string `json:"error"`
	StepIndex *int   `json:"stepIndex,omitempty"`
	SimID     string `json:"simId,omitempty"`
}

// Result is a fixer's answer. Code is the input unchanged when no rule
// applied.
type Result struct {
	Code     string
	Changed  bool
	Rules    []string
	Duration time.Duration
}

type Fixer interface {
	Fix(ctx context.Context, req Request) (Result, error)
}

type rule struct {
	name string
	// hints gate the rule on the renderer error (case-insensitive substring
	// match). Rules without hints always run.
	hints []string
	apply func(code string) string
}

var (
	reservedEndTarget = regexp.MustCompile(`((?:-->|---|==>|-\.->|--[ox])(?:\|[^|\n]*\|)?[ \t]*)end\b`)
	reservedEndSource = regexp.MustCompile(`(?m)^([ \t]*)end([ \t]*(?:[\[\(\{]|-->|---|==>|-\.->))`)
	emptyLabel        = regexp.MustCompile(`\b([A-Za-z_][\w-]*)(\[\s*\]|\(\s*\)|\{\s*\})`)
	parenLabel        = regexp.MustCompile(`\b([A-Za-z_][\w-]*)\[([^\]"\n]*[()][^\]"\n]*)\]`)
	specialLabel      = regexp.MustCompile(`\b([A-Za-z_][\w-]*)\[([^\]"\n]*[:;#@/<>=%][^\]"\n]*)\]`)
	danglingArrow     = regexp.MustCompile(`(?m)[ \t]*(?:-->|---|==>|-\.->)[ \t]*(?:\|[^|\n]*\|)?[ \t]*;?[ \t]*$`)
)

var rules = []rule{
	{name: "reserved_end", apply: fixReservedEnd},
	{name: "empty_label", apply: func(code string) string {
		return emptyLabel.ReplaceAllStringFunc(code, func(m string) string {
			sub := emptyLabel.FindStringSubmatch(m)
			return sub[1] + sub[2][:1] + sub[1] + sub[2][len(sub[2])-1:]
		})
	}},
	{name: "paren_label", apply: func(code string) string {
		return parenLabel.ReplaceAllString(code, `$1["$2"]`)
	}},
	{name: "special_label", hints: []string{"parse error", "expecting", "syntax", "lexical"}, apply: func(code string) string {
		return specialLabel.ReplaceAllString(code, `$1["$2"]`)
	}},
	{name: "dangling_arrow", apply: func(code string) string {
		return danglingArrow.ReplaceAllString(code, "")
	}},
	{name: "unbalanced_quotes", hints: []string{"unterminated", "string", "quote", "lexical"}, apply: fixUnbalancedQuotes},
}

// Local is the in-process rule engine.
type Local struct{}

func NewLocal() *Local { return &Local{} }

// Rules returns the rule names in application order.
func (l *Local) Rules() []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.name)
	}
	return out
}

func (l *Local) Fix(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	start := time.Now()
	code := req.Code
	errText := strings.ToLower(req.Error)
	var applied []string
	for _, r := range rules {
		if !hinted(errText, r.hints) {
			continue
		}
		next := r.apply(code)
		if next != code {
			applied = append(applied, r.name)
			code = next
		}
	}
	return Result{
		Code:     code,
		Changed:  code != req.Code,
		Rules:    applied,
		Duration: time.Since(start),
	}, nil
}

func hinted(errText string, hints []string) bool {
	if len(hints) == 0 {
		return true
	}
	for _, h := range hints {
		if strings.Contains(errText, h) {
			return true
		}
	}
	return false
}

// fixReservedEnd renames nodes called `end`, which the renderer treats as a
// block keyword.
func fixReservedEnd(code string) string {
	code = reservedEndTarget.ReplaceAllString(code, "${1}End")
	return reservedEndSource.ReplaceAllString(code, "${1}End${2}")
}

// fixUnbalancedQuotes drops the double quotes on lines where they do not
// pair up.
func fixUnbalancedQuotes(code string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		if strings.Count(line, `"`)%2 == 1 {
			lines[i] = strings.ReplaceAll(line, `"`, "")
		}
	}
	return strings.Join(lines, "\n")
}
