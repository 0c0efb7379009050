package sanitize

import (
	"strings"
	"testing"
)

func FuzzSanitize(f *testing.F) {
	for _, seed := range []string{
		"",
		"flowchart TD\nA[Node 'Label'] --> B",
		"graph LR\\nA->B;B-->C",
		"```mermaid\nflowchart TD\nsubgraph S\nA[x]end\n```",
		"flowchart TD\nstyle A,B fill #fff\nA[\"a (b) [c]\"] -->|yes| B",
		"sequenceDiagram\nAlice->>Bob: Hi",
		"---\ntitle: x\n---\nflowchart TD\nA-->B",
		"\x00\xff[[[[{{{{((((",
	} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, raw string) {
		res := Run(raw, Options{})
		if strings.TrimSpace(res.Text) == "" {
			t.Fatalf("empty output for %q", raw)
		}
		if DiagramType(res.Text) == "" {
			t.Fatalf("no declaration in output %q for input %q", res.Text, raw)
		}
		if strings.Contains(res.Text, placeholderMark) {
			t.Fatalf("placeholder leaked into output %q", res.Text)
		}

		// A second pass must stay non-degenerate; byte equality is not required.
		if again := Run(res.Text, Options{}); again.Degenerate && !res.Degenerate {
			t.Fatalf("second pass degenerated %q", res.Text)
		}
	})
}
