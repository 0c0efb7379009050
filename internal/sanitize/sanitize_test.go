package sanitize

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSanitize_SingleQuotedLabelPromotedAndTerminated(t *testing.T) {
	got := Sanitize("flowchart TD\nA[Node 'Label'] --> B")
	want := "flowchart TD\nA[\"Node 'Label'\"] --> B;"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if again := Sanitize(got); again != got {
		t.Fatalf("second pass changed output: %q", again)
	}
}

func TestSanitize_TotalOnDegenerateInput(t *testing.T) {
	for _, in := range []string{
		"",
		"   \n\t",
		"\x00\x01\xff",
		"```mermaid\n```",
		"%% only a comment",
		"flowchart TD",
	} {
		res := Run(in, Options{})
		if res.Text != DefaultDiagram {
			t.Fatalf("input %q: got %q want default diagram", in, res.Text)
		}
		if !res.Degenerate || res.Err() != ErrDegenerate {
			t.Fatalf("input %q: expected degenerate result, got %+v", in, res)
		}
	}
}

func TestSanitize_InjectsDeclarationForPlainText(t *testing.T) {
	got := Sanitize("hello world")
	if got != "flowchart TD\nhello world;" {
		t.Fatalf("got %q", got)
	}
	if DiagramType(got) != "flowchart" {
		t.Fatalf("missing declaration: %q", got)
	}
}

func TestSanitize_LiteralContentsSurviveStructuralPasses(t *testing.T) {
	got := Sanitize("flowchart TD\nA[\"x --> y [z] end\"] --> B")
	if !strings.Contains(got, `A["x --> y z end"] --> B;`) {
		t.Fatalf("literal was rewritten: %q", got)
	}
	if strings.Count(got, "\nend") != 0 {
		t.Fatalf("literal keyword leaked into structure: %q", got)
	}

	got = Sanitize("flowchart TD\nA[\"f(x)\"] --> B")
	if !strings.Contains(got, `A["f#40;x#41;"]`) {
		t.Fatalf("parentheses not escaped inside literal: %q", got)
	}
}

func TestSanitize_HoistsStylesToEnd(t *testing.T) {
	got := Sanitize("flowchart TD\nstyle A fill:#f9f\nA-->B")
	want := "flowchart TD\nA --> B;\n    style A fill:#f9f;"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestSanitize_ForcesConfiguredDirection(t *testing.T) {
	got := SanitizeWith("graph TB\nA-->B", Options{Direction: "lr"})
	if got != "flowchart LR\nA --> B;" {
		t.Fatalf("got %q", got)
	}
	if got := SanitizeWith("", Options{Direction: "LR"}); !strings.HasPrefix(got, "flowchart LR\n") {
		t.Fatalf("default diagram should follow direction: %q", got)
	}
}

func TestSanitize_LeavesOtherDiagramTypesStructurallyAlone(t *testing.T) {
	in := "sequenceDiagram\nAlice->>Bob: Hi"
	if got := Sanitize(in); got != in {
		t.Fatalf("got %q want %q", got, in)
	}
}

func TestRun_ReportsChangedPasses(t *testing.T) {
	res := Run("flowchart TD\nA-->B", Options{})
	if diff := cmp.Diff([]string{"arrows", "terminate"}, res.Changed); diff != "" {
		t.Fatalf("changed passes (-want +got):\n%s", diff)
	}
}

func TestPasses_Order(t *testing.T) {
	want := []string{"escape", "corruption", "mask_literals", "declaration", "structure", "arrows", "styles", "terminate", "finalize"}
	if diff := cmp.Diff(want, Passes()); diff != "" {
		t.Fatalf("pass order (-want +got):\n%s", diff)
	}
}

func TestNormalizeEscapes(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"escaped newline and direction", `graph LR\nA-->B`, "flowchart TD\nA-->B"},
		{"markdown fence", "```mermaid\nflowchart TD\nA-->B\n```", "flowchart TD\nA-->B\n"},
		{"curly quotes", "A[“hi”]", `A["hi"]`},
		{"crlf", "flowchart TD\r\nA-->B", "flowchart TD\nA-->B"},
	}
	for _, tc := range cases {
		if got := NormalizeEscapes(tc.in, "TD"); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestRepairCorruption(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"A[[[x]]]", "A[x]"},
		{"A[½ cup]", "A[1/2 cup]"},
		{"A[Salt & Pepper]", "A[Salt and Pepper]"},
		{"A[Tom &amp; Jerry]", "A[Tom &amp; Jerry]"},
		{"A[- item]", "A[• item]"},
		{"A\u200b-->B", "A-->B"},
	}
	for _, tc := range cases {
		if got := RepairCorruption(tc.in); got != tc.want {
			t.Fatalf("RepairCorruption(%q) = %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestMaskLiterals_RoundTrip(t *testing.T) {
	masked, lits := MaskLiterals(`A["x(y)"] --> B['Hello']`)
	if !strings.Contains(masked, placeholderMark) || strings.Contains(masked, "x") {
		t.Fatalf("literal not masked: %q", masked)
	}
	if diff := cmp.Diff([]string{`"x#40;y#41;"`, `"Hello"`}, lits); diff != "" {
		t.Fatalf("literals (-want +got):\n%s", diff)
	}
	if got := UnmaskLiterals(masked, lits); got != `A["x#40;y#41;"] --> B["Hello"]` {
		t.Fatalf("unmask: %q", got)
	}
}

func TestRepairDeclaration(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"A-->B", "flowchart TD\nA-->B"},
		{"graph lr A-->B", "flowchart TD\nA-->B"},
		{"flowchart TD; A-->B", "flowchart TD\nA-->B"},
		{"sequencediagram\nA->>B: hi", "sequenceDiagram\nA->>B: hi"},
	}
	for _, tc := range cases {
		if got := RepairDeclaration(tc.in, "TD"); got != tc.want {
			t.Fatalf("RepairDeclaration(%q) = %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestRepairStructure(t *testing.T) {
	cases := []struct {
		name, in, want string
		nested         bool
	}{
		{"run-together end", "flowchart TD\nsubgraph S\nA[x]end\nB-->C", "flowchart TD\nsubgraph S\nA[x]\nend\nB-->C", false},
		{"surplus end", "flowchart TD\nA-->B\nend", "flowchart TD\nA-->B", false},
		{"missing end", "flowchart TD\nsubgraph S\nA", "flowchart TD\nsubgraph S\nA\nend", false},
		{"nested direction dropped", "flowchart TD\nsubgraph S\ndirection LR\nA\nend", "flowchart TD\nsubgraph S\nA\nend", false},
		{"nested direction kept", "flowchart TD\nsubgraph S\ndirection LR\nA\nend", "flowchart TD\nsubgraph S\ndirection LR\nA\nend", true},
	}
	for _, tc := range cases {
		if got := RepairStructure(tc.in, tc.nested); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestRepairArrows(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"single dash chain", "flowchart TD\nA->B->C", "flowchart TD\nA --> B --> C"},
		{"spaced arrow", "flowchart TD\nA -- > B", "flowchart TD\nA --> B"},
		{"edge label", "flowchart TD\nA-->|yes|B", "flowchart TD\nA -->|yes| B"},
		{"unicode arrow", "flowchart TD\nA → B", "flowchart TD\nA --> B"},
		{"trailing arrow", "flowchart TD\nA -->\nB", "flowchart TD\nA --> B"},
		{"leading arrow", "flowchart TD\nA\n--> B", "flowchart TD\nA --> B"},
	}
	for _, tc := range cases {
		if got := RepairArrows(tc.in); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestHoistStyles(t *testing.T) {
	text, hoisted := HoistStyles("flowchart TD\nstyle A,B fill #fff\nA-->B\nclassDef hot fill:f00,stroke:333\nstyle C fill:<red>\nstyle A,B fill #fff")
	if text != "flowchart TD\nA-->B" {
		t.Fatalf("text: %q", text)
	}
	want := []string{"style A fill:#fff", "style B fill:#fff", "classDef hot fill:#f00,stroke:#333"}
	if diff := cmp.Diff(want, hoisted); diff != "" {
		t.Fatalf("hoisted (-want +got):\n%s", diff)
	}
}

func TestTerminateStatements(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"run-together statements", "flowchart TD\nA-->B; B-->C", "flowchart TD\nA-->B;\nB-->C;"},
		{"entity inside label", "flowchart TD\nA[x &amp; y]", "flowchart TD\nA[x &amp; y];"},
		{"block keywords", "flowchart TD\nsubgraph S\nA\nend", "flowchart TD\nsubgraph S\nA;\nend"},
		{"trailing comment", "flowchart TD\n  A --> B %% note", "flowchart TD\n  %% note\n  A --> B;"},
		{"comment only", "flowchart TD\n%% just this", "flowchart TD\n%% just this"},
		{"percent in edge label", "flowchart TD\nA -->|50%% done| B", "flowchart TD\nA -->|50%% done| B;"},
	}
	for _, tc := range cases {
		if got := TerminateStatements(tc.in); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestSanitize_TrailingCommentsStayOutOfStatements(t *testing.T) {
	got := Sanitize("flowchart TD\nA-->B %% edge note\nstyle A fill:#f9f %% hot")
	if strings.Contains(got, "note;") || (strings.Contains(got, "hot") && !strings.Contains(got, "%% hot\n")) {
		t.Fatalf("comment merged into a statement: %q", got)
	}
	for _, want := range []string{"%% edge note\n", "A --> B;", "style A fill:#f9f;"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
}

func TestFinalize(t *testing.T) {
	got := Finalize("flowchart TD\n\nA-->B;;  \n", nil, []string{"style A fill:#fff"})
	want := "flowchart TD\nA-->B;\n    style A fill:#fff;"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
