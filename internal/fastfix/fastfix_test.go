package fastfix

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/danshapiro/diagmend/internal/repairsvc"
)

func TestLocal_AppliesRulesInOrder(t *testing.T) {
	in := "flowchart TD\nA[Start (here)] --> end\nB[] --> C -->"
	res, err := NewLocal().Fix(context.Background(), Request{Code: in, Error: "Parse error on line 2: Expecting 'SQE'"})
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	want := "flowchart TD\nA[\"Start (here)\"] --> End\nB[B] --> C"
	if res.Code != want {
		t.Fatalf("code = %q want %q", res.Code, want)
	}
	if !res.Changed {
		t.Fatalf("expected Changed")
	}
	if diff := cmp.Diff([]string{"reserved_end", "empty_label", "paren_label", "dangling_arrow"}, res.Rules); diff != "" {
		t.Fatalf("rules (-want +got):\n%s", diff)
	}
}

func TestLocal_HintedRulesNeedMatchingError(t *testing.T) {
	in := "flowchart TD\nA[\"open] --> B"
	res, _ := NewLocal().Fix(context.Background(), Request{Code: in, Error: "render timeout"})
	if res.Changed {
		t.Fatalf("unexpected change without hint: %q", res.Code)
	}
	res, _ = NewLocal().Fix(context.Background(), Request{Code: in, Error: "Lexical error on line 2. Unrecognized text."})
	if res.Code != "flowchart TD\nA[open] --> B" {
		t.Fatalf("code = %q", res.Code)
	}
}

func TestLocal_ReservedEndAsSource(t *testing.T) {
	res, _ := NewLocal().Fix(context.Background(), Request{Code: "flowchart TD\nend[Finish] --> A\nsubgraph S\nX\nend"})
	if res.Code != "flowchart TD\nEnd[Finish] --> A\nsubgraph S\nX\nend" {
		t.Fatalf("code = %q", res.Code)
	}
}

func TestLocal_HonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewLocal().Fix(ctx, Request{Code: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPClient_Fix(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/fix" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"fixedCode":"flowchart TD\nA-->B","changed":true,"durationMs":12}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	step := 0
	res, err := c.Fix(context.Background(), Request{Code: "bad", Error: "boom", StepIndex: &step, SimID: "s1"})
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	if res.Code != "flowchart TD\nA-->B" || !res.Changed || res.Duration != 12*time.Millisecond {
		t.Fatalf("unexpected result %+v", res)
	}
	if got["code"] != "bad" || got["error"] != "boom" || got["simId"] != "s1" || got["stepIndex"].(float64) != 0 {
		t.Fatalf("unexpected request body %v", got)
	}
}

func TestHTTPClient_Failures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"missing fixedCode", 200, `{"changed":false}`, func(err error) bool {
			var se *repairsvc.ServiceError
			return errors.As(err, &se) && strings.Contains(se.Message, "schema")
		}},
		{"blank fixedCode", 200, `{"fixedCode":""}`, func(err error) bool { return errors.Is(err, repairsvc.ErrEmptyResponse) }},
		{"server error", 500, `{"error":"down"}`, func(err error) bool {
			var se *repairsvc.ServiceError
			return errors.As(err, &se) && se.StatusCode == 500
		}},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL})
		if err != nil {
			t.Fatal(err)
		}
		_, err = c.Fix(context.Background(), Request{Code: "x", Error: "y"})
		srv.Close()
		if err == nil || !tc.check(err) {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
	}
}
