package repairsvc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}

func TestHealth(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{"empty ok", 200, "", false},
		{"plain ok", 200, "ok", false},
		{"json ok", 200, `{"status":"ok"}`, false},
		{"json fail", 200, `{"status":"degraded"}`, true},
		{"ok false", 200, `{"ok":false}`, true},
		{"server error", 503, "", true},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet || r.URL.Path != "/health" {
				t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			}
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		})
		err := c.Health(context.Background())
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
		if err != nil && !IsUnreachable(err) {
			t.Fatalf("%s: expected UnreachableError, got %T", tc.name, err)
		}
	}
}

func TestHealth_TransportFailureIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, err := New(Config{BaseURL: url, HealthTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Health(context.Background()); !IsUnreachable(err) {
		t.Fatalf("expected UnreachableError, got %v", err)
	}
}

func TestRepair_SendsContractAndReturnsFix(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repair" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"fixedCode":"flowchart TD\nA-->B"}`))
	})
	step := 2
	fixed, err := c.Repair(context.Background(), RepairRequest{
		Code: "bad", Error: "Parse error", Context: "ctx", StepIndex: &step, AttemptNumber: 1, SimID: "sim-1",
	})
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if fixed != "flowchart TD\nA-->B" {
		t.Fatalf("fixed = %q", fixed)
	}
	for _, k := range []string{"code", "error", "context", "stepIndex", "attemptNumber", "simId"} {
		if _, ok := got[k]; !ok {
			t.Fatalf("request missing %q: %v", k, got)
		}
	}
	if got["stepIndex"].(float64) != 2 || got["attemptNumber"].(float64) != 1 {
		t.Fatalf("unexpected numbers: %v", got)
	}
}

func TestRepair_ErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"error body", 200, `{"error":"model overloaded"}`, func(err error) bool {
			var se *ServiceError
			return errors.As(err, &se) && se.Message == "model overloaded"
		}},
		{"empty fix", 200, `{"fixedCode":"  "}`, func(err error) bool { return errors.Is(err, ErrEmptyResponse) }},
		{"empty body", 200, ``, func(err error) bool { return errors.Is(err, ErrEmptyResponse) }},
		{"schema violation", 200, `{"fixedCode":42}`, func(err error) bool {
			var se *ServiceError
			return errors.As(err, &se)
		}},
		{"bad request", 400, `{"error":{"message":"nope"}}`, func(err error) bool {
			var se *ServiceError
			return errors.As(err, &se) && se.StatusCode == 400 && !se.Retryable && se.Message == "nope"
		}},
		{"server error", 502, `upstream`, func(err error) bool {
			var se *ServiceError
			return errors.As(err, &se) && se.Retryable
		}},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		})
		_, err := c.Repair(context.Background(), RepairRequest{Code: "x", Error: "y"})
		if err == nil || !tc.check(err) {
			t.Fatalf("%s: unexpected error %v (%T)", tc.name, err, err)
		}
	}
}

func TestRepair_TimeoutIsUnreachable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(Config{BaseURL: srv.URL, RepairTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Repair(context.Background(), RepairRequest{Code: "x", Error: "y"})
	if !IsUnreachable(err) || !IsTimeout(err) {
		t.Fatalf("expected unreachable timeout, got %v", err)
	}
}
