package render

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func okOracle(calls *[]string, mu *sync.Mutex, name string) OracleFunc {
	return func(ctx context.Context, code string) (Handle, error) {
		mu.Lock()
		*calls = append(*calls, name)
		mu.Unlock()
		return Handle{SVG: "<svg/>"}, nil
	}
}

func TestAdapter_Success(t *testing.T) {
	a := NewAdapter(OracleFunc(func(ctx context.Context, code string) (Handle, error) {
		return Handle{SVG: "<svg>" + code + "</svg>"}, nil
	}), time.Second)
	res := a.Attempt(context.Background(), "x")
	if !res.Success || res.Handle.SVG != "<svg>x</svg>" || res.Handle.RenderedAt.IsZero() {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.ErrorText() != "" {
		t.Fatalf("ErrorText = %q", res.ErrorText())
	}
}

func TestAdapter_TimeoutIsDistinctFromSyntaxError(t *testing.T) {
	slow := NewAdapter(OracleFunc(func(ctx context.Context, code string) (Handle, error) {
		<-ctx.Done()
		return Handle{}, ctx.Err()
	}), 20*time.Millisecond)
	res := slow.Attempt(context.Background(), "x")
	if res.Success || !IsTimeout(res.Err) || IsSyntaxError(res.Err) {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if !strings.HasPrefix(res.ErrorText(), "render timeout") {
		t.Fatalf("ErrorText = %q", res.ErrorText())
	}

	bad := NewAdapter(OracleFunc(func(ctx context.Context, code string) (Handle, error) {
		return Handle{}, errors.New("Parse error on line 2")
	}), time.Second)
	res = bad.Attempt(context.Background(), "x")
	if res.Success || !IsSyntaxError(res.Err) || IsTimeout(res.Err) {
		t.Fatalf("expected syntax error, got %+v", res)
	}
	if res.ErrorText() != "Parse error on line 2" {
		t.Fatalf("ErrorText = %q", res.ErrorText())
	}
}

func TestVerifier_SandboxFailureNeverTouchesLive(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	sandbox := OracleFunc(func(ctx context.Context, code string) (Handle, error) {
		mu.Lock()
		calls = append(calls, "sandbox")
		mu.Unlock()
		return Handle{}, &SyntaxError{Message: "bad"}
	})
	live := NewCaptureSurface(okOracle(&calls, &mu, "live"))
	res := NewVerifier(sandbox, time.Second).Verify(context.Background(), live, "x")
	if res.Success || res.Stage != "sandbox" {
		t.Fatalf("unexpected %+v", res)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %v", calls)
	}
	if h, f := live.Snapshot(); h != nil || f != nil {
		t.Fatalf("live surface was written")
	}
}

func TestVerifier_SandboxThenLiveCommits(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	live := NewCaptureSurface(okOracle(&calls, &mu, "live"))
	res := NewVerifier(okOracle(&calls, &mu, "sandbox"), time.Second).Verify(context.Background(), live, "x")
	if !res.Success || !res.Committed || res.Stage != "live" {
		t.Fatalf("unexpected %+v", res)
	}
	if strings.Join(calls, ",") != "sandbox,live" {
		t.Fatalf("calls = %v", calls)
	}
	if h, _ := live.Snapshot(); h == nil {
		t.Fatalf("expected committed handle")
	}
}

func TestVerifier_LiveFailureAfterSandboxSuccessFails(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	live := NewCaptureSurface(OracleFunc(func(ctx context.Context, code string) (Handle, error) {
		return Handle{}, errors.New("flaky")
	}))
	res := NewVerifier(okOracle(&calls, &mu, "sandbox"), time.Second).Verify(context.Background(), live, "x")
	if res.Success || res.Stage != "live" || res.ErrorText() != "flaky" {
		t.Fatalf("unexpected %+v", res)
	}
}

func TestVerifier_DetachedSurfaceSkipsLive(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	live := NewCaptureSurface(okOracle(&calls, &mu, "live"))
	live.Detach()
	res := NewVerifier(okOracle(&calls, &mu, "sandbox"), time.Second).Verify(context.Background(), live, "x")
	if !res.Success || res.Committed {
		t.Fatalf("unexpected %+v", res)
	}
	if strings.Join(calls, ",") != "sandbox" {
		t.Fatalf("calls = %v", calls)
	}
	if err := live.ShowFailure(context.Background(), FailureArtifact{FinalError: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, f := live.Snapshot(); f != nil {
		t.Fatalf("detached surface accepted a failure artifact")
	}
}

func TestVerifier_NoSandboxNoSurface(t *testing.T) {
	res := NewVerifier(nil, time.Second).Verify(context.Background(), nil, "x")
	if res.Success {
		t.Fatalf("expected failure without any render target")
	}
}

func TestCaptureSurface_FailureReplacesHandle(t *testing.T) {
	s := NewCaptureSurface(OracleFunc(func(ctx context.Context, code string) (Handle, error) {
		return Handle{SVG: "<svg/>"}, nil
	}))
	if _, err := s.Render(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	_ = s.ShowFailure(context.Background(), FailureArtifact{FinalError: "boom", OriginalCode: "x"})
	h, f := s.Snapshot()
	if h != nil || f == nil || f.FinalError != "boom" {
		t.Fatalf("snapshot = %v %v", h, f)
	}
}

// renderedSurface reports each time a Render call on the wrapped surface
// returns, including calls the adapter already gave up on.
type renderedSurface struct {
	*CaptureSurface
	rendered chan error
}

func (s *renderedSurface) Render(ctx context.Context, code string) (Handle, error) {
	h, err := s.CaptureSurface.Render(ctx, code)
	s.rendered <- err
	return h, err
}

func TestVerifier_LateLiveRenderIsNotCommitted(t *testing.T) {
	release := make(chan struct{})
	live := &renderedSurface{
		CaptureSurface: NewCaptureSurface(OracleFunc(func(ctx context.Context, code string) (Handle, error) {
			if code != "old" {
				<-release // ignores ctx, like a browser promise that keeps running
			}
			return Handle{SVG: "<svg>" + code + "</svg>"}, nil
		})),
		rendered: make(chan error, 2),
	}
	if _, err := live.Render(context.Background(), "old"); err != nil {
		t.Fatal(err)
	}
	<-live.rendered

	res := NewVerifier(nil, 20*time.Millisecond).Verify(context.Background(), live, "slow")
	if res.Success || res.Committed || !IsTimeout(res.Err) {
		t.Fatalf("expected timeout, got %+v", res)
	}

	close(release)
	select {
	case err := <-live.rendered:
		if err == nil {
			t.Fatal("late render reported success")
		}
	case <-time.After(time.Second):
		t.Fatal("late render never returned")
	}
	h, f := live.Snapshot()
	if f != nil || h == nil || h.SVG != "<svg>old</svg>" {
		t.Fatalf("surface changed after timeout: handle=%v failure=%v", h, f)
	}
}

func TestCaptureSurface_LateRenderDoesNotReplaceFailure(t *testing.T) {
	s := NewCaptureSurface(OracleFunc(func(ctx context.Context, code string) (Handle, error) {
		return Handle{SVG: "<svg/>"}, nil
	}))
	_ = s.ShowFailure(context.Background(), FailureArtifact{FinalError: "boom"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Render(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h, f := s.Snapshot(); h != nil || f == nil {
		t.Fatalf("snapshot = %v %v", h, f)
	}
}

// Needs a local Chrome and network access to the Mermaid bundle.
func TestRodEngine_RendersAndRejects(t *testing.T) {
	if os.Getenv("DIAGMEND_ROD_TEST") == "" {
		t.Skip("set DIAGMEND_ROD_TEST=1 to run against headless Chrome")
	}
	ctx := context.Background()
	e := NewRodEngine(BrowserConfig{Headless: true, MermaidURL: os.Getenv("DIAGMEND_MERMAID_URL")}, nil)
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Close()

	if _, err := e.Render(ctx, "flowchart TD\nA --> B;"); err != nil {
		t.Fatalf("valid diagram rejected: %v", err)
	}
	if _, err := e.Render(ctx, "flowchart TD\nA -->> [[[B"); !IsSyntaxError(err) {
		t.Fatalf("expected syntax error, got %v", err)
	}

	s, err := e.NewSurface(ctx)
	if err != nil {
		t.Fatalf("NewSurface: %v", err)
	}
	res := NewVerifier(e, 10*time.Second).Verify(ctx, s, "flowchart TD\nA --> B;")
	if !res.Committed {
		t.Fatalf("expected commit, got %+v", res)
	}
	svg, err := s.SVG(ctx)
	if err != nil || !strings.Contains(svg, "<svg") {
		t.Fatalf("surface svg = %q err=%v", svg, err)
	}

	late := NewVerifier(nil, time.Nanosecond).Verify(ctx, s, "flowchart LR\nC --> D;")
	if late.Success {
		t.Fatalf("expected timeout, got %+v", late)
	}
	time.Sleep(500 * time.Millisecond)
	if after, _ := s.SVG(ctx); after != svg {
		t.Fatalf("timed-out render reached the surface")
	}
}
