// Package render wraps the diagram renderer: a timed single render attempt,
// sandbox-then-live verification, and the surfaces a verified diagram is
// committed to.
package render

import (
	"context"
	"errors"
	"sync"
	"time"
)

const DefaultTimeout = 5 * time.Second

// Handle is the outcome of a successful render.
type Handle struct {
	SVG        string    `json:"svg,omitempty"`
	RenderedAt time.Time `json:"rendered_at"`
}

// Oracle renders diagram text or reports why it could not. Implementations
// must honor ctx cancellation.
type Oracle interface {
	Render(ctx context.Context, code string) (Handle, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, code string) (Handle, error)

func (f OracleFunc) Render(ctx context.Context, code string) (Handle, error) { return f(ctx, code) }

// FailureArtifact is the terminal, human-readable replacement for a diagram
// that could not be repaired.
type FailureArtifact struct {
	Title        string `json:"title"`
	FinalError   string `json:"final_error"`
	OriginalCode string `json:"original_code"`
	SimID        string `json:"sim_id,omitempty"`
	StepIndex    *int   `json:"step_index,omitempty"`
}

// Surface is the visible destination of a diagram. Render on a surface
// commits the result only on success and only while ctx is live; a failed or
// abandoned render leaves the previous content in place.
type Surface interface {
	Oracle
	// Attached reports whether the surface still exists. Writes to a
	// detached surface are skipped.
	Attached() bool
	ShowFailure(ctx context.Context, a FailureArtifact) error
}

// Result is the outcome of an attempt or a verification.
type Result struct {
	Success  bool
	Handle   Handle
	Err      error
	Duration time.Duration
	// Stage is "sandbox" or "live" for verification results.
	Stage string
	// Committed is set when the live surface now shows the diagram.
	Committed bool
}

// ErrorText is the renderer error as a plain string, "" on success.
func (r Result) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Adapter races a single render against a fixed timeout.
type Adapter struct {
	oracle  Oracle
	timeout time.Duration
}

func NewAdapter(o Oracle, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Adapter{oracle: o, timeout: timeout}
}

type renderOutcome struct {
	h   Handle
	err error
}

// Attempt renders code once. A render that outlives the timeout is reported
// as *TimeoutError; any other failure is a *SyntaxError.
func (a *Adapter) Attempt(ctx context.Context, code string) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan renderOutcome, 1)
	go func() {
		h, err := a.oracle.Render(ctx, code)
		done <- renderOutcome{h: h, err: err}
	}()

	select {
	case out := <-done:
		res := Result{Duration: time.Since(start)}
		if out.err != nil {
			res.Err = classify(out.err, a.timeout)
			return res
		}
		if out.h.RenderedAt.IsZero() {
			out.h.RenderedAt = time.Now()
		}
		res.Success = true
		res.Handle = out.h
		return res
	case <-ctx.Done():
		return Result{Err: &TimeoutError{After: a.timeout}, Duration: time.Since(start)}
	}
}

func classify(err error, timeout time.Duration) error {
	if IsTimeout(err) || IsSyntaxError(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{After: timeout}
	}
	return &SyntaxError{Message: err.Error()}
}

// Verifier renders a candidate in an isolated sandbox first and, only when
// that succeeds, on the live surface.
type Verifier struct {
	sandbox *Adapter
	timeout time.Duration
}

// NewVerifier builds a verifier. A nil sandbox skips the sandbox stage.
func NewVerifier(sandbox Oracle, timeout time.Duration) *Verifier {
	v := &Verifier{timeout: timeout}
	if sandbox != nil {
		v.sandbox = NewAdapter(sandbox, timeout)
	}
	return v
}

// Verify reports success only when every applicable stage rendered. A
// detached or nil live surface leaves the result uncommitted.
func (v *Verifier) Verify(ctx context.Context, live Surface, code string) Result {
	start := time.Now()
	var res Result
	if v.sandbox != nil {
		res = v.sandbox.Attempt(ctx, code)
		res.Stage = "sandbox"
		if !res.Success {
			res.Duration = time.Since(start)
			return res
		}
	}
	if live == nil || !live.Attached() {
		if v.sandbox == nil {
			return Result{Err: &SyntaxError{Message: "no render surface available"}, Stage: "live", Duration: time.Since(start)}
		}
		res.Duration = time.Since(start)
		return res
	}
	res = NewAdapter(live, v.timeout).Attempt(ctx, code)
	res.Stage = "live"
	res.Committed = res.Success
	res.Duration = time.Since(start)
	return res
}

// CaptureSurface is an in-memory surface over an Oracle. It keeps the last
// committed handle or failure artifact for callers that have no visible
// surface of their own.
type CaptureSurface struct {
	oracle Oracle

	mu       sync.Mutex
	detached bool
	handle   *Handle
	failure  *FailureArtifact
}

func NewCaptureSurface(o Oracle) *CaptureSurface {
	return &CaptureSurface{oracle: o}
}

func (s *CaptureSurface) Render(ctx context.Context, code string) (Handle, error) {
	h, err := s.oracle.Render(ctx, code)
	if err != nil {
		return Handle{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// A render that finishes after its caller gave up is not committed.
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if !s.detached {
		s.handle = &h
		s.failure = nil
	}
	return h, nil
}

func (s *CaptureSurface) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.detached
}

// Detach marks the surface gone; later writes are dropped.
func (s *CaptureSurface) Detach() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
}

func (s *CaptureSurface) ShowFailure(_ context.Context, a FailureArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return nil
	}
	s.failure = &a
	s.handle = nil
	return nil
}

// Snapshot returns the committed handle or failure artifact; at most one is
// non-nil.
func (s *CaptureSurface) Snapshot() (*Handle, *FailureArtifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.failure
}
