// Package repair drives the self-healing ladder for diagrams the renderer
// rejected: a local rule fixer, the sanitizer, bounded AI repair attempts,
// last-known-good fallback and, when everything fails, a terminal failure
// artifact.
package repair

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/diagmend/internal/diagcache"
	"github.com/danshapiro/diagmend/internal/fastfix"
	"github.com/danshapiro/diagmend/internal/render"
	"github.com/danshapiro/diagmend/internal/repairsvc"
	"github.com/danshapiro/diagmend/internal/sanitize"
	"github.com/danshapiro/diagmend/internal/telemetry"
)

const DefaultMaxAttempts = 3

// Service is the remote AI repair service.
type Service interface {
	Health(ctx context.Context) error
	Repair(ctx context.Context, req repairsvc.RepairRequest) (string, error)
}

// Verifier checks a candidate against the renderer.
type Verifier interface {
	Verify(ctx context.Context, live render.Surface, code string) render.Result
}

// Telemetry receives attempt records and failure reports. Calls must not
// block.
type Telemetry interface {
	RecordAttempt(rec telemetry.AttemptRecord)
	ReportFailure(rep telemetry.FailureReport)
}

type Options struct {
	Verifier Verifier
	Fixer    fastfix.Fixer
	// Service may be nil; the remote tiers are then skipped.
	Service Service
	// Cache may be nil; fallback is then unavailable.
	Cache       *diagcache.Cache
	Telemetry   Telemetry
	Observer    Observer
	Coordinator *Coordinator
	Logger      *zap.Logger

	MaxAttempts   int
	Backoff       BackoffConfig
	AdaptFallback bool

	// Sanitize is the tier-2/tier-4 rewrite and the first-attempt
	// preprocessor. Defaults to sanitize.Sanitize.
	Sanitize func(string) string
	// OnValidated fires the first time a (simID, step) pair verifies.
	OnValidated func(simID string, step int)
	// Sleep waits between remote attempts. Defaults to a timer honoring ctx.
	Sleep func(ctx context.Context, d time.Duration) bool
}

type Controller struct {
	opts Options
	log  *zap.Logger
}

func NewController(opts Options) (*Controller, error) {
	if opts.Verifier == nil {
		return nil, errors.New("repair: verifier is required")
	}
	if opts.Fixer == nil {
		opts.Fixer = fastfix.NewLocal()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Coordinator == nil {
		opts.Coordinator = NewCoordinator(0, 0, opts.Logger)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff == (BackoffConfig{}) {
		opts.Backoff = DefaultBackoffConfig()
	}
	if opts.Sanitize == nil {
		opts.Sanitize = sanitize.Sanitize
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepWithContext
	}
	return &Controller{opts: opts, log: opts.Logger.Named("repair")}, nil
}

func (c *Controller) Coordinator() *Coordinator { return c.opts.Coordinator }

// Request is a raw diagram to render, healing it if needed.
type Request struct {
	Raw       string
	SimID     string
	StepIndex *int
	// Context is free-form text forwarded to the AI repair service.
	Context  string
	Surface  render.Surface
	Observer Observer
}

// RepairRequest enters the ladder directly with a failed render.
type RepairRequest struct {
	BadCode string
	Error   string
	// OriginalCode is the unrepaired source shown on the failure artifact.
	// Defaults to BadCode.
	OriginalCode string
	SimID        string
	StepIndex    *int
	Context      string
	Surface      render.Surface
	Observer     Observer
}

type Result struct {
	SessionID string        `json:"session_id,omitempty"`
	Phase     Phase         `json:"phase"`
	Tier      int           `json:"tier"`
	TierName  string        `json:"tier_name,omitempty"`
	Code      string        `json:"code,omitempty"`
	Handle    render.Handle `json:"handle"`
	Committed bool          `json:"committed"`
	// FallbackSource is set when the fallback tier produced the diagram.
	FallbackSource diagcache.Source        `json:"fallback_source,omitempty"`
	Artifact       *render.FailureArtifact `json:"artifact,omitempty"`
	Duration       time.Duration           `json:"duration"`
}

// Heal sanitizes raw text and renders it. Only a failed first render starts
// a repair session. The work continues to completion even if ctx is
// canceled; visible writes are skipped once the surface detaches.
func (c *Controller) Heal(ctx context.Context, req Request) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	code := c.opts.Sanitize(req.Raw)
	vr := c.opts.Verifier.Verify(ctx, req.Surface, code)
	if vr.Success {
		c.markSuccess(req.SimID, req.StepIndex, code)
		return &Result{
			Phase:     PhaseSuccess,
			Code:      code,
			Handle:    vr.Handle,
			Committed: vr.Committed,
			Duration:  time.Since(start),
		}, nil
	}
	c.log.Info("initial render failed, starting repair",
		zap.String("sim_id", req.SimID),
		zap.String("error", vr.ErrorText()))
	return c.Repair(ctx, RepairRequest{
		BadCode:      code,
		Error:        vr.ErrorText(),
		OriginalCode: req.Raw,
		SimID:        req.SimID,
		StepIndex:    req.StepIndex,
		Context:      req.Context,
		Surface:      req.Surface,
		Observer:     req.Observer,
	})
}

// Repair runs the tier ladder for a render that already failed.
func (c *Controller) Repair(ctx context.Context, r RepairRequest) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	if r.OriginalCode == "" {
		r.OriginalCode = r.BadCode
	}
	s := newSession(r.SimID, r.StepIndex, r.Surface, time.Now())
	waited, exclusive := c.opts.Coordinator.Acquire(ctx, s)
	defer c.opts.Coordinator.Release(s)

	l := &ladder{c: c, s: s, r: r, start: time.Now()}
	if r.Observer != nil {
		l.obs = Observers{c.opts.Observer, r.Observer}
	} else {
		l.obs = c.opts.Observer
	}
	c.log.Info("repair session started",
		zap.String("session_id", s.ID),
		zap.String("sim_id", r.SimID),
		zap.Duration("waited", waited),
		zap.Bool("exclusive", exclusive))
	return l.run(ctx)
}

func (c *Controller) markSuccess(simID string, step *int, code string) {
	if c.opts.Cache == nil {
		return
	}
	c.opts.Cache.Record(simID, code)
	if c.opts.Cache.MarkValidated(simID, step) && c.opts.OnValidated != nil {
		c.opts.OnValidated(simID, *step)
	}
}

// ladder is the state of one run through the tiers.
type ladder struct {
	c     *Controller
	s     *Session
	r     RepairRequest
	obs   Observer
	start time.Time
}

func (l *ladder) transition(p Phase, tier, attempt int, errText string) {
	l.s.setPhase(p, tier, attempt)
	if l.obs == nil {
		return
	}
	snap := l.s.Snapshot()
	l.obs.OnPhaseChange(p, PhaseEvent{
		SessionID:   l.s.ID,
		SimID:       l.s.SimID,
		StepIndex:   l.s.StepIndex,
		Tier:        snap.Tier,
		Attempt:     snap.Attempt,
		MaxAttempts: l.c.opts.MaxAttempts,
		Error:       errText,
		At:          time.Now(),
	})
}

func (l *ladder) enter(tier, attempt int, errText string) {
	l.transition(tierPhases[tier], tier, attempt, errText)
}

// verify runs one tier candidate through the verifier and records the
// attempt.
func (l *ladder) verify(ctx context.Context, tier, attempt int, input, candidate, errBefore string, started time.Time) render.Result {
	l.transition(PhaseVerifying, tier, attempt, "")
	l.s.setWork(candidate, errBefore)
	vr := l.c.opts.Verifier.Verify(ctx, l.r.Surface, candidate)
	l.record(tier, attempt, input, candidate, errBefore, vr.Err, started)
	if !vr.Success {
		l.c.log.Debug("candidate failed verification",
			zap.String("session_id", l.s.ID),
			zap.String("tier", TierName(tier)),
			zap.Int("attempt", attempt),
			zap.String("stage", vr.Stage),
			zap.String("error", vr.ErrorText()))
	}
	return vr
}

func (l *ladder) record(tier, attempt int, input, output, errBefore string, errAfter error, started time.Time) {
	if l.c.opts.Telemetry == nil {
		return
	}
	rec := telemetry.AttemptRecord{
		SessionID:     l.s.ID,
		SimID:         l.s.SimID,
		StepIndex:     l.s.StepIndex,
		Tier:          tier,
		TierName:      TierName(tier),
		AttemptNumber: attempt,
		InputCode:     input,
		OutputCode:    output,
		ErrorBefore:   errBefore,
		Success:       errAfter == nil,
		DurationMS:    time.Since(started).Milliseconds(),
	}
	if errAfter != nil {
		msg := errAfter.Error()
		rec.ErrorAfter = &msg
	}
	l.c.opts.Telemetry.RecordAttempt(rec)
}

func (l *ladder) succeed(tier int, code string, vr render.Result, source diagcache.Source) *Result {
	l.c.markSuccess(l.s.SimID, l.s.StepIndex, code)
	l.transition(PhaseSuccess, tier, -1, "")
	l.c.log.Info("repair succeeded",
		zap.String("session_id", l.s.ID),
		zap.String("tier", TierName(tier)),
		zap.Duration("elapsed", time.Since(l.start)))
	return &Result{
		SessionID:      l.s.ID,
		Phase:          PhaseSuccess,
		Tier:           tier,
		TierName:       TierName(tier),
		Code:           code,
		Handle:         vr.Handle,
		Committed:      vr.Committed,
		FallbackSource: source,
		Duration:       time.Since(l.start),
	}
}

func (l *ladder) run(ctx context.Context) (*Result, error) {
	opts := l.c.opts
	badCode, badErr := l.r.BadCode, l.r.Error
	l.transition(PhaseDiagnosing, 0, 0, badErr)
	l.s.setWork(badCode, badErr)

	// Tier 1: rule-based fixer.
	l.enter(TierLocal, 1, badErr)
	started := time.Now()
	t2Input, lastErr := badCode, badErr
	fix, err := opts.Fixer.Fix(ctx, fastfix.Request{Code: badCode, Error: badErr, StepIndex: l.r.StepIndex, SimID: l.r.SimID})
	if err != nil {
		l.record(TierLocal, 1, badCode, "", badErr, fmt.Errorf("fixer: %w", err), started)
	} else {
		vr := l.verify(ctx, TierLocal, 1, badCode, fix.Code, badErr, started)
		if vr.Success {
			return l.succeed(TierLocal, fix.Code, vr, ""), nil
		}
		t2Input, lastErr = fix.Code, vr.ErrorText()
	}

	// Tier 2: sanitizer over the tier-1 output.
	l.enter(TierLocalAlt, 1, lastErr)
	started = time.Now()
	t2 := opts.Sanitize(t2Input)
	vr := l.verify(ctx, TierLocalAlt, 1, t2Input, t2, lastErr, started)
	if vr.Success {
		return l.succeed(TierLocalAlt, t2, vr, ""), nil
	}
	lastErr = vr.ErrorText()

	// Tiers 3 and 4: remote repair, each failure feeding the next attempt.
	if opts.Service != nil {
		code, errText := badCode, badErr
		previous := l.previousWorking()
		for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
			if attempt > 1 {
				delay := DelayForAttempt(attempt-1, opts.Backoff, fmt.Sprintf("%s:%d", l.s.ID, attempt))
				opts.Sleep(ctx, delay)
			}
			l.enter(TierRemote, attempt, errText)
			l.s.setWork(code, errText)
			started = time.Now()
			fixed, err := l.remoteRepair(ctx, code, errText, attempt, previous)
			if err != nil {
				l.record(TierRemote, attempt, code, "", errText, err, started)
				lastErr = err.Error()
				continue
			}
			vr := l.verify(ctx, TierRemote, attempt, code, fixed, errText, started)
			if vr.Success {
				return l.succeed(TierRemote, fixed, vr, ""), nil
			}
			code, errText, lastErr = fixed, vr.ErrorText(), vr.ErrorText()

			// Tier 4 only when the sanitizer has something to change.
			alt := opts.Sanitize(fixed)
			if alt == fixed {
				continue
			}
			l.enter(TierRemoteAlt, attempt, errText)
			started = time.Now()
			vr = l.verify(ctx, TierRemoteAlt, attempt, fixed, alt, errText, started)
			if vr.Success {
				return l.succeed(TierRemoteAlt, alt, vr, ""), nil
			}
			code, errText, lastErr = alt, vr.ErrorText(), vr.ErrorText()
		}
	}

	return l.fallback(ctx, lastErr)
}

// remoteRepair is one tier-3 call: reachability probe, then repair.
func (l *ladder) remoteRepair(ctx context.Context, code, errText string, attempt int, previous string) (string, error) {
	svc := l.c.opts.Service
	if err := svc.Health(ctx); err != nil {
		return "", err
	}
	return svc.Repair(ctx, repairsvc.RepairRequest{
		Code:            code,
		Error:           errText,
		Context:         l.r.Context,
		StepIndex:       l.r.StepIndex,
		AttemptNumber:   attempt,
		PreviousWorking: previous,
		SimID:           l.r.SimID,
	})
}

// previousWorking is the fallback material offered to the AI service as a
// reference, empty when only the default diagram is available.
func (l *ladder) previousWorking() string {
	if l.c.opts.Cache == nil {
		return ""
	}
	fb := l.c.opts.Cache.Fallback(l.r.SimID, l.r.StepIndex)
	if fb.Source == diagcache.SourceDefault {
		return ""
	}
	return fb.Code
}

func (l *ladder) fallback(ctx context.Context, lastErr string) (*Result, error) {
	opts := l.c.opts
	l.enter(TierFallback, 1, lastErr)
	if opts.Cache == nil {
		return l.fatal(ctx, lastErr, ErrFallbackUnavailable)
	}
	fb := opts.Cache.Fallback(l.r.SimID, l.r.StepIndex)
	candidate := fb.Code
	started := time.Now()
	if opts.AdaptFallback && opts.Service != nil && fb.Source != diagcache.SourceDefault {
		adapted, err := l.adapt(ctx, fb.Code, lastErr)
		if err != nil {
			l.c.log.Debug("fallback adaptation failed, using material unmodified",
				zap.String("session_id", l.s.ID), zap.Error(err))
		} else {
			candidate = adapted
		}
	}

	vr := l.verify(ctx, TierFallback, 1, l.r.BadCode, candidate, lastErr, started)
	if vr.Success {
		return l.succeed(TierFallback, candidate, vr, fb.Source), nil
	}
	lastErr = vr.ErrorText()
	if candidate != fb.Code {
		started = time.Now()
		vr = l.verify(ctx, TierFallback, 2, l.r.BadCode, fb.Code, lastErr, started)
		if vr.Success {
			return l.succeed(TierFallback, fb.Code, vr, fb.Source), nil
		}
		lastErr = vr.ErrorText()
	}
	return l.fatal(ctx, lastErr, nil)
}

func (l *ladder) adapt(ctx context.Context, material, errText string) (string, error) {
	svc := l.c.opts.Service
	if err := svc.Health(ctx); err != nil {
		return "", err
	}
	reqContext := "adapt the previous working diagram to the current step"
	if c := strings.TrimSpace(l.r.Context); c != "" {
		reqContext = c + "\n\n" + reqContext
	}
	return svc.Repair(ctx, repairsvc.RepairRequest{
		Code:            l.r.BadCode,
		Error:           errText,
		Context:         reqContext,
		StepIndex:       l.r.StepIndex,
		AttemptNumber:   l.c.opts.MaxAttempts + 1,
		PreviousWorking: material,
		SimID:           l.r.SimID,
	})
}

func (l *ladder) fatal(ctx context.Context, finalErr string, cause error) (*Result, error) {
	l.transition(PhaseFatal, -1, -1, finalErr)
	artifact := render.FailureArtifact{
		Title:        "Diagram could not be rendered",
		FinalError:   finalErr,
		OriginalCode: l.r.OriginalCode,
		SimID:        l.r.SimID,
		StepIndex:    l.r.StepIndex,
	}
	if sf := l.r.Surface; sf != nil && sf.Attached() {
		if err := sf.ShowFailure(ctx, artifact); err != nil {
			l.c.log.Warn("failure artifact not shown", zap.String("session_id", l.s.ID), zap.Error(err))
		}
	}
	if l.c.opts.Telemetry != nil {
		l.c.opts.Telemetry.ReportFailure(telemetry.FailureReport{
			SessionID:  l.s.ID,
			SimID:      l.r.SimID,
			StepIndex:  l.r.StepIndex,
			BrokenCode: l.r.OriginalCode,
			FinalError: finalErr,
		})
	}
	l.c.log.Error("repair exhausted",
		zap.String("session_id", l.s.ID),
		zap.String("sim_id", l.r.SimID),
		zap.String("final_error", finalErr),
		zap.Duration("elapsed", time.Since(l.start)))
	return &Result{
			SessionID: l.s.ID,
			Phase:     PhaseFatal,
			Artifact:  &artifact,
			Duration:  time.Since(l.start),
		}, &FatalError{
			SessionID:    l.s.ID,
			FinalError:   finalErr,
			OriginalCode: l.r.OriginalCode,
			Cause:        cause,
		}
}
