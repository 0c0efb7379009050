// Package telemetry records every repair tier attempt and every unrecoverable
// failure. Delivery is fire-and-forget: sink errors are logged, never
// returned to the repair ladder.
package telemetry

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// AttemptRecord is written once per tier attempt, whatever the outcome.
type AttemptRecord struct {
	SessionID     string  `json:"sessionId,omitempty"`
	SimID         string  `json:"simId,omitempty"`
	StepIndex     *int    `json:"stepIndex,omitempty"`
	// Tier is 1-4 for the repair tiers and 0 for fallback attempts.
	Tier          int     `json:"tier"`
	TierName      string  `json:"tierName"`
	AttemptNumber int     `json:"attemptNumber"`
	InputCode     string  `json:"inputCode"`
	OutputCode    string  `json:"outputCode"`
	ErrorBefore   string  `json:"errorBefore"`
	ErrorAfter    *string `json:"errorAfter"`
	Success       bool    `json:"success"`
	DurationMS    int64   `json:"durationMs"`
	InputHash     string  `json:"inputHash,omitempty"`
	OutputHash    string  `json:"outputHash,omitempty"`
	TimestampMS   uint64  `json:"timestampMs,omitempty"`
}

// FailureReport is written once when a session ends in the fatal phase.
type FailureReport struct {
	SessionID   string `json:"sessionId,omitempty"`
	SimID       string `json:"simId,omitempty"`
	StepIndex   *int   `json:"stepIndex,omitempty"`
	BrokenCode  string `json:"brokenCode"`
	FinalError  string `json:"finalError"`
	CodeHash    string `json:"codeHash,omitempty"`
	TimestampMS uint64 `json:"timestampMs,omitempty"`
}

// Sink delivers records somewhere. Implementations may block; the Reporter
// calls them off the repair path.
type Sink interface {
	RecordAttempt(ctx context.Context, rec AttemptRecord) error
	ReportFailure(ctx context.Context, rep FailureReport) error
}

// CodeHash is the hex blake3 digest of a diagram text.
func CodeHash(code string) string {
	sum := blake3.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func nowMS() uint64 { return uint64(time.Now().UTC().UnixNano() / int64(time.Millisecond)) }

// fill computes the derived fields a caller may leave empty.
func (r AttemptRecord) fill() AttemptRecord {
	if r.InputHash == "" {
		r.InputHash = CodeHash(r.InputCode)
	}
	if r.OutputHash == "" && r.OutputCode != "" {
		r.OutputHash = CodeHash(r.OutputCode)
	}
	if r.TimestampMS == 0 {
		r.TimestampMS = nowMS()
	}
	return r
}

func (r FailureReport) fill() FailureReport {
	if r.CodeHash == "" {
		r.CodeHash = CodeHash(r.BrokenCode)
	}
	if r.TimestampMS == 0 {
		r.TimestampMS = nowMS()
	}
	return r
}

// Multi fans records out to several sinks. Every sink is called; errors are
// joined.
type Multi []Sink

func (m Multi) RecordAttempt(ctx context.Context, rec AttemptRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordAttempt(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) ReportFailure(ctx context.Context, rep FailureReport) error {
	var errs []error
	for _, s := range m {
		if err := s.ReportFailure(ctx, rep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps records in memory.
type Recorder struct {
	mu       sync.Mutex
	attempts []AttemptRecord
	failures []FailureReport
	// Err, when set, is returned from every call after recording.
	Err error
}

func (r *Recorder) RecordAttempt(_ context.Context, rec AttemptRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, rec)
	return r.Err
}

func (r *Recorder) ReportFailure(_ context.Context, rep FailureReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, rep)
	return r.Err
}

func (r *Recorder) Attempts() []AttemptRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AttemptRecord(nil), r.attempts...)
}

func (r *Recorder) Failures() []FailureReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FailureReport(nil), r.failures...)
}
