package repair

import (
	"errors"
	"strings"
)

var (
	// ErrTierExhausted is wrapped by every fatal outcome.
	ErrTierExhausted = errors.New("all repair tiers exhausted")
	// ErrFallbackUnavailable means no fallback material source is configured.
	ErrFallbackUnavailable = errors.New("no fallback diagram available")
)

// FatalError is returned when a session ends in the fatal phase.
type FatalError struct {
	SessionID    string
	FinalError   string
	OriginalCode string
	// Cause is an additional reason, e.g. ErrFallbackUnavailable.
	Cause error
}

func (e *FatalError) Error() string {
	msg := "diagram repair failed: " + ErrTierExhausted.Error()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if s := strings.TrimSpace(e.FinalError); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *FatalError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrTierExhausted, e.Cause}
	}
	return []error{ErrTierExhausted}
}
