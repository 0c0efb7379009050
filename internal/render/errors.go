package render

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeoutError is reported when a render attempt does not finish in time.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("render timeout after %s", e.After)
}

// SyntaxError carries the renderer's own failure message.
type SyntaxError struct {
	Message string
}

func (e *SyntaxError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		return "render failed"
	}
	return msg
}

func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

func IsSyntaxError(err error) bool {
	var e *SyntaxError
	return errors.As(err, &e)
}
