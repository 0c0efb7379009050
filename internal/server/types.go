package server

import (
	"time"

	"github.com/danshapiro/diagmend/internal/diagcache"
	"github.com/danshapiro/diagmend/internal/render"
	"github.com/danshapiro/diagmend/internal/repair"
)

// SanitizeRequest is the POST /diagrams/sanitize body.
type SanitizeRequest struct {
	Code string `json:"code"`
	// Direction overrides the configured canonical flowchart direction.
	Direction                string `json:"direction,omitempty"`
	NestedDirectionSupported *bool  `json:"nested_direction_supported,omitempty"`
}

type SanitizeResponse struct {
	Code        string   `json:"code"`
	DiagramType string   `json:"diagram_type"`
	Changed     []string `json:"changed"`
	Degenerate  bool     `json:"degenerate"`
}

// HealRequest is the POST /heals body.
type HealRequest struct {
	Code      string `json:"code"`
	SimID     string `json:"sim_id,omitempty"`
	StepIndex *int   `json:"step_index,omitempty"`
	// Context is forwarded to the AI repair service.
	Context string `json:"context,omitempty"`
	// Steps registers the simulation's step diagrams for fallback.
	Steps []string `json:"steps,omitempty"`
}

// HealStatus is returned by GET /heals/{id}.
type HealStatus struct {
	ID             string                  `json:"id"`
	State          string                  `json:"state"` // running | success | fatal
	SimID          string                  `json:"sim_id,omitempty"`
	StepIndex      *int                    `json:"step_index,omitempty"`
	SessionID      string                  `json:"session_id,omitempty"`
	Phase          repair.Phase            `json:"phase,omitempty"`
	Tier           int                     `json:"tier,omitempty"`
	TierName       string                  `json:"tier_name,omitempty"`
	Code           string                  `json:"code,omitempty"`
	SVG            string                  `json:"svg,omitempty"`
	FallbackSource diagcache.Source        `json:"fallback_source,omitempty"`
	Artifact       *render.FailureArtifact `json:"artifact,omitempty"`
	FailureReason  string                  `json:"failure_reason,omitempty"`
	StartedAt      time.Time               `json:"started_at"`
	FinishedAt     *time.Time              `json:"finished_at,omitempty"`
	LastEventAt    *time.Time              `json:"last_event_at,omitempty"`
}

// ActiveSessionResponse is returned by GET /sessions/active.
type ActiveSessionResponse struct {
	Active  bool                    `json:"active"`
	Session *repair.SessionSnapshot `json:"session,omitempty"`
}

// StepStatus is returned by GET /simulations/{id}/steps/{step}.
type StepStatus struct {
	SimID     string `json:"sim_id"`
	Step      int    `json:"step"`
	Validated bool   `json:"validated"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
