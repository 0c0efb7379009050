package repair

import "time"

// PhaseEvent describes a phase transition.
type PhaseEvent struct {
	SessionID   string    `json:"session_id"`
	SimID       string    `json:"sim_id,omitempty"`
	StepIndex   *int      `json:"step_index,omitempty"`
	Tier        int       `json:"tier"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Observer is notified synchronously on every phase change; implementations
// must not block.
type Observer interface {
	OnPhaseChange(phase Phase, ev PhaseEvent)
}

type ObserverFunc func(phase Phase, ev PhaseEvent)

func (f ObserverFunc) OnPhaseChange(phase Phase, ev PhaseEvent) { f(phase, ev) }

// Observers fans events out in order.
type Observers []Observer

func (o Observers) OnPhaseChange(phase Phase, ev PhaseEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.OnPhaseChange(phase, ev)
		}
	}
}
