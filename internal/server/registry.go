package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danshapiro/diagmend/internal/render"
	"github.com/danshapiro/diagmend/internal/repair"
)

// HealState tracks one submitted heal.
type HealState struct {
	ID          string
	SimID       string
	StepIndex   *int
	Broadcaster *Broadcaster
	Surface     *render.CaptureSurface
	StartedAt   time.Time

	mu         sync.Mutex
	result     *repair.Result
	err        error
	done       bool
	finishedAt time.Time
}

// SetResult records the terminal outcome and emits the result event.
func (hs *HealState) SetResult(res *repair.Result, err error) {
	hs.mu.Lock()
	hs.result = res
	hs.err = err
	hs.done = true
	hs.finishedAt = time.Now().UTC()
	hs.mu.Unlock()

	if hs.Broadcaster != nil {
		st := hs.Status()
		hs.Broadcaster.Send(Event{Type: "result", Phase: st.Phase, SessionID: st.SessionID, Status: &st})
		hs.Broadcaster.Close()
	}
}

func (hs *HealState) Done() bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.done
}

func (hs *HealState) Status() HealStatus {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	st := HealStatus{
		ID:        hs.ID,
		State:     "running",
		SimID:     hs.SimID,
		StepIndex: hs.StepIndex,
		StartedAt: hs.StartedAt,
	}
	if hs.done {
		fin := hs.finishedAt
		st.FinishedAt = &fin
		st.State = string(repair.PhaseFatal)
		if res := hs.result; res != nil {
			st.State = string(res.Phase)
			st.SessionID = res.SessionID
			st.Phase = res.Phase
			st.Tier = res.Tier
			st.TierName = res.TierName
			st.Code = res.Code
			st.SVG = res.Handle.SVG
			st.FallbackSource = res.FallbackSource
			st.Artifact = res.Artifact
		}
		if hs.err != nil {
			var fe *repair.FatalError
			if errors.As(hs.err, &fe) {
				st.FailureReason = fe.FinalError
			} else {
				st.FailureReason = hs.err.Error()
			}
		}
		return st
	}

	if hs.Broadcaster != nil {
		if last, ok := hs.Broadcaster.Last(); ok {
			st.Phase = last.Phase
			st.SessionID = last.SessionID
			st.Tier = last.Tier
			at := last.At
			st.LastEventAt = &at
		}
	}
	return st
}

// HealRegistry tracks every heal submitted to this server instance.
type HealRegistry struct {
	mu    sync.RWMutex
	heals map[string]*HealState
}

func NewHealRegistry() *HealRegistry {
	return &HealRegistry{heals: make(map[string]*HealState)}
}

func (r *HealRegistry) Register(hs *HealState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.heals[hs.ID]; exists {
		return fmt.Errorf("heal %s already exists", hs.ID)
	}
	r.heals[hs.ID] = hs
	return nil
}

func (r *HealRegistry) Get(id string) (*HealState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs, ok := r.heals[id]
	return hs, ok
}

func (r *HealRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.heals))
	for id := range r.heals {
		ids = append(ids, id)
	}
	return ids
}

// Running counts heals that have not finished.
func (r *HealRegistry) Running() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, hs := range r.heals {
		if !hs.Done() {
			n++
		}
	}
	return n
}

// DetachAll detaches every surface so in-flight heals finish without
// visible writes.
func (r *HealRegistry) DetachAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, hs := range r.heals {
		if hs.Surface != nil {
			hs.Surface.Detach()
		}
	}
}
