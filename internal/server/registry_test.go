package server

import (
	"context"
	"errors"
	"testing"

	"github.com/danshapiro/diagmend/internal/render"
	"github.com/danshapiro/diagmend/internal/repair"
)

func TestHealRegistry_RegisterGetList(t *testing.T) {
	r := NewHealRegistry()
	if err := r.Register(&HealState{ID: "h1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&HealState{ID: "h1"}); err == nil {
		t.Fatal("expected error on duplicate register")
	}
	if _, ok := r.Get("nope"); ok {
		t.Fatal("expected not found")
	}
	_ = r.Register(&HealState{ID: "h2"})
	if got := len(r.List()); got != 2 {
		t.Fatalf("expected 2 heals, got %d", got)
	}
	if got := r.Running(); got != 2 {
		t.Fatalf("running = %d", got)
	}
}

func TestHealRegistry_DetachAll(t *testing.T) {
	r := NewHealRegistry()
	s := render.NewCaptureSurface(render.OracleFunc(func(context.Context, string) (render.Handle, error) {
		return render.Handle{}, nil
	}))
	_ = r.Register(&HealState{ID: "h1", Surface: s})
	_ = r.Register(&HealState{ID: "h2"})
	r.DetachAll()
	if s.Attached() {
		t.Fatal("surface still attached")
	}
}

func TestHealState_StatusTracksEventsThenResult(t *testing.T) {
	hs := &HealState{ID: "h1", Broadcaster: NewBroadcaster()}
	hs.Broadcaster.OnPhaseChange(repair.PhaseTier2LocalAlt, repair.PhaseEvent{SessionID: "s1", Tier: 2})
	st := hs.Status()
	if st.State != "running" || st.Phase != repair.PhaseTier2LocalAlt || st.SessionID != "s1" || st.LastEventAt == nil {
		t.Fatalf("running status = %+v", st)
	}

	art := &render.FailureArtifact{FinalError: "bad"}
	hs.SetResult(&repair.Result{SessionID: "s1", Phase: repair.PhaseFatal, Artifact: art},
		&repair.FatalError{SessionID: "s1", FinalError: "bad"})
	st = hs.Status()
	if st.State != "fatal" || st.FailureReason != "bad" || st.Artifact == nil || st.FinishedAt == nil {
		t.Fatalf("final status = %+v", st)
	}
	last, _ := hs.Broadcaster.Last()
	if last.Type != "result" || last.Status == nil || last.Status.State != "fatal" {
		t.Fatalf("result event = %+v", last)
	}
}

func TestHealState_NonFatalErrorWithoutResult(t *testing.T) {
	hs := &HealState{ID: "h1"}
	hs.SetResult(nil, errors.New("verifier exploded"))
	st := hs.Status()
	if st.State != "fatal" || st.FailureReason != "verifier exploded" {
		t.Fatalf("status = %+v", st)
	}
}
