package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/danshapiro/diagmend/internal/render"
	"github.com/danshapiro/diagmend/internal/repair"
	"github.com/danshapiro/diagmend/internal/sanitize"
)

const maxBodyBytes = 1 << 20

var validHealID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, active := s.activeSession()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"heals":          len(s.registry.List()),
		"running":        s.registry.Running(),
		"session_active": active,
	})
}

func (s *Server) handleSanitize(w http.ResponseWriter, r *http.Request) {
	var req SanitizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	opts := s.config.Sanitize
	if d := strings.TrimSpace(req.Direction); d != "" {
		opts.Direction = d
	}
	if req.NestedDirectionSupported != nil {
		opts.NestedDirectionSupported = *req.NestedDirectionSupported
	}
	res := sanitize.Run(req.Code, opts)
	changed := res.Changed
	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, http.StatusOK, SanitizeResponse{
		Code:        res.Text,
		DiagramType: sanitize.DiagramType(res.Text),
		Changed:     changed,
		Degenerate:  res.Degenerate,
	})
}

func (s *Server) handleSubmitHeal(w http.ResponseWriter, r *http.Request) {
	if s.config.Healer == nil || s.config.Oracle == nil {
		writeError(w, http.StatusServiceUnavailable, "healing is not configured")
		return
	}
	var req HealRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if req.StepIndex != nil && *req.StepIndex < 0 {
		writeError(w, http.StatusBadRequest, "step_index must be >= 0")
		return
	}
	if len(req.Steps) > 0 {
		if req.SimID == "" {
			writeError(w, http.StatusBadRequest, "steps require sim_id")
			return
		}
		if s.config.Cache != nil {
			s.config.Cache.SetSteps(req.SimID, req.Steps)
		}
	}

	id := ulid.Make().String()
	hs := &HealState{
		ID:          id,
		SimID:       req.SimID,
		StepIndex:   req.StepIndex,
		Broadcaster: NewBroadcaster(),
		Surface:     render.NewCaptureSurface(s.config.Oracle),
		StartedAt:   time.Now().UTC(),
	}
	if err := s.registry.Register(hs); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		res, err := s.config.Healer.Heal(s.baseCtx, repair.Request{
			Raw:       req.Code,
			SimID:     req.SimID,
			StepIndex: req.StepIndex,
			Context:   req.Context,
			Surface:   hs.Surface,
			Observer:  hs.Broadcaster,
		})
		if err != nil {
			s.logger.Warn("heal failed", zap.String("heal_id", id), zap.Error(err))
		}
		hs.SetResult(res, err)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "accepted",
	})
}

// handleListHeals returns every heal in submission order, optionally
// filtered by sim_id and phase.
func (s *Server) handleListHeals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var phase repair.Phase
	if raw := q.Get("phase"); raw != "" {
		p, err := repair.ParsePhase(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		phase = p
	}
	simID := q.Get("sim_id")

	ids := s.registry.List()
	sort.Strings(ids)
	out := make([]HealStatus, 0, len(ids))
	for _, id := range ids {
		hs, ok := s.registry.Get(id)
		if !ok {
			continue
		}
		st := hs.Status()
		if simID != "" && st.SimID != simID {
			continue
		}
		if phase != "" && st.Phase != phase {
			continue
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) lookupSimulation(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.config.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "diagram cache is not configured")
		return "", false
	}
	id := r.PathValue("id")
	if !validHealID.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid simulation id")
		return "", false
	}
	return id, true
}

func (s *Server) handleStepValidated(w http.ResponseWriter, r *http.Request) {
	simID, ok := s.lookupSimulation(w, r)
	if !ok {
		return
	}
	step, err := strconv.Atoi(r.PathValue("step"))
	if err != nil || step < 0 {
		writeError(w, http.StatusBadRequest, "step must be a non-negative integer")
		return
	}
	writeJSON(w, http.StatusOK, StepStatus{
		SimID:     simID,
		Step:      step,
		Validated: s.config.Cache.IsValidated(simID, step),
	})
}

// handleForgetSimulation drops the simulation's last-good diagram, steps and
// validated markers, e.g. when the simulation is restarted.
func (s *Server) handleForgetSimulation(w http.ResponseWriter, r *http.Request) {
	simID, ok := s.lookupSimulation(w, r)
	if !ok {
		return
	}
	s.config.Cache.Forget(simID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookupHeal(w http.ResponseWriter, r *http.Request) (*HealState, bool) {
	id := r.PathValue("id")
	if !validHealID.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid heal id")
		return nil, false
	}
	hs, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("heal %s not found", id))
		return nil, false
	}
	return hs, true
}

func (s *Server) handleGetHeal(w http.ResponseWriter, r *http.Request) {
	hs, ok := s.lookupHeal(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, hs.Status())
}

func (s *Server) handleHealEvents(w http.ResponseWriter, r *http.Request) {
	hs, ok := s.lookupHeal(w, r)
	if !ok {
		return
	}
	WriteSSE(w, r, hs.Broadcaster)
}

func (s *Server) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.activeSession()
	resp := ActiveSessionResponse{Active: ok}
	if ok {
		resp.Session = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) activeSession() (repair.SessionSnapshot, bool) {
	if s.config.Healer == nil {
		return repair.SessionSnapshot{}, false
	}
	return s.config.Healer.Coordinator().Active()
}

// --- Helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
