// Package diagcache keeps the last diagram that verified for each simulation
// and picks fallback material when every repair tier has failed.
package diagcache

import (
	"strings"
	"sync"
	"time"

	"github.com/danshapiro/diagmend/internal/sanitize"
)

// Source names where fallback material came from.
type Source string

const (
	SourceLastGood        Source = "last_good"
	SourcePreviousStep    Source = "previous_step"
	SourceOtherSimulation Source = "other_simulation"
	SourceDefault         Source = "default"
)

type Fallback struct {
	Code   string
	Source Source
	// SimID is the simulation the material belongs to ("" for the default).
	SimID string
}

type entry struct {
	code string
	at   time.Time
	seq  uint64
}

type stepKey struct {
	simID string
	step  int
}

// Cache is safe for concurrent use. Writes are last-writer-wins per
// simulation.
type Cache struct {
	mu        sync.RWMutex
	seq       uint64
	lastGood  map[string]entry
	steps     map[string][]string
	validated map[stepKey]struct{}
	now       func() time.Time
}

func New() *Cache {
	return &Cache{
		lastGood:  map[string]entry{},
		steps:     map[string][]string{},
		validated: map[stepKey]struct{}{},
		now:       time.Now,
	}
}

// Record stores code as the last verified diagram for simID. Callers must
// only record code that rendered. Diagrams without a simulation are not
// kept: they belong to no simulation's history.
func (c *Cache) Record(simID, code string) {
	if simID == "" || strings.TrimSpace(code) == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.lastGood[simID] = entry{code: code, at: c.now(), seq: c.seq}
}

// LastGood returns the last verified diagram for simID.
func (c *Cache) LastGood(simID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.lastGood[simID]
	return e.code, ok
}

// SetSteps registers the diagram text of each step of a simulation, indexed
// by step number.
func (c *Cache) SetSteps(simID string, steps []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(steps) == 0 {
		delete(c.steps, simID)
		return
	}
	c.steps[simID] = append([]string(nil), steps...)
}

// MarkValidated records that (simID, step) verified. It returns true only the
// first time a pair is marked; pairs without a simulation or step are never
// tracked.
func (c *Cache) MarkValidated(simID string, step *int) bool {
	if simID == "" || step == nil {
		return false
	}
	k := stepKey{simID: simID, step: *step}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.validated[k]; ok {
		return false
	}
	c.validated[k] = struct{}{}
	return true
}

// IsValidated reports whether (simID, step) has ever verified.
func (c *Cache) IsValidated(simID string, step int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.validated[stepKey{simID: simID, step: step}]
	return ok
}

// Forget drops everything known about simID.
func (c *Cache) Forget(simID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastGood, simID)
	delete(c.steps, simID)
	for k := range c.validated {
		if k.simID == simID {
			delete(c.validated, k)
		}
	}
}

// Fallback selects repair fallback material in priority order: this
// simulation's last good diagram, the step before the failing one, the most
// recent good diagram of any other simulation, then the default diagram.
func (c *Cache) Fallback(simID string, step *int) Fallback {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.lastGood[simID]; ok {
		return Fallback{Code: e.code, Source: SourceLastGood, SimID: simID}
	}
	if step != nil && *step > 0 {
		if steps := c.steps[simID]; *step-1 < len(steps) {
			if prev := steps[*step-1]; strings.TrimSpace(prev) != "" {
				return Fallback{Code: prev, Source: SourcePreviousStep, SimID: simID}
			}
		}
	}
	var best entry
	bestSim := ""
	found := false
	for id, e := range c.lastGood {
		if id == simID {
			continue
		}
		if !found || e.seq > best.seq {
			best, bestSim, found = e, id, true
		}
	}
	if found {
		return Fallback{Code: best.code, Source: SourceOtherSimulation, SimID: bestSim}
	}
	return Fallback{Code: sanitize.DefaultDiagram, Source: SourceDefault}
}
