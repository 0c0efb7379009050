package repair

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/danshapiro/diagmend/internal/render"
)

// Session is the mutable state of one repair, owned by the controller and
// shared read-only with observers through Snapshot.
type Session struct {
	ID        string
	SimID     string
	StepIndex *int
	StartTime time.Time
	Surface   render.Surface

	mu           sync.Mutex
	phase        Phase
	tier         int
	attempt      int
	currentCode  string
	currentError string
	active       bool
}

func newSession(simID string, step *int, surface render.Surface, now time.Time) *Session {
	return &Session{
		ID:        ulid.Make().String(),
		SimID:     simID,
		StepIndex: step,
		StartTime: now,
		Surface:   surface,
		phase:     PhaseIdle,
	}
}

// SessionSnapshot is a point-in-time copy of a Session.
type SessionSnapshot struct {
	ID           string    `json:"id"`
	SimID        string    `json:"sim_id,omitempty"`
	StepIndex    *int      `json:"step_index,omitempty"`
	Phase        Phase     `json:"phase"`
	Tier         int       `json:"tier"`
	Attempt      int       `json:"attempt"`
	StartTime    time.Time `json:"start_time"`
	CurrentCode  string    `json:"current_code,omitempty"`
	CurrentError string    `json:"current_error,omitempty"`
	Active       bool      `json:"active"`
}

func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		ID:           s.ID,
		SimID:        s.SimID,
		StepIndex:    s.StepIndex,
		Phase:        s.phase,
		Tier:         s.tier,
		Attempt:      s.attempt,
		StartTime:    s.StartTime,
		CurrentCode:  s.currentCode,
		CurrentError: s.currentError,
		Active:       s.active,
	}
}

func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) setActive(v bool) {
	s.mu.Lock()
	s.active = v
	s.mu.Unlock()
}

func (s *Session) setPhase(p Phase, tier, attempt int) {
	s.mu.Lock()
	s.phase = p
	if tier >= 0 {
		s.tier = tier
	}
	if attempt >= 0 {
		s.attempt = attempt
	}
	s.mu.Unlock()
}

func (s *Session) setWork(code, errText string) {
	s.mu.Lock()
	s.currentCode = code
	s.currentError = errText
	s.mu.Unlock()
}

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxWait      = 60 * time.Second
)

// Coordinator enforces best-effort single-flight: at most one session is
// active at a time. A waiter polls until the active session ends or the
// ceiling elapses, then proceeds without exclusivity.
type Coordinator struct {
	poll    time.Duration
	maxWait time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	active *Session
}

func NewCoordinator(poll, maxWait time.Duration, logger *zap.Logger) *Coordinator {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{poll: poll, maxWait: maxWait, logger: logger}
}

// Acquire makes s the active session, waiting for the current one to finish.
// exclusive is false when the wait ceiling was hit.
func (c *Coordinator) Acquire(ctx context.Context, s *Session) (waited time.Duration, exclusive bool) {
	start := time.Now()
	for {
		c.mu.Lock()
		if c.active == nil || !c.active.IsActive() {
			c.active = s
			s.setActive(true)
			c.mu.Unlock()
			return time.Since(start), true
		}
		holder := c.active.ID
		c.mu.Unlock()

		waited = time.Since(start)
		if waited >= c.maxWait || !sleepWithContext(ctx, c.poll) {
			c.logger.Warn("single-flight wait ceiling reached, proceeding",
				zap.String("session_id", s.ID),
				zap.String("active_session_id", holder),
				zap.Duration("waited", waited))
			c.mu.Lock()
			c.active = s
			s.setActive(true)
			c.mu.Unlock()
			return time.Since(start), false
		}
	}
}

// Release ends s. The active slot is cleared only if s still holds it.
func (c *Coordinator) Release(s *Session) {
	s.setActive(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == s {
		c.active = nil
	}
}

// Active returns the session currently holding the slot, if any.
func (c *Coordinator) Active() (SessionSnapshot, bool) {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil || !s.IsActive() {
		return SessionSnapshot{}, false
	}
	return s.Snapshot(), true
}
