package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/danshapiro/diagmend/internal/repair"
)

// Event is one entry on a heal's event stream.
type Event struct {
	Seq         int          `json:"seq"`
	Type        string       `json:"type"` // phase | result
	Phase       repair.Phase `json:"phase,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	Tier        int          `json:"tier,omitempty"`
	Attempt     int          `json:"attempt,omitempty"`
	MaxAttempts int          `json:"max_attempts,omitempty"`
	Error       string       `json:"error,omitempty"`
	At          time.Time    `json:"at"`
	Status      *HealStatus  `json:"status,omitempty"`
}

// Broadcaster fans out one heal's events to SSE clients. It implements
// repair.Observer.
type Broadcaster struct {
	mu      sync.Mutex
	history []Event
	clients map[uint64]chan Event
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed only by Close, not by slow-client drops
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan Event),
		doneCh:  make(chan struct{}),
	}
}

func (b *Broadcaster) OnPhaseChange(phase repair.Phase, ev repair.PhaseEvent) {
	b.Send(Event{
		Type:        "phase",
		Phase:       phase,
		SessionID:   ev.SessionID,
		Tier:        ev.Tier,
		Attempt:     ev.Attempt,
		MaxAttempts: ev.MaxAttempts,
		Error:       ev.Error,
		At:          ev.At,
	})
}

// Send assigns the next sequence number and delivers ev. It never blocks:
// a client whose buffer is full is dropped.
func (b *Broadcaster) Send(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	ev.Seq = len(b.history) + 1
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe replays events with Seq > after, then streams live ones. The
// done channel is closed only when the broadcaster is closed.
func (b *Broadcaster) Subscribe(after int) (<-chan Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, len(b.history)+64)
	id := b.nextID
	b.nextID++
	for _, ev := range b.history {
		if ev.Seq > after {
			ch <- ev
		}
	}
	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// Last returns the most recent event.
func (b *Broadcaster) Last() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.history) == 0 {
		return Event{}, false
	}
	return b.history[len(b.history)-1], true
}

// WriteSSE streams a broadcaster as Server-Sent Events, resuming after the
// client's Last-Event-ID when present.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	after, _ := strconv.Atoi(r.Header.Get("Last-Event-ID"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := b.Subscribe(after)
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
			flusher.Flush()
		}
	}
}
