package presence

import (
	"sync"
	"time"
)

// Tracker is the client-side view of a room's presence. It applies the
// last-writer-wins records the server relays and notifies on every change.
type Tracker struct {
	mu       sync.Mutex
	self     string
	records  map[string]Record
	onChange func([]Participant)
	now      func() time.Time
	stale    time.Duration
}

func NewTracker(self string, staleAfter time.Duration) *Tracker {
	return &Tracker{
		self:    self,
		records: make(map[string]Record),
		now:     time.Now,
		stale:   staleAfter,
	}
}

// OnChange registers fn to receive the re-sorted participant list after every
// change.
func (t *Tracker) OnChange(fn func([]Participant)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

func (t *Tracker) SetSelf(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.self = connID
}

func (t *Tracker) Put(connID string, r Record) {
	t.mu.Lock()
	t.records[connID] = r
	fn, list := t.onChange, t.participantsLocked()
	t.mu.Unlock()
	if fn != nil {
		fn(list)
	}
}

func (t *Tracker) Remove(connID string) {
	t.mu.Lock()
	if _, ok := t.records[connID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.records, connID)
	fn, list := t.onChange, t.participantsLocked()
	t.mu.Unlock()
	if fn != nil {
		fn(list)
	}
}

func (t *Tracker) Participants() []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.participantsLocked()
}

func (t *Tracker) participantsLocked() []Participant {
	return Participants(t.records, t.self, t.now(), t.stale)
}
