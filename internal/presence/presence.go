// Package presence carries ephemeral per-connection metadata (identity,
// cursor, focused feature). It never goes through the document log.
package presence

import (
	"sort"
	"sync"
	"time"
)

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Cursor struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	UpdatedAt int64   `json:"updatedAt"`
}

// Record is what one connection publishes about itself.
type Record struct {
	User           User    `json:"user"`
	Cursor         *Cursor `json:"cursor,omitempty"`
	FocusFeatureID string  `json:"focusFeatureId,omitempty"`
}

// WithCursor replaces the cursor wholesale.
func (r Record) WithCursor(lat, lng float64, at time.Time) Record {
	r.Cursor = &Cursor{Lat: lat, Lng: lng, UpdatedAt: at.UnixMilli()}
	return r
}

func (r Record) WithoutCursor() Record {
	r.Cursor = nil
	return r
}

// Set is the server-side presence table of one room, keyed by connection id.
type Set struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewSet() *Set {
	return &Set{records: make(map[string]Record)}
}

// Put stores connID's record, replacing any previous one. Callers pass the
// publishing connection's own id so a connection can only write its record.
func (s *Set) Put(connID string, r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[connID] = r
}

func (s *Set) Remove(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[connID]
	delete(s.records, connID)
	return ok
}

func (s *Set) Get(connID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[connID]
	return r, ok
}

func (s *Set) Snapshot() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]Record)
}

// Participant is one entry of a derived participant list.
type Participant struct {
	ConnID string
	Record
}

// Participants derives a sorted participant list from records. The record of
// self is left out, and cursors older than staleAfter are dropped from their
// record (staleAfter <= 0 keeps every cursor).
func Participants(records map[string]Record, self string, now time.Time, staleAfter time.Duration) []Participant {
	out := make([]Participant, 0, len(records))
	for id, r := range records {
		if id == self {
			continue
		}
		if staleAfter > 0 && r.Cursor != nil && now.Sub(time.UnixMilli(r.Cursor.UpdatedAt)) > staleAfter {
			r = r.WithoutCursor()
		}
		out = append(out, Participant{ConnID: id, Record: r})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].User.Name != out[j].User.Name {
			return out[i].User.Name < out[j].User.Name
		}
		return out[i].ConnID < out[j].ConnID
	})
	return out
}
