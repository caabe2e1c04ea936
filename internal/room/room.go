package room

import (
	"sync"
	"time"

	"github.com/blamouche/gpx-collaboration/internal/doc"
	"github.com/blamouche/gpx-collaboration/internal/presence"
)

// Conn is a transport handle attached to a room.
type Conn interface {
	ID() string
	// Send queues data without blocking and reports whether it was accepted.
	Send(data []byte) bool
	Close(code int, reason string)
}

// A collaborative session. Its lifetime is owned by the registry; every
// method that changes membership expects the caller to hold the room lock.
type Room struct {
	ID        string
	Document  *doc.Document
	Presence  *presence.Set
	CreatedAt time.Time

	mu          sync.Mutex
	connections map[string]Conn
	lastActive  time.Time
	secret      string
	timer       *time.Timer
	closed      bool
}

// Creates a new room with an empty document
func New(id string, now time.Time) *Room {
	return &Room{
		ID:          id,
		Document:    doc.NewWithActor("server:" + id),
		Presence:    presence.NewSet(),
		CreatedAt:   now,
		connections: make(map[string]Conn),
		lastActive:  now,
	}
}

func (r *Room) Lock()   { r.mu.Lock() }
func (r *Room) Unlock() { r.mu.Unlock() }

// Closed reports whether teardown has begun. Caller holds the lock.
func (r *Room) Closed() bool { return r.closed }

func (r *Room) MarkClosed() { r.closed = true }

// Secret returns the adopted access secret. Caller holds the lock.
func (r *Room) Secret() string { return r.secret }

// AdoptSecret sets the secret if none was adopted yet. It never changes an
// existing one. Caller holds the lock.
func (r *Room) AdoptSecret(s string) {
	if r.secret == "" && s != "" {
		r.secret = s
	}
}

func (r *Room) AddConn(c Conn, now time.Time) {
	r.connections[c.ID()] = c
	r.lastActive = now
}

func (r *Room) RemoveConn(id string, now time.Time) bool {
	if _, ok := r.connections[id]; !ok {
		return false
	}
	delete(r.connections, id)
	r.lastActive = now
	return true
}

func (r *Room) ConnCount() int { return len(r.connections) }

func (r *Room) Conns() []Conn {
	out := make([]Conn, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

func (r *Room) Touch(now time.Time) { r.lastActive = now }

func (r *Room) LastActive() time.Time { return r.lastActive }

// SetTimer replaces the eviction timer, stopping the previous one.
func (r *Room) SetTimer(t *time.Timer) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = t
}

// Timer returns the armed eviction timer or nil. Caller holds the lock.
func (r *Room) Timer() *time.Timer { return r.timer }

func (r *Room) StopTimer() {
	r.SetTimer(nil)
}

// Broadcast queues data for every connection except the sender. Connections
// whose queue is full are returned so the caller can drop them.
func (r *Room) Broadcast(from string, data []byte) []Conn {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.connections))
	for id, c := range r.connections {
		if id != from {
			conns = append(conns, c)
		}
	}
	r.mu.Unlock()

	var slow []Conn
	for _, c := range conns {
		if !c.Send(data) {
			slow = append(slow, c)
		}
	}
	return slow
}

// Info is a read-only view of a room for metrics.
type Info struct {
	ID             string    `json:"id"`
	Connections    int       `json:"connections"`
	Participants   int       `json:"participants"`
	Features       int       `json:"features"`
	CreatedAt      time.Time `json:"created_at"`
	LastActive     time.Time `json:"last_active"`
	HasSecret      bool      `json:"has_secret"`
	PendingCleanup bool      `json:"pending_cleanup"`
}

func (r *Room) Info() Info {
	r.mu.Lock()
	info := Info{
		ID:             r.ID,
		Connections:    len(r.connections),
		CreatedAt:      r.CreatedAt,
		LastActive:     r.lastActive,
		HasSecret:      r.secret != "",
		PendingCleanup: r.timer != nil,
	}
	r.mu.Unlock()
	info.Participants = r.Presence.Len()
	info.Features = len(r.Document.Features())
	return info
}
