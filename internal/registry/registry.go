// Package registry multiplexes every active room of the process. It owns room
// lifetime: creation behind the access checks, attach/detach of connections
// and idle eviction.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/blamouche/gpx-collaboration/internal/ratelimit"
	"github.com/blamouche/gpx-collaboration/internal/room"
)

var (
	ErrInvalidRoomID = errors.New("invalid room id")
	ErrRateLimited   = errors.New("room creation rate limited")
	ErrAccessDenied  = errors.New("secret required or invalid")
	ErrRoomMissing   = errors.New("room missing")
)

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)

func ValidateRoomID(id string) error {
	if !roomIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidRoomID, id)
	}
	return nil
}

type Config struct {
	// TTL is how long a room without connections survives.
	TTL time.Duration
	// CreateThrottle is the minimum interval between two room creations from
	// the same origin.
	CreateThrottle time.Duration
}

// Hook receives room lifecycle events. It runs outside registry locks and
// must not block for long.
type Hook interface {
	HandleRoomEvent(ev room.Event)
}

type HookFunc func(ev room.Event)

func (f HookFunc) HandleRoomEvent(ev room.Event) { f(ev) }

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithHook(h Hook) Option {
	return func(r *Registry) { r.hooks = append(r.hooks, h) }
}

type Registry struct {
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
	throttle *ratelimit.OriginThrottle
	hooks    []Hook

	mu    sync.Mutex
	rooms map[string]*room.Room

	created atomic.Uint64
	evicted atomic.Uint64
}

func New(cfg Config, log zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		cfg:   cfg,
		log:   log.With().Str("module", "registry").Logger(),
		now:   time.Now,
		rooms: make(map[string]*room.Room),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.throttle = ratelimit.NewOriginThrottle(cfg.CreateThrottle, ratelimit.WithClock(r.now))
	return r
}

// AddHook subscribes h to lifecycle events. Call before serving traffic.
func (r *Registry) AddHook(h Hook) {
	r.hooks = append(r.hooks, h)
}

// GetOrCreate returns the live room for roomID, creating it when absent.
// Creation is throttled per origin. An existing room with an adopted secret
// only admits that exact secret; a room without one adopts a supplied secret.
func (r *Registry) GetOrCreate(roomID, origin, secret string) (*room.Room, error) {
	return r.getOrCreate(roomID, origin, secret, true)
}

func (r *Registry) getOrCreate(roomID, origin, secret string, throttled bool) (*room.Room, error) {
	if err := ValidateRoomID(roomID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if rm := r.rooms[roomID]; rm != nil {
		rm.Lock()
		if !rm.Closed() {
			err := checkSecret(rm, secret)
			rm.Unlock()
			r.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return rm, nil
		}
		rm.Unlock()
	}

	if throttled && !r.throttle.Allow(origin) {
		r.mu.Unlock()
		return nil, ErrRateLimited
	}

	now := r.now()
	rm := room.New(roomID, now)
	rm.Lock()
	rm.AdoptSecret(secret)
	// Armed until the first attach so an aborted handshake leaves nothing behind.
	r.armLocked(rm)
	rm.Unlock()
	r.rooms[roomID] = rm
	r.mu.Unlock()

	r.created.Add(1)
	r.log.Info().Str("room", roomID).Str("origin", origin).Msg("room created")
	r.emit(room.Event{RoomID: roomID, Type: room.EventCreated, At: now})
	return rm, nil
}

func checkSecret(rm *room.Room, secret string) error {
	stored := rm.Secret()
	if stored == "" {
		rm.AdoptSecret(secret)
		return nil
	}
	if secret != stored {
		return ErrAccessDenied
	}
	return nil
}

// Attach adds conn to the room, cancelling any pending eviction.
func (r *Registry) Attach(roomID string, conn room.Conn) error {
	rm := r.lookup(roomID)
	if rm == nil {
		return fmt.Errorf("%w: %s", ErrRoomMissing, roomID)
	}
	rm.Lock()
	defer rm.Unlock()
	if rm.Closed() {
		return fmt.Errorf("%w: %s", ErrRoomMissing, roomID)
	}
	rm.StopTimer()
	rm.AddConn(conn, r.now())
	return nil
}

// Join attaches conn to the room, recreating it if it was torn down after
// admission. Creation here is not throttled: callers admit the request
// through GetOrCreate first.
func (r *Registry) Join(roomID, origin, secret string, conn room.Conn) (*room.Room, error) {
	for attempt := 0; attempt < 3; attempt++ {
		rm, err := r.getOrCreate(roomID, origin, secret, false)
		if err != nil {
			return nil, err
		}
		rm.Lock()
		if !rm.Closed() {
			rm.StopTimer()
			rm.AddConn(conn, r.now())
			rm.Unlock()
			return rm, nil
		}
		rm.Unlock()
	}
	return nil, fmt.Errorf("%w: %s", ErrRoomMissing, roomID)
}

// Detach removes conn and its presence record. The last detach arms the
// eviction timer before returning.
func (r *Registry) Detach(roomID string, conn room.Conn) error {
	rm := r.lookup(roomID)
	if rm == nil {
		return fmt.Errorf("%w: %s", ErrRoomMissing, roomID)
	}
	rm.Lock()
	defer rm.Unlock()
	if !rm.RemoveConn(conn.ID(), r.now()) {
		return nil
	}
	rm.Presence.Remove(conn.ID())
	if rm.ConnCount() == 0 && !rm.Closed() {
		r.armLocked(rm)
	}
	return nil
}

func (r *Registry) lookup(roomID string) *room.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[roomID]
}

// Get returns the live room for roomID.
func (r *Registry) Get(roomID string) (*room.Room, bool) {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil, false
	}
	rm.Lock()
	defer rm.Unlock()
	if rm.Closed() {
		return nil, false
	}
	return rm, true
}

func (r *Registry) emit(ev room.Event) {
	for _, h := range r.hooks {
		h.HandleRoomEvent(ev)
	}
}

type Stats struct {
	Rooms          int    `json:"rooms"`
	Connections    int    `json:"connections"`
	Created        uint64 `json:"rooms_created_total"`
	Evicted        uint64 `json:"rooms_evicted_total"`
	PendingCleanup int    `json:"rooms_pending_cleanup"`
}

func (r *Registry) Stats() Stats {
	s := Stats{Created: r.created.Load(), Evicted: r.evicted.Load()}
	for _, info := range r.Rooms() {
		s.Rooms++
		s.Connections += info.Connections
		if info.PendingCleanup {
			s.PendingCleanup++
		}
	}
	return s
}

// Rooms lists every live room ordered by id.
func (r *Registry) Rooms() []room.Info {
	r.mu.Lock()
	rooms := make([]*room.Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	out := make([]room.Info, 0, len(rooms))
	for _, rm := range rooms {
		out = append(out, rm.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close evicts every room and stops background work.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			r.evict(id, "shutdown")
			return nil
		})
	}
	err := g.Wait()
	r.throttle.Stop()
	return err
}
