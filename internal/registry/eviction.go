package registry

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blamouche/gpx-collaboration/internal/room"
)

type timerHandle struct {
	t *time.Timer
}

// armLocked (re)arms the room's eviction timer, replacing any previous one.
// Caller holds the room lock.
func (r *Registry) armLocked(rm *room.Room) {
	h := &timerHandle{}
	h.t = time.AfterFunc(r.cfg.TTL, func() { r.expire(rm, h) })
	rm.SetTimer(h.t)
}

// expire runs when a timer fires. It only evicts if that timer is still the
// armed one and nobody attached in the meantime.
func (r *Registry) expire(rm *room.Room, h *timerHandle) {
	r.mu.Lock()
	rm.Lock()
	if rm.Closed() || rm.Timer() != h.t || rm.ConnCount() > 0 {
		rm.Unlock()
		r.mu.Unlock()
		return
	}
	r.detachLocked(rm)
	rm.Unlock()
	r.mu.Unlock()

	r.teardown(rm, "idle")
}

// EvictNow tears down the room's document and presence and removes it from
// the registry. Evicting a missing room is a no-op.
func (r *Registry) EvictNow(roomID string) {
	r.evict(roomID, "manual")
}

func (r *Registry) evict(roomID, reason string) {
	r.mu.Lock()
	rm := r.rooms[roomID]
	if rm == nil {
		r.mu.Unlock()
		return
	}
	rm.Lock()
	if rm.Closed() {
		rm.Unlock()
		r.mu.Unlock()
		return
	}
	r.detachLocked(rm)
	rm.Unlock()
	r.mu.Unlock()

	r.teardown(rm, reason)
}

// detachLocked marks rm closed and drops it from the map. Caller holds both
// the registry and the room lock.
func (r *Registry) detachLocked(rm *room.Room) {
	rm.MarkClosed()
	rm.StopTimer()
	if r.rooms[rm.ID] == rm {
		delete(r.rooms, rm.ID)
	}
}

// teardown releases a detached room. It always completes: failures are
// logged and the room stays removed.
func (r *Registry) teardown(rm *room.Room, reason string) {
	rm.Lock()
	conns := rm.Conns()
	rm.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseNormalClosure, "room closed")
	}

	if err := release(rm); err != nil {
		r.log.Error().Err(err).Str("room", rm.ID).Msg("room teardown failed")
	}

	r.evicted.Add(1)
	r.log.Info().Str("room", rm.ID).Str("reason", reason).Msg("room evicted")
	r.emit(room.Event{RoomID: rm.ID, Type: room.EventEvicted, At: r.now(), Reason: reason})
}

func release(rm *room.Room) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during teardown: %v", p)
		}
	}()
	rm.Document.Destroy()
	rm.Presence.Clear()
	return nil
}
