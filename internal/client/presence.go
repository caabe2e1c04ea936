package client

import (
	"time"

	"github.com/blamouche/gpx-collaboration/internal/doc"
	"github.com/blamouche/gpx-collaboration/internal/presence"
	"github.com/blamouche/gpx-collaboration/internal/reconcile"
	syncproto "github.com/blamouche/gpx-collaboration/internal/sync"
)

// SetCursor replaces the published cursor.
func (s *Session) SetCursor(lat, lng float64) {
	s.updateSelf(func(r presence.Record) presence.Record {
		return r.WithCursor(lat, lng, time.Now())
	})
}

// ClearCursor withdraws the cursor, as on pointer-leave.
func (s *Session) ClearCursor() {
	s.updateSelf(presence.Record.WithoutCursor)
}

// Focus publishes the feature the user is looking at. An empty id clears it.
func (s *Session) Focus(featureID string) {
	s.updateSelf(func(r presence.Record) presence.Record {
		r.FocusFeatureID = featureID
		return r
	})
}

func (s *Session) updateSelf(fn func(presence.Record) presence.Record) {
	s.selfMu.Lock()
	s.self = fn(s.self)
	s.selfMu.Unlock()
	s.publishSelf()
}

func (s *Session) publishSelf() {
	s.selfMu.Lock()
	rec := s.self
	s.selfMu.Unlock()

	data, err := syncproto.EncodeAwareness(syncproto.Awareness{ConnID: s.connID, Record: &rec})
	if err != nil {
		s.log.Error().Err(err).Msg("encode presence")
		return
	}
	s.enqueue(data)
}

// Participants lists the other live connections of the room.
func (s *Session) Participants() []presence.Participant {
	return s.tracker.Participants()
}

func (s *Session) OnParticipants(fn func([]presence.Participant)) {
	s.tracker.OnChange(fn)
}

// Claim marks featureID as being edited by this connection.
func (s *Session) Claim(featureID string) error {
	if s.readOnly {
		return reconcile.ErrReadOnly
	}
	_, err := s.doc.Transact(s.origin, func(tx *doc.Tx) error {
		return tx.Claim(s.connID, featureID)
	})
	return err
}

func (s *Session) Release() error {
	if s.readOnly {
		return reconcile.ErrReadOnly
	}
	_, err := s.doc.Transact(s.origin, func(tx *doc.Tx) error {
		tx.Release(s.connID)
		return nil
	})
	return err
}

// SuggestView broadcasts a camera position to the room.
func (s *Session) SuggestView(center doc.Coordinate, zoom float64, bounds *[2]doc.Coordinate) error {
	if s.readOnly {
		return reconcile.ErrReadOnly
	}
	v := doc.ViewSuggestion{
		Center:      center,
		Zoom:        zoom,
		Bounds:      bounds,
		SuggestedBy: s.cfg.User.ID,
		UpdatedAt:   time.Now().UnixMilli(),
	}
	_, err := s.doc.Transact(s.origin, func(tx *doc.Tx) error {
		tx.SuggestView(v)
		return nil
	})
	return err
}
