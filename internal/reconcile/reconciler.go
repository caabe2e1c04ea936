// Package reconcile keeps view-layer objects and the shared document in
// agreement in both directions without feedback loops.
package reconcile

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blamouche/gpx-collaboration/internal/doc"
)

var ErrReadOnly = errors.New("session is read-only")

const (
	DefaultCoalesceWindow = 120 * time.Millisecond
	CoordinatePrecision   = 6
)

// RoundCoordinate fixes c to CoordinatePrecision decimal digits so repeated
// read-modify-write cycles do not drift.
func RoundCoordinate(c doc.Coordinate) doc.Coordinate {
	scale := math.Pow10(CoordinatePrecision)
	return doc.Coordinate{math.Round(c[0]*scale) / scale, math.Round(c[1]*scale) / scale}
}

func roundGeometry(g []doc.Coordinate) []doc.Coordinate {
	out := make([]doc.Coordinate, len(g))
	for i, c := range g {
		out[i] = RoundCoordinate(c)
	}
	return out
}

type pendingEdit struct {
	feature doc.Feature
	timer   *time.Timer
}

type Reconciler struct {
	doc      *doc.Document
	origin   doc.Origin
	layer    Layer
	readOnly bool
	window   time.Duration
	now      func() time.Time
	log      zerolog.Logger
	cancel   func()

	// syncMu serialises document -> view passes.
	syncMu sync.Mutex

	mu         sync.Mutex
	applying   map[string]int
	lastCommit map[string]time.Time
	pending    map[string]*pendingEdit
	closed     bool
}

type Option func(*Reconciler)

func WithReadOnly(readOnly bool) Option {
	return func(r *Reconciler) { r.readOnly = readOnly }
}

func WithCoalesceWindow(d time.Duration) Option {
	return func(r *Reconciler) { r.window = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New binds layer to d. Local edits are committed under origin. The layer is
// brought in line with the document before New returns.
func New(d *doc.Document, origin doc.Origin, layer Layer, opts ...Option) *Reconciler {
	r := &Reconciler{
		doc:        d,
		origin:     origin,
		layer:      layer,
		window:     DefaultCoalesceWindow,
		now:        time.Now,
		log:        zerolog.Nop(),
		applying:   make(map[string]int),
		lastCommit: make(map[string]time.Time),
		pending:    make(map[string]*pendingEdit),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cancel = d.Observe(func(ev doc.Event) {
		if ev.Touches(doc.TargetFeatures) {
			r.Sync()
		}
	})
	r.Sync()
	return r
}

func (r *Reconciler) ReadOnly() bool { return r.readOnly }

// Sync creates or updates a view object for every feature in the document
// and removes view objects whose feature is gone.
func (r *Reconciler) Sync() {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	features := r.doc.Features()
	present := make(map[string]struct{}, len(features))
	for _, f := range features {
		present[f.ID] = struct{}{}
		f := f
		r.guarded(f.ID, func() { r.layer.Upsert(f) })
	}
	for _, id := range r.layer.IDs() {
		if _, ok := present[id]; ok {
			continue
		}
		id := id
		r.guarded(id, func() { r.layer.Remove(id) })
	}
}

// guarded marks id as being applied from the document while fn runs, so view
// callbacks fired by fn are not mistaken for user intent.
func (r *Reconciler) guarded(id string, fn func()) {
	r.mu.Lock()
	r.applying[id]++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.applying[id]--; r.applying[id] <= 0 {
			delete(r.applying, id)
		}
		r.mu.Unlock()
	}()
	fn()
}

func (r *Reconciler) isApplying(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applying[id] > 0
}

// Created commits a feature the user drew. An empty id is replaced by a
// fresh one; the committed feature is returned.
func (r *Reconciler) Created(f doc.Feature) (doc.Feature, error) {
	if f.ID != "" && r.isApplying(f.ID) {
		return f, nil
	}
	if r.readOnly {
		r.Sync()
		return doc.Feature{}, ErrReadOnly
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f = f.Clone()
	f.Geometry = roundGeometry(f.Geometry)

	if _, err := r.doc.Transact(r.origin, func(tx *doc.Tx) error {
		return tx.PutFeature(f)
	}); err != nil {
		return doc.Feature{}, err
	}
	r.mu.Lock()
	r.lastCommit[f.ID] = r.now()
	r.mu.Unlock()
	return f, nil
}

// Edited commits a geometry or property change of an existing view object.
// Commits for one object are coalesced to at most one per window; the latest
// state inside a window is committed when it closes.
func (r *Reconciler) Edited(f doc.Feature) error {
	if r.isApplying(f.ID) {
		return nil
	}
	if r.readOnly {
		r.Sync()
		return ErrReadOnly
	}

	now := r.now()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	if last, ok := r.lastCommit[f.ID]; ok && now.Sub(last) < r.window {
		p := r.pending[f.ID]
		if p == nil {
			p = &pendingEdit{}
			id := f.ID
			p.timer = time.AfterFunc(r.window-now.Sub(last), func() { r.flush(id) })
			r.pending[f.ID] = p
		}
		p.feature = f.Clone()
		r.mu.Unlock()
		return nil
	}
	r.lastCommit[f.ID] = now
	r.mu.Unlock()

	return r.commitEdit(f)
}

// Moved is Edited under the name drag handlers use.
func (r *Reconciler) Moved(f doc.Feature) error { return r.Edited(f) }

func (r *Reconciler) flush(id string) {
	r.mu.Lock()
	p := r.pending[id]
	delete(r.pending, id)
	if p == nil {
		r.mu.Unlock()
		return
	}
	r.lastCommit[id] = r.now()
	r.mu.Unlock()

	if err := r.commitEdit(p.feature); err != nil {
		r.log.Warn().Err(err).Str("feature", id).Msg("coalesced edit dropped")
	}
}

// Flush commits every pending coalesced edit now.
func (r *Reconciler) Flush() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id, p := range r.pending {
		p.timer.Stop()
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.flush(id)
	}
}

func (r *Reconciler) commitEdit(f doc.Feature) error {
	_, err := r.doc.Transact(r.origin, func(tx *doc.Tx) error {
		cur, ok := tx.Feature(f.ID)
		if !ok {
			// Deleted by a peer in the meantime.
			return nil
		}
		next := cur
		if len(f.Geometry) > 0 {
			next.Geometry = roundGeometry(f.Geometry)
		}
		for k, v := range f.Properties {
			if k == "kind" {
				continue
			}
			next.Properties[k] = v
		}
		return tx.PutFeature(next)
	})
	return err
}

// Removed handles a view object removal. Removals the reconciler itself
// caused are ignored; others delete the feature from the document.
func (r *Reconciler) Removed(id string) error {
	if r.isApplying(id) {
		return nil
	}
	if r.readOnly {
		r.Sync()
		return ErrReadOnly
	}

	r.mu.Lock()
	if p := r.pending[id]; p != nil {
		p.timer.Stop()
		delete(r.pending, id)
	}
	delete(r.lastCommit, id)
	r.mu.Unlock()

	_, err := r.doc.Transact(r.origin, func(tx *doc.Tx) error {
		tx.DeleteFeature(id)
		return nil
	})
	return err
}

// Close detaches from the document and drops pending edits.
func (r *Reconciler) Close() {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, id)
	}
}
