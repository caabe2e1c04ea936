package doc

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var ErrDestroyed = errors.New("document destroyed")

type entry struct {
	op      Op
	created Stamp
}

type observer struct {
	id int
	fn func(Event)
}

// Document is one replica of the shared state. It is safe for concurrent use;
// observers run on the goroutine that committed the change, after the
// document lock is released.
type Document struct {
	mu        sync.Mutex
	actor     string
	clock     uint64
	features  map[string]*entry
	selection map[string]*entry
	view      *entry
	observers []observer
	nextObs   int
	destroyed bool
}

func New() *Document {
	return NewWithActor(uuid.NewString())
}

// NewWithActor creates a replica with a fixed actor id. Actor ids must be
// unique among replicas that exchange updates.
func NewWithActor(actor string) *Document {
	return &Document{
		actor:     actor,
		features:  make(map[string]*entry),
		selection: make(map[string]*entry),
	}
}

func (d *Document) Actor() string { return d.actor }

// Observe registers fn for every committed change and returns a function that
// removes it.
func (d *Document) Observe(fn func(Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextObs++
	id := d.nextObs
	d.observers = append(d.observers, observer{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, o := range d.observers {
			if o.id == id {
				d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

// Transact runs fn and commits every write it made as one transaction tagged
// with origin. If fn returns an error nothing is applied. fn must not call
// other Document methods.
func (d *Document) Transact(origin Origin, fn func(tx *Tx) error) (Event, error) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return Event{}, ErrDestroyed
	}
	tx := &Tx{doc: d, clock: d.clock}
	if err := fn(tx); err != nil {
		d.mu.Unlock()
		return Event{}, err
	}
	ev := d.commitLocked(origin, tx.ops)
	observers := d.snapshotObserversLocked()
	d.mu.Unlock()

	d.notify(observers, ev)
	return ev, nil
}

// Apply merges an update received from another replica. Invalid updates are
// rejected as a whole.
func (d *Document) Apply(u *Update, origin Origin) (Event, error) {
	if u.Empty() {
		return Event{Origin: origin}, nil
	}
	for _, op := range u.Ops {
		if err := op.validate(); err != nil {
			return Event{}, err
		}
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return Event{}, ErrDestroyed
	}
	ev := d.commitLocked(origin, u.Ops)
	observers := d.snapshotObserversLocked()
	d.mu.Unlock()

	d.notify(observers, ev)
	return ev, nil
}

func (d *Document) commitLocked(origin Origin, ops []Op) Event {
	ev := Event{Origin: origin, Update: &Update{}}
	for _, op := range ops {
		if c, ok := d.applyLocked(op); ok {
			ev.Changes = append(ev.Changes, c)
			ev.Update.Ops = append(ev.Update.Ops, op)
		}
	}
	return ev
}

func (d *Document) applyLocked(op Op) (Change, bool) {
	if op.Stamp.Clock > d.clock {
		d.clock = op.Stamp.Clock
	}
	if op.Feature != nil {
		f := op.Feature.normalized()
		op.Feature = &f
	}

	var e *entry
	switch op.Target {
	case TargetFeatures:
		e = d.features[op.Key]
		if e == nil {
			d.features[op.Key] = &entry{op: op, created: op.Stamp}
			return Change{Target: op.Target, Key: op.Key, Before: absent(op), After: op}, true
		}
	case TargetSelection:
		e = d.selection[op.Key]
		if e == nil {
			d.selection[op.Key] = &entry{op: op, created: op.Stamp}
			return Change{Target: op.Target, Key: op.Key, Before: absent(op), After: op}, true
		}
	case TargetView:
		e = d.view
		if e == nil {
			d.view = &entry{op: op, created: op.Stamp}
			return Change{Target: op.Target, Key: op.Key, Before: absent(op), After: op}, true
		}
	default:
		return Change{}, false
	}

	if op.Stamp.Less(e.created) {
		e.created = op.Stamp
	}
	if !e.op.Stamp.Less(op.Stamp) {
		return Change{}, false
	}
	before := e.op
	e.op = op
	return Change{Target: op.Target, Key: op.Key, Before: before, After: op}, true
}

// absent is the Before of a key that did not exist yet: addressable, not live.
func absent(op Op) Op {
	return Op{Target: op.Target, Key: op.Key}
}

func (d *Document) snapshotObserversLocked() []observer {
	out := make([]observer, len(d.observers))
	copy(out, d.observers)
	return out
}

func (d *Document) notify(observers []observer, ev Event) {
	if len(ev.Changes) == 0 {
		return
	}
	for _, o := range observers {
		o.fn(ev)
	}
}

func (d *Document) lookupLocked(target Target, key string) Op {
	var e *entry
	switch target {
	case TargetFeatures:
		e = d.features[key]
	case TargetSelection:
		e = d.selection[key]
	case TargetView:
		e = d.view
	}
	if e == nil {
		return Op{}
	}
	return e.op
}

// State returns every entry, tombstones included, as one update. Applying it
// to an empty replica reproduces this replica's state.
func (d *Document) State() *Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	u := &Update{Ops: make([]Op, 0, len(d.features)+len(d.selection)+1)}
	for _, e := range d.sortedFeaturesLocked(true) {
		// The insertion stamp travels first so ordering survives a state transfer.
		if e.created != e.op.Stamp {
			u.Ops = append(u.Ops, Op{Target: TargetFeatures, Key: e.op.Key, Stamp: e.created, Deleted: true})
		}
		u.Ops = append(u.Ops, e.op)
	}
	for _, e := range d.selection {
		u.Ops = append(u.Ops, e.op)
	}
	if d.view != nil {
		u.Ops = append(u.Ops, d.view.op)
	}
	return u
}

func (d *Document) sortedFeaturesLocked(withTombstones bool) []*entry {
	entries := make([]*entry, 0, len(d.features))
	for _, e := range d.features {
		if withTombstones || e.op.Live() {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].created.Less(entries[j].created)
	})
	return entries
}

// Features returns the live features in insertion order.
func (d *Document) Features() []Feature {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.sortedFeaturesLocked(false)
	out := make([]Feature, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.op.Feature.Clone())
	}
	return out
}

func (d *Document) Feature(id string) (Feature, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.features[id]
	if e == nil || !e.op.Live() {
		return Feature{}, false
	}
	return e.op.Feature.Clone(), true
}

// Selection returns connection key -> claimed feature id.
func (d *Document) Selection() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.selection))
	for k, e := range d.selection {
		if e.op.Live() {
			out[k] = e.op.Claim
		}
	}
	return out
}

func (d *Document) View() (ViewSuggestion, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.view == nil || !d.view.op.Live() {
		return ViewSuggestion{}, false
	}
	return *d.view.op.View, true
}

// Destroy drops all state and observers. Later writes fail with ErrDestroyed.
func (d *Document) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	d.features = make(map[string]*entry)
	d.selection = make(map[string]*entry)
	d.view = nil
	d.observers = nil
}

func (d *Document) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// Tx collects the writes of one transaction. Reads through Tx see the
// transaction's own pending writes.
type Tx struct {
	doc   *Document
	clock uint64
	ops   []Op
}

func (tx *Tx) stamp() Stamp {
	tx.clock++
	return Stamp{Clock: tx.clock, Actor: tx.doc.actor}
}

// Current returns the latest op for a key, pending writes included.
func (tx *Tx) Current(target Target, key string) Op {
	for i := len(tx.ops) - 1; i >= 0; i-- {
		if tx.ops[i].Target == target && tx.ops[i].Key == key {
			return tx.ops[i]
		}
	}
	return tx.doc.lookupLocked(target, key)
}

func (tx *Tx) Feature(id string) (Feature, bool) {
	op := tx.Current(TargetFeatures, id)
	if !op.Live() {
		return Feature{}, false
	}
	return op.Feature.Clone(), true
}

// PutFeature inserts or replaces a feature.
func (tx *Tx) PutFeature(f Feature) error {
	if err := f.Validate(); err != nil {
		return err
	}
	nf := f.normalized()
	tx.ops = append(tx.ops, Op{Target: TargetFeatures, Key: f.ID, Stamp: tx.stamp(), Feature: &nf})
	return nil
}

// DeleteFeature removes a feature and reports whether it was present.
func (tx *Tx) DeleteFeature(id string) bool {
	if !tx.Current(TargetFeatures, id).Live() {
		return false
	}
	tx.ops = append(tx.ops, Op{Target: TargetFeatures, Key: id, Stamp: tx.stamp(), Deleted: true})
	return true
}

// Claim records that connKey is editing featureID. Claims are advisory.
func (tx *Tx) Claim(connKey, featureID string) error {
	if connKey == "" || featureID == "" {
		return fmt.Errorf("%w: claim needs a connection key and a feature id", ErrInvalidUpdate)
	}
	tx.ops = append(tx.ops, Op{Target: TargetSelection, Key: connKey, Stamp: tx.stamp(), Claim: featureID})
	return nil
}

func (tx *Tx) Release(connKey string) {
	if !tx.Current(TargetSelection, connKey).Live() {
		return
	}
	tx.ops = append(tx.ops, Op{Target: TargetSelection, Key: connKey, Stamp: tx.stamp(), Deleted: true})
}

func (tx *Tx) SuggestView(v ViewSuggestion) {
	tx.ops = append(tx.ops, Op{Target: TargetView, Key: viewKey, Stamp: tx.stamp(), View: &v})
}

// Restore writes the value carried by prev back to its key with a fresh
// stamp. A prev that never existed or was deleted becomes a tombstone.
func (tx *Tx) Restore(prev Op) {
	op := Op{Target: prev.Target, Key: prev.Key, Stamp: tx.stamp()}
	if !prev.Live() {
		if !tx.Current(prev.Target, prev.Key).Live() {
			return
		}
		op.Deleted = true
	} else {
		op.Feature = prev.Feature
		op.Claim = prev.Claim
		op.View = prev.View
	}
	tx.ops = append(tx.ops, op)
}
