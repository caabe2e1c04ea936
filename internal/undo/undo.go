// Package undo keeps a linear undo/redo history of the feature list limited to
// transactions committed under one local origin. Edits from peers update the
// document but never enter the history and are never reverted.
package undo

import (
	"sync"

	"github.com/blamouche/gpx-collaboration/internal/doc"
)

const DefaultDepth = 100

type item struct {
	changes []doc.Change
}

type Manager struct {
	doc    *doc.Document
	scope  doc.Origin
	depth  int
	cancel func()

	mu   sync.Mutex
	undo []item
	redo []item
}

type Option func(*Manager)

// WithDepth bounds the undo stack; the oldest entries are dropped first.
func WithDepth(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.depth = n
		}
	}
}

// New tracks transactions on d whose origin equals scope.
func New(d *doc.Document, scope doc.Origin, opts ...Option) *Manager {
	m := &Manager{doc: d, scope: scope, depth: DefaultDepth}
	for _, opt := range opts {
		opt(m)
	}
	m.cancel = d.Observe(m.capture)
	return m
}

func (m *Manager) capture(ev doc.Event) {
	if ev.Origin != m.scope {
		return
	}
	changes := featureChanges(ev.Changes)
	if len(changes) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo = append(m.undo, item{changes: changes})
	if len(m.undo) > m.depth {
		m.undo = m.undo[len(m.undo)-m.depth:]
	}
	m.redo = nil
}

func featureChanges(changes []doc.Change) []doc.Change {
	var out []doc.Change
	for _, c := range changes {
		if c.Target == doc.TargetFeatures {
			out = append(out, c)
		}
	}
	return out
}

// Undo reverts the most recent local transaction and reports whether there
// was one to revert.
func (m *Manager) Undo() (bool, error) {
	return m.step(&m.undo, &m.redo)
}

// Redo re-applies the most recently undone transaction.
func (m *Manager) Redo() (bool, error) {
	return m.step(&m.redo, &m.undo)
}

func (m *Manager) step(from, to *[]item) (bool, error) {
	m.mu.Lock()
	if len(*from) == 0 {
		m.mu.Unlock()
		return false, nil
	}
	it := (*from)[len(*from)-1]
	*from = (*from)[:len(*from)-1]
	m.mu.Unlock()

	ev, err := m.doc.Transact(m.scope.UndoOrigin(), func(tx *doc.Tx) error {
		for i := len(it.changes) - 1; i >= 0; i-- {
			c := it.changes[i]
			// A peer overwrote this key since; leave their edit alone.
			if tx.Current(c.Target, c.Key).Stamp != c.After.Stamp {
				continue
			}
			tx.Restore(c.Before)
		}
		return nil
	})
	if err != nil {
		m.mu.Lock()
		*from = append(*from, it)
		m.mu.Unlock()
		return false, err
	}

	changes := featureChanges(ev.Changes)
	if len(changes) == 0 {
		// Every key was overwritten by a peer; nothing was reverted.
		return false, nil
	}
	m.mu.Lock()
	*to = append(*to, item{changes: changes})
	m.mu.Unlock()
	return true, nil
}

func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo) > 0
}

func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) > 0
}

func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo = nil
	m.redo = nil
}

// Close stops tracking the document.
func (m *Manager) Close() {
	m.cancel()
	m.Clear()
}
