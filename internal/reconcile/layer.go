package reconcile

import (
	"sort"
	"sync"

	"github.com/blamouche/gpx-collaboration/internal/doc"
)

// Layer is the mutable view a Reconciler keeps in agreement with the
// document. Implementations may report their own removals back through
// Reconciler.Removed, even when the removal came from Remove.
type Layer interface {
	Upsert(f doc.Feature)
	Remove(id string)
	IDs() []string
}

// MemoryLayer is a headless Layer. Like a map toolkit it fires OnRemoved for
// every removal, whoever asked for it.
type MemoryLayer struct {
	mu        sync.Mutex
	objects   map[string]doc.Feature
	OnRemoved func(id string)
}

func NewMemoryLayer() *MemoryLayer {
	return &MemoryLayer{objects: make(map[string]doc.Feature)}
}

func (l *MemoryLayer) Upsert(f doc.Feature) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.objects[f.ID] = f.Clone()
}

func (l *MemoryLayer) Remove(id string) {
	l.mu.Lock()
	_, ok := l.objects[id]
	delete(l.objects, id)
	hook := l.OnRemoved
	l.mu.Unlock()
	if ok && hook != nil {
		hook(id)
	}
}

func (l *MemoryLayer) IDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.objects))
	for id := range l.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *MemoryLayer) Get(id string) (doc.Feature, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.objects[id]
	if !ok {
		return doc.Feature{}, false
	}
	return f.Clone(), true
}

func (l *MemoryLayer) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.objects)
}
