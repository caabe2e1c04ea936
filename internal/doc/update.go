package doc

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidUpdate = errors.New("invalid update")

// Target names one of the three top-level structures of a document.
type Target string

const (
	TargetFeatures  Target = "features"
	TargetSelection Target = "selection"
	TargetView      Target = "view"
)

// viewKey is the only key of the view slot.
const viewKey = "current"

// Stamp orders writes to the same key: higher clock wins, the actor id breaks
// ties. It also orders features by insertion.
type Stamp struct {
	Clock uint64 `json:"c"`
	Actor string `json:"a"`
}

func (s Stamp) IsZero() bool { return s.Clock == 0 && s.Actor == "" }

func (s Stamp) Less(o Stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock < o.Clock
	}
	return s.Actor < o.Actor
}

// Op is a single last-writer-wins write to one key. A zero Stamp means the
// key never existed.
type Op struct {
	Target  Target          `json:"t"`
	Key     string          `json:"k"`
	Stamp   Stamp           `json:"s"`
	Deleted bool            `json:"d,omitempty"`
	Feature *Feature        `json:"f,omitempty"`
	Claim   string          `json:"c,omitempty"`
	View    *ViewSuggestion `json:"v,omitempty"`
}

// Live reports whether the op carries a value rather than a tombstone.
func (o Op) Live() bool { return !o.Stamp.IsZero() && !o.Deleted }

func (o Op) validate() error {
	if o.Stamp.IsZero() {
		return fmt.Errorf("%w: op on %s/%s without stamp", ErrInvalidUpdate, o.Target, o.Key)
	}
	switch o.Target {
	case TargetFeatures:
		if o.Deleted {
			return nil
		}
		if o.Feature == nil || o.Feature.ID != o.Key {
			return fmt.Errorf("%w: feature op %s carries no matching feature", ErrInvalidUpdate, o.Key)
		}
		return o.Feature.Validate()
	case TargetSelection:
		if o.Key == "" {
			return fmt.Errorf("%w: selection op without connection key", ErrInvalidUpdate)
		}
		if !o.Deleted && o.Claim == "" {
			return fmt.Errorf("%w: selection op %s without claim", ErrInvalidUpdate, o.Key)
		}
	case TargetView:
		if o.Key != viewKey {
			return fmt.Errorf("%w: view op with key %q", ErrInvalidUpdate, o.Key)
		}
		if !o.Deleted && o.View == nil {
			return fmt.Errorf("%w: view op without suggestion", ErrInvalidUpdate)
		}
	default:
		return fmt.Errorf("%w: unknown target %q", ErrInvalidUpdate, o.Target)
	}
	return nil
}

// Update is a batch of ops exchanged between replicas. Applying the same
// update twice, or several updates in any order, converges to the same state.
type Update struct {
	Ops []Op `json:"ops"`
}

func (u *Update) Empty() bool { return u == nil || len(u.Ops) == 0 }

func (u *Update) Encode() ([]byte, error) {
	return json.Marshal(u)
}

func DecodeUpdate(data []byte) (*Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return &u, nil
}

// Change describes one key a transaction or update actually modified.
type Change struct {
	Target Target
	Key    string
	Before Op
	After  Op
}

// Event is delivered to observers after a transaction commits or a remote
// update is merged.
type Event struct {
	Origin  Origin
	Changes []Change
	Update  *Update
}

// Touches reports whether any change targets t.
func (e Event) Touches(t Target) bool {
	for _, c := range e.Changes {
		if c.Target == t {
			return true
		}
	}
	return false
}
