package doc

import "github.com/google/uuid"

// OriginKind is the tag of the Origin union.
type OriginKind uint8

const (
	// OriginRemote marks anything merged from another replica.
	OriginRemote OriginKind = iota
	// OriginLocal marks edits a client makes from direct UI interaction.
	OriginLocal
	// OriginUndo marks the inverse transactions an undo manager applies.
	OriginUndo
)

// Origin identifies the actor behind a transaction. Undo scoping compares
// origins by equality, so a local tag must be unique per client session.
type Origin struct {
	Kind OriginKind
	Tag  string
}

// NewLocalOrigin mints a session-unique local-edit origin.
func NewLocalOrigin() Origin {
	return Origin{Kind: OriginLocal, Tag: uuid.NewString()}
}

func RemoteOrigin(from string) Origin {
	return Origin{Kind: OriginRemote, Tag: from}
}

// UndoOrigin returns the origin an undo manager scoped to o uses for its own
// inverse transactions.
func (o Origin) UndoOrigin() Origin {
	return Origin{Kind: OriginUndo, Tag: o.Tag}
}

func (o Origin) IsRemote() bool { return o.Kind == OriginRemote }

func (o Origin) String() string {
	switch o.Kind {
	case OriginLocal:
		return "local:" + o.Tag
	case OriginUndo:
		return "undo:" + o.Tag
	default:
		return "remote:" + o.Tag
	}
}
