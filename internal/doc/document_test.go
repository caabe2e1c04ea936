package doc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func line(id string, coords ...Coordinate) Feature {
	return Feature{ID: id, Kind: KindLine, Geometry: coords, Properties: map[string]any{"name": id}}
}

func point(id string, c Coordinate) Feature {
	return Feature{ID: id, Kind: KindPoint, Geometry: []Coordinate{c}}
}

func TestFeatureValidate(t *testing.T) {
	tests := []struct {
		name    string
		feature Feature
		wantErr bool
	}{
		{name: "valid point", feature: point("p1", Coordinate{2.35, 48.85})},
		{name: "valid line", feature: line("l1", Coordinate{0, 0}, Coordinate{1, 1})},
		{name: "empty id", feature: point("", Coordinate{0, 0}), wantErr: true},
		{name: "point with two coordinates", feature: Feature{ID: "p", Kind: KindPoint, Geometry: []Coordinate{{0, 0}, {1, 1}}}, wantErr: true},
		{name: "line with one coordinate", feature: line("l", Coordinate{0, 0}), wantErr: true},
		{name: "unknown kind", feature: Feature{ID: "x", Kind: "polygon", Geometry: []Coordinate{{0, 0}}}, wantErr: true},
		{name: "latitude out of range", feature: point("p", Coordinate{0, 91}), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.feature.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFeature)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTransactCommitsAndNotifies(t *testing.T) {
	d := NewWithActor("a")
	origin := NewLocalOrigin()

	var events []Event
	d.Observe(func(ev Event) { events = append(events, ev) })

	_, err := d.Transact(origin, func(tx *Tx) error {
		return tx.PutFeature(line("l1", Coordinate{0, 0}, Coordinate{1, 1}, Coordinate{2, 2}))
	})
	require.NoError(t, err)

	features := d.Features()
	require.Len(t, features, 1)
	assert.Equal(t, "line", features[0].Properties["kind"])
	assert.Equal(t, "l1", features[0].Name())
	require.Len(t, events, 1)
	assert.Equal(t, origin, events[0].Origin)
	assert.True(t, events[0].Touches(TargetFeatures))

	created := events[0].Changes[0]
	assert.Equal(t, TargetFeatures, created.Before.Target)
	assert.Equal(t, "l1", created.Before.Key)
	assert.False(t, created.Before.Live())
}

func TestTransactErrorAppliesNothing(t *testing.T) {
	d := NewWithActor("a")
	notified := false
	d.Observe(func(Event) { notified = true })

	_, err := d.Transact(NewLocalOrigin(), func(tx *Tx) error {
		if err := tx.PutFeature(point("p1", Coordinate{1, 1})); err != nil {
			return err
		}
		return tx.PutFeature(point("", Coordinate{1, 1}))
	})
	require.ErrorIs(t, err, ErrInvalidFeature)
	assert.Empty(t, d.Features())
	assert.False(t, notified)
}

func TestReplicasConvergeRegardlessOfOrder(t *testing.T) {
	a := NewWithActor("a")
	b := NewWithActor("b")

	evA, err := a.Transact(NewLocalOrigin(), func(tx *Tx) error {
		return tx.PutFeature(point("p1", Coordinate{1, 1}))
	})
	require.NoError(t, err)
	evB, err := b.Transact(NewLocalOrigin(), func(tx *Tx) error {
		return tx.PutFeature(point("p1", Coordinate{2, 2}))
	})
	require.NoError(t, err)

	_, err = a.Apply(evB.Update, RemoteOrigin("b"))
	require.NoError(t, err)
	_, err = b.Apply(evA.Update, RemoteOrigin("a"))
	require.NoError(t, err)
	// Duplicate delivery is a no-op.
	again, err := b.Apply(evA.Update, RemoteOrigin("a"))
	require.NoError(t, err)
	assert.Empty(t, again.Changes)

	assert.Equal(t, a.Features(), b.Features())
	f, ok := a.Feature("p1")
	require.True(t, ok)
	assert.Equal(t, Coordinate{2, 2}, f.Geometry[0])
}

func TestStateTransferPreservesOrderAndTombstones(t *testing.T) {
	src := NewWithActor("a")
	_, err := src.Transact(NewLocalOrigin(), func(tx *Tx) error {
		for _, id := range []string{"p1", "p2", "p3"} {
			if err := tx.PutFeature(point(id, Coordinate{1, 1})); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	_, err = src.Transact(NewLocalOrigin(), func(tx *Tx) error {
		tx.DeleteFeature("p2")
		return tx.PutFeature(point("p1", Coordinate{3, 3}))
	})
	require.NoError(t, err)

	dst := NewWithActor("b")
	_, err = dst.Apply(src.State(), RemoteOrigin("server"))
	require.NoError(t, err)

	ids := func(fs []Feature) []string {
		out := make([]string, len(fs))
		for i, f := range fs {
			out[i] = f.ID
		}
		return out
	}
	assert.Equal(t, []string{"p1", "p3"}, ids(dst.Features()))
	assert.Equal(t, src.Features(), dst.Features())
}

func TestApplyRejectsInvalidUpdate(t *testing.T) {
	d := NewWithActor("a")
	bad := &Update{Ops: []Op{{
		Target:  TargetFeatures,
		Key:     "p1",
		Stamp:   Stamp{Clock: 1, Actor: "x"},
		Feature: &Feature{ID: "p1", Kind: KindPoint},
	}}}
	_, err := d.Apply(bad, RemoteOrigin("x"))
	assert.ErrorIs(t, err, ErrInvalidFeature)
	assert.Empty(t, d.Features())

	_, err = d.Apply(&Update{Ops: []Op{{Target: "layers", Key: "k", Stamp: Stamp{Clock: 1}}}}, RemoteOrigin("x"))
	assert.ErrorIs(t, err, ErrInvalidUpdate)
}

func TestSelectionAndView(t *testing.T) {
	d := NewWithActor("a")
	_, err := d.Transact(NewLocalOrigin(), func(tx *Tx) error {
		if err := tx.Claim("conn-1", "l1"); err != nil {
			return err
		}
		if err := tx.Claim("conn-2", "l1"); err != nil {
			return err
		}
		tx.SuggestView(ViewSuggestion{Center: Coordinate{2, 48}, Zoom: 12, SuggestedBy: "conn-1"})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"conn-1": "l1", "conn-2": "l1"}, d.Selection())

	_, err = d.Transact(NewLocalOrigin(), func(tx *Tx) error {
		tx.Release("conn-1")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"conn-2": "l1"}, d.Selection())

	v, ok := d.View()
	require.True(t, ok)
	assert.Equal(t, 12.0, v.Zoom)
}

func TestUpdateCodec(t *testing.T) {
	d := NewWithActor("a")
	ev, err := d.Transact(NewLocalOrigin(), func(tx *Tx) error {
		return tx.PutFeature(line("l1", Coordinate{0, 0}, Coordinate{1, 1}))
	})
	require.NoError(t, err)

	data, err := ev.Update.Encode()
	require.NoError(t, err)
	decoded, err := DecodeUpdate(data)
	require.NoError(t, err)

	other := NewWithActor("b")
	_, err = other.Apply(decoded, RemoteOrigin("a"))
	require.NoError(t, err)
	assert.Equal(t, d.Features(), other.Features())

	_, err = DecodeUpdate([]byte("{"))
	assert.True(t, errors.Is(err, ErrInvalidUpdate))
}

func TestDestroy(t *testing.T) {
	d := NewWithActor("a")
	_, err := d.Transact(NewLocalOrigin(), func(tx *Tx) error {
		return tx.PutFeature(point("p1", Coordinate{1, 1}))
	})
	require.NoError(t, err)

	d.Destroy()
	assert.True(t, d.Destroyed())
	assert.Empty(t, d.Features())
	_, err = d.Transact(NewLocalOrigin(), func(tx *Tx) error { return nil })
	assert.ErrorIs(t, err, ErrDestroyed)
}
