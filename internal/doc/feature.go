// Package doc holds the replicated state every room shares: an ordered list of
// track features, a selection map keyed by connection and a single view
// suggestion slot. All mutations go through origin-tagged transactions.
package doc

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidFeature = errors.New("invalid feature")

// Kind of a track feature.
type Kind string

const (
	KindLine  Kind = "line"
	KindPoint Kind = "point"
)

// Coordinate is a (longitude, latitude) pair.
type Coordinate [2]float64

func (c Coordinate) Lng() float64 { return c[0] }
func (c Coordinate) Lat() float64 { return c[1] }

// Feature is a replicated track element. ID is assigned at creation and never
// changes.
type Feature struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Geometry   []Coordinate   `json:"geometry"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Name returns the optional "name" property.
func (f Feature) Name() string {
	name, _ := f.Properties["name"].(string)
	return name
}

// Clone returns a copy that shares nothing mutable with f.
func (f Feature) Clone() Feature {
	out := Feature{ID: f.ID, Kind: f.Kind}
	if f.Geometry != nil {
		out.Geometry = make([]Coordinate, len(f.Geometry))
		copy(out.Geometry, f.Geometry)
	}
	out.Properties = make(map[string]any, len(f.Properties)+1)
	for k, v := range f.Properties {
		out.Properties[k] = v
	}
	return out
}

// Validate checks the id, the kind and that the geometry length matches the
// kind: a point has exactly one coordinate, a line at least two.
func (f Feature) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidFeature)
	}
	switch f.Kind {
	case KindPoint:
		if len(f.Geometry) != 1 {
			return fmt.Errorf("%w: point %s has %d coordinates", ErrInvalidFeature, f.ID, len(f.Geometry))
		}
	case KindLine:
		if len(f.Geometry) < 2 {
			return fmt.Errorf("%w: line %s has %d coordinates", ErrInvalidFeature, f.ID, len(f.Geometry))
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidFeature, f.Kind)
	}
	for i, c := range f.Geometry {
		if math.IsNaN(c[0]) || math.IsNaN(c[1]) || c[0] < -180 || c[0] > 180 || c[1] < -90 || c[1] > 90 {
			return fmt.Errorf("%w: coordinate %d of %s out of range", ErrInvalidFeature, i, f.ID)
		}
	}
	return nil
}

// normalized returns a clone whose properties always carry the kind.
func (f Feature) normalized() Feature {
	out := f.Clone()
	out.Properties["kind"] = string(f.Kind)
	return out
}

// ViewSuggestion is the last camera position a participant chose to share.
// It is advisory only.
type ViewSuggestion struct {
	Center      Coordinate     `json:"center"`
	Zoom        float64        `json:"zoom"`
	Bounds      *[2]Coordinate `json:"bounds,omitempty"`
	SuggestedBy string         `json:"suggestedBy"`
	UpdatedAt   int64          `json:"updatedAt"`
}
