package fixer

import (
	"math"

	"github.com/paulmach/orb"
)

// Validity reasons reported by the planar engine. The wording follows GEOS so
// reports read the same whichever engine produced them.
const (
	ReasonNullGeometry      = "Null geometry"
	ReasonInvalidCoordinate = "Invalid Coordinate"
	ReasonTooFewPoints      = "Too few points in geometry component"
	ReasonTooFewRingPoints  = "Too few points in ring"
	ReasonRingNotClosed     = "Ring is not closed"
	ReasonZeroAreaRing      = "Zero area ring"
	ReasonSelfIntersection  = "Self-intersection"
	ReasonRingSelfIntersect = "Ring Self-intersection"
	ReasonHoleOutsideShell  = "Hole lies outside shell"
	ReasonNestedHoles       = "Holes are nested"
	ReasonNestedShells      = "Nested shells"
	ReasonUnsupportedType   = "Unsupported geometry type"
)

// IssueKind classifies the outcome of a validity check.
type IssueKind int

const (
	// IssueNone means the geometry is valid.
	IssueNone IssueKind = iota
	// IssueInvalid means the geometry violates a validity rule and may be repaired.
	IssueInvalid
	// IssueError means the geometry could not be checked at all (null or unsupported).
	IssueError
)

func (k IssueKind) String() string {
	switch k {
	case IssueNone:
		return "valid"
	case IssueInvalid:
		return "invalid"
	case IssueError:
		return "error"
	}
	return "unknown"
}

// Issue is the result of checking one geometry.
type Issue struct {
	Kind     IssueKind `json:"kind"`
	Reason   string    `json:"reason,omitempty"`
	Location orb.Point `json:"location,omitempty"`
}

// Valid reports whether the checked geometry passed.
func (i Issue) Valid() bool { return i.Kind == IssueNone }

func invalidAt(reason string, at orb.Point) Issue {
	return Issue{Kind: IssueInvalid, Reason: reason, Location: at}
}

// CheckOptions tunes the validity check.
type CheckOptions struct {
	// IgnoreRingSelfIntersection accepts rings that touch themselves at a vertex.
	IgnoreRingSelfIntersection bool `yaml:"ignoreRingSelfIntersection" json:"ignoreRingSelfIntersection"`
}

// Engine provides the single-geometry operations the toolbox and workflow build on.
type Engine interface {
	Name() string
	// Validate checks g. A nil geometry yields an IssueError result.
	Validate(g orb.Geometry, opts CheckOptions) Issue
	// MakeValid repairs g. A nil result means the geometry could not be repaired.
	MakeValid(g orb.Geometry) (orb.Geometry, error)
	// RemoveDuplicateVertices drops vertices closer than tolerance to their predecessor.
	RemoveDuplicateVertices(g orb.Geometry, tolerance float64) orb.Geometry
}

// IsEmptyGeometry reports whether g is nil or has no coordinates.
func IsEmptyGeometry(g orb.Geometry) bool {
	switch g := g.(type) {
	case nil:
		return true
	case orb.Point, orb.Bound:
		return false
	case orb.MultiPoint:
		return len(g) == 0
	case orb.LineString:
		return len(g) == 0
	case orb.Ring:
		return len(g) == 0
	case orb.MultiLineString:
		for _, ls := range g {
			if len(ls) > 0 {
				return false
			}
		}
		return true
	case orb.Polygon:
		return len(g) == 0 || len(g[0]) == 0
	case orb.MultiPolygon:
		for _, p := range g {
			if len(p) > 0 && len(p[0]) > 0 {
				return false
			}
		}
		return true
	case orb.Collection:
		for _, c := range g {
			if !IsEmptyGeometry(c) {
				return false
			}
		}
		return true
	}
	return false
}

// eachPoint calls fn for every coordinate of g until fn returns false.
func eachPoint(g orb.Geometry, fn func(orb.Point) bool) bool {
	switch g := g.(type) {
	case orb.Point:
		return fn(g)
	case orb.MultiPoint:
		for _, p := range g {
			if !fn(p) {
				return false
			}
		}
	case orb.LineString:
		for _, p := range g {
			if !fn(p) {
				return false
			}
		}
	case orb.Ring:
		for _, p := range g {
			if !fn(p) {
				return false
			}
		}
	case orb.MultiLineString:
		for _, ls := range g {
			if !eachPoint(ls, fn) {
				return false
			}
		}
	case orb.Polygon:
		for _, r := range g {
			if !eachPoint(r, fn) {
				return false
			}
		}
	case orb.MultiPolygon:
		for _, p := range g {
			if !eachPoint(p, fn) {
				return false
			}
		}
	case orb.Collection:
		for _, c := range g {
			if !eachPoint(c, fn) {
				return false
			}
		}
	case orb.Bound:
		return fn(g.Min) && fn(g.Max)
	}
	return true
}

// firstNonFinite returns the first coordinate holding NaN or Inf.
func firstNonFinite(g orb.Geometry) (orb.Point, bool) {
	var bad orb.Point
	found := false
	eachPoint(g, func(p orb.Point) bool {
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
			bad, found = p, true
			return false
		}
		return true
	})
	return bad, found
}

// countPoints returns the number of coordinates in g.
func countPoints(g orb.Geometry) int {
	n := 0
	eachPoint(g, func(orb.Point) bool {
		n++
		return true
	})
	return n
}
