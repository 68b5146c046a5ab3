package fixer

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// PlanarEngine is the pure Go geometry engine. It applies the OGC simple
// features validity rules in the plane and repairs polygons by noding their
// rings into simple loops.
type PlanarEngine struct{}

// NewPlanarEngine returns the planar engine.
func NewPlanarEngine() *PlanarEngine {
	return &PlanarEngine{}
}

// Name identifies the engine in reports.
func (e *PlanarEngine) Name() string { return "planar" }

// Validate checks g against the simple features validity rules.
func (e *PlanarEngine) Validate(g orb.Geometry, opts CheckOptions) Issue {
	if g == nil {
		return Issue{Kind: IssueError, Reason: ReasonNullGeometry}
	}
	if p, bad := firstNonFinite(g); bad {
		return invalidAt(ReasonInvalidCoordinate, p)
	}

	switch g := g.(type) {
	case orb.Point, orb.MultiPoint, orb.Bound:
		return Issue{}
	case orb.LineString:
		return validateLineString(g)
	case orb.MultiLineString:
		for _, ls := range g {
			if is := validateLineString(ls); !is.Valid() {
				return is
			}
		}
		return Issue{}
	case orb.Ring:
		return validatePolygon(orb.Polygon{g}, opts)
	case orb.Polygon:
		return validatePolygon(g, opts)
	case orb.MultiPolygon:
		return validateMultiPolygon(g, opts)
	case orb.Collection:
		for _, c := range g {
			if is := e.Validate(c, opts); !is.Valid() {
				return is
			}
		}
		return Issue{}
	}
	return Issue{Kind: IssueError, Reason: fmt.Sprintf("%s: %s", ReasonUnsupportedType, g.GeoJSONType())}
}

func validateLineString(ls orb.LineString) Issue {
	if len(ls) == 0 {
		return Issue{}
	}
	if len(dropRepeated(ls)) < 2 {
		return invalidAt(ReasonTooFewPoints, ls[0])
	}
	return Issue{}
}

// validateRing checks a single ring in isolation.
func validateRing(r orb.Ring, opts CheckOptions) Issue {
	if len(r) == 0 {
		return Issue{}
	}
	if len(r) < 4 {
		return invalidAt(ReasonTooFewRingPoints, r[0])
	}
	if r[0] != r[len(r)-1] {
		return invalidAt(ReasonRingNotClosed, r[0])
	}

	pts := dropRepeated(r)
	if len(pts) < 4 {
		return invalidAt(ReasonTooFewRingPoints, r[0])
	}
	if collinear(pts) {
		return invalidAt(ReasonZeroAreaRing, pts[0])
	}
	if is := ringSelfIntersection(pts, opts); !is.Valid() {
		return is
	}
	if signedArea(pts) == 0 {
		return invalidAt(ReasonZeroAreaRing, pts[0])
	}
	return Issue{}
}

// collinear reports whether every coordinate lies on one line.
func collinear(pts []orb.Point) bool {
	for i := 2; i < len(pts); i++ {
		if cross(pts[0], pts[1], pts[i]) != 0 {
			return false
		}
	}
	return true
}

// ringSelfIntersection looks for segments of a closed ring without repeated
// points that cross, overlap, or touch away from their shared vertices.
func ringSelfIntersection(pts []orb.Point, opts CheckOptions) Issue {
	n := len(pts) - 1
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			adjacent := j == i+1 || (i == 0 && j == n-1)
			kind, p, _ := intersectSegments(pts[i], pts[i+1], pts[j], pts[j+1])
			switch kind {
			case hitNone:
				continue
			case hitOverlap:
				return invalidAt(ReasonSelfIntersection, p)
			}
			if adjacent {
				continue
			}
			if isEndpoint(p, pts[i], pts[i+1]) && isEndpoint(p, pts[j], pts[j+1]) {
				if opts.IgnoreRingSelfIntersection {
					continue
				}
				return invalidAt(ReasonRingSelfIntersect, p)
			}
			return invalidAt(ReasonSelfIntersection, p)
		}
	}
	return Issue{}
}

func isEndpoint(p, a, b orb.Point) bool {
	return p == a || p == b
}

func validatePolygon(p orb.Polygon, opts CheckOptions) Issue {
	if len(p) == 0 || len(p[0]) == 0 {
		return Issue{}
	}
	for _, r := range p {
		if is := validateRing(r, opts); !is.Valid() {
			return is
		}
	}

	shell := p[0]
	for i := 1; i < len(p); i++ {
		hole := p[i]
		if len(hole) == 0 {
			continue
		}
		if is := ringsCross(shell, hole); !is.Valid() {
			return is
		}
		sample := interiorSample(hole, shell)
		if !planar.RingContains(shell, sample) {
			return invalidAt(ReasonHoleOutsideShell, sample)
		}
		for j := 1; j < len(p); j++ {
			if j == i || len(p[j]) == 0 {
				continue
			}
			if j > i {
				if is := ringsCross(hole, p[j]); !is.Valid() {
					return is
				}
			}
			inner := interiorSample(hole, p[j])
			if !pointOnRing(p[j], inner) && planar.RingContains(p[j], inner) {
				return invalidAt(ReasonNestedHoles, inner)
			}
		}
	}
	return Issue{}
}

// ringsCross reports a crossing or shared stretch between two distinct rings.
// Touching at a single vertex is allowed.
func ringsCross(a, b orb.Ring) Issue {
	ab, bb := a.Bound(), b.Bound()
	if !ab.Intersects(bb) {
		return Issue{}
	}
	for i := 0; i+1 < len(a); i++ {
		for j := 0; j+1 < len(b); j++ {
			kind, p, _ := intersectSegments(a[i], a[i+1], b[j], b[j+1])
			switch kind {
			case hitOverlap:
				return invalidAt(ReasonSelfIntersection, p)
			case hitPoint:
				if isEndpoint(p, a[i], a[i+1]) || isEndpoint(p, b[j], b[j+1]) {
					continue
				}
				return invalidAt(ReasonSelfIntersection, p)
			}
		}
	}
	return Issue{}
}

func validateMultiPolygon(mp orb.MultiPolygon, opts CheckOptions) Issue {
	for _, p := range mp {
		if is := validatePolygon(p, opts); !is.Valid() {
			return is
		}
	}
	for i := range mp {
		if len(mp[i]) == 0 || len(mp[i][0]) == 0 {
			continue
		}
		for j := i + 1; j < len(mp); j++ {
			if len(mp[j]) == 0 || len(mp[j][0]) == 0 {
				continue
			}
			if is := ringsCross(mp[i][0], mp[j][0]); !is.Valid() {
				return is
			}
			if s := interiorSample(mp[i][0], mp[j][0]); planar.PolygonContains(mp[j], s) {
				return invalidAt(ReasonNestedShells, s)
			}
			if s := interiorSample(mp[j][0], mp[i][0]); planar.PolygonContains(mp[i], s) {
				return invalidAt(ReasonNestedShells, s)
			}
		}
	}
	return Issue{}
}
