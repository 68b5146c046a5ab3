//go:build geos

// Package geosengine implements fixer.Engine on top of the GEOS library.
package geosengine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/twpayne/go-geos"

	"github.com/kwv/geomfix/fixer"
)

// Engine validates and repairs through GEOS. Vertex deduplication has no
// GEOS counterpart that keeps ring closure, so it is delegated to the
// planar engine.
type Engine struct {
	planar *fixer.PlanarEngine
}

func New() *Engine {
	return &Engine{planar: fixer.NewPlanarEngine()}
}

func (e *Engine) Name() string { return "geos" }

func (e *Engine) Validate(g orb.Geometry, opts fixer.CheckOptions) fixer.Issue {
	if g == nil {
		return fixer.Issue{Kind: fixer.IssueError, Reason: fixer.ReasonNullGeometry}
	}
	gg, err := toGEOS(g)
	if err != nil {
		return fixer.Issue{Kind: fixer.IssueError, Reason: err.Error()}
	}
	defer gg.Destroy()

	if gg.IsValid() {
		return fixer.Issue{}
	}
	reason, at := parseReason(gg.IsValidReason())
	if opts.IgnoreRingSelfIntersection && reason == fixer.ReasonRingSelfIntersect {
		return fixer.Issue{}
	}
	return fixer.Issue{Kind: fixer.IssueInvalid, Reason: reason, Location: at}
}

func (e *Engine) MakeValid(g orb.Geometry) (orb.Geometry, error) {
	if g == nil {
		return nil, nil
	}
	gg, err := toGEOS(g)
	if err != nil {
		return nil, err
	}
	defer gg.Destroy()

	if gg.IsValid() {
		return fromGEOS(gg)
	}
	repaired := gg.MakeValidWithParams(geos.MakeValidLinework, geos.MakeValidDiscardCollapsed)
	if repaired == nil {
		return nil, nil
	}
	defer repaired.Destroy()
	if repaired.IsEmpty() {
		return nil, nil
	}
	return fromGEOS(repaired)
}

func (e *Engine) RemoveDuplicateVertices(g orb.Geometry, tolerance float64) orb.Geometry {
	return e.planar.RemoveDuplicateVertices(g, tolerance)
}

func toGEOS(g orb.Geometry) (*geos.Geom, error) {
	data, err := geojson.NewGeometry(g).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	gg, err := geos.NewGeomFromGeoJSON(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fixer.ReasonInvalidCoordinate, err)
	}
	return gg, nil
}

func fromGEOS(gg *geos.Geom) (orb.Geometry, error) {
	gj, err := geojson.UnmarshalGeometry([]byte(gg.ToGeoJSON(-1)))
	if err != nil {
		return nil, fmt.Errorf("decode geos result: %w", err)
	}
	return gj.Geometry(), nil
}

// parseReason splits GEOS output such as "Self-intersection[5 10]".
func parseReason(s string) (string, orb.Point) {
	i := strings.IndexByte(s, '[')
	if i < 0 || !strings.HasSuffix(s, "]") {
		return s, orb.Point{}
	}
	reason := s[:i]
	coords := strings.Fields(s[i+1 : len(s)-1])
	if len(coords) < 2 {
		return reason, orb.Point{}
	}
	x, errX := strconv.ParseFloat(coords[0], 64)
	y, errY := strconv.ParseFloat(coords[1], 64)
	if errX != nil || errY != nil {
		return reason, orb.Point{}
	}
	return reason, orb.Point{x, y}
}
