package fixer

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// MakeValid repairs g. Valid input is returned unchanged. Polygonal input is
// rebuilt from the noded linework of all its rings together; collapsed parts
// are dropped. A nil result is returned when nothing survives or the rebuilt
// geometry still fails the validity check.
func (e *PlanarEngine) MakeValid(g orb.Geometry) (orb.Geometry, error) {
	if g == nil {
		return nil, nil
	}
	if e.Validate(g, CheckOptions{}).Valid() {
		return orb.Clone(g), nil
	}
	if _, bad := firstNonFinite(g); bad {
		return nil, nil
	}

	out, err := e.repair(g)
	if err != nil || out == nil {
		return nil, err
	}
	if !e.Validate(out, CheckOptions{}).Valid() {
		return nil, nil
	}
	return out, nil
}

func (e *PlanarEngine) repair(g orb.Geometry) (orb.Geometry, error) {
	switch g := g.(type) {
	case orb.LineString:
		return repairLineString(g), nil
	case orb.MultiLineString:
		var out orb.MultiLineString
		for _, ls := range g {
			if r := repairLineString(ls); r != nil {
				out = append(out, r.(orb.LineString))
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	case orb.Ring:
		return collectPolygons(repairArea(orb.MultiPolygon{{g}})), nil
	case orb.Polygon:
		return collectPolygons(repairArea(orb.MultiPolygon{g})), nil
	case orb.MultiPolygon:
		return collectPolygons(repairArea(g)), nil
	case orb.Collection:
		var out orb.Collection
		for _, c := range g {
			r, err := e.MakeValid(c)
			if err != nil {
				return nil, err
			}
			if r != nil {
				out = append(out, r)
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	}
	return orb.Clone(g), nil
}

func repairLineString(ls orb.LineString) orb.Geometry {
	pts := dropRepeated(ls)
	if len(pts) < 2 {
		return nil
	}
	return orb.LineString(pts)
}

func collectPolygons(polys []orb.Polygon) orb.Geometry {
	switch len(polys) {
	case 0:
		return nil
	case 1:
		return polys[0]
	}
	return orb.MultiPolygon(polys)
}

// repairArea rebuilds polygons from the linework of mp. Every ring of every
// part is noded against all others, so crossings between a shell and its
// holes or between parts become vertices. A point is covered when it lies in
// some part: inside that part's shell ring (even-odd) and outside each of its
// holes. The edges separating covered from uncovered faces are traced into
// rings, which are then assembled into polygons.
func repairArea(mp orb.MultiPolygon) []orb.Polygon {
	var parts [][]orb.Ring
	var segs []segment
	for _, p := range mp {
		var rings []orb.Ring
		for _, r := range p {
			c := closedRing(r)
			if c == nil {
				if len(rings) == 0 {
					break // collapsed shell covers nothing
				}
				continue
			}
			rings = append(rings, c)
			for i := 0; i+1 < len(c); i++ {
				segs = append(segs, segment{c[i], c[i+1]})
			}
		}
		if len(rings) > 0 {
			parts = append(parts, rings)
		}
	}
	if len(parts) == 0 {
		return nil
	}

	covered := func(pt orb.Point) bool {
		for _, rings := range parts {
			if !insideEvenOdd(rings[0], pt) {
				continue
			}
			hole := false
			for _, h := range rings[1:] {
				if insideEvenOdd(h, pt) {
					hole = true
					break
				}
			}
			if !hole {
				return true
			}
		}
		return false
	}

	edges := boundaryEdges(nodeSegments(segs), covered)
	var shells, holes []orb.Ring
	for _, r := range traceRings(edges) {
		for _, loop := range splitAtRepeats(r) {
			switch a := signedArea(loop); {
			case a > 0:
				shells = append(shells, loop)
			case a < 0:
				holes = append(holes, loop)
			}
		}
	}
	return assemblePolygons(shells, holes)
}

// closedRing drops repeated coordinates and closes r. Rings left with fewer
// than four coordinates return nil.
func closedRing(r orb.Ring) orb.Ring {
	pts := dropRepeated(r)
	if len(pts) > 0 && pts[0] != pts[len(pts)-1] {
		pts = append(pts, pts[0])
	}
	if len(pts) < 4 {
		return nil
	}
	return orb.Ring(pts)
}

type segment struct {
	a, b orb.Point
}

type splitPoint struct {
	t float64
	p orb.Point
}

// nodeSegments splits every segment at its intersections with all others and
// returns the distinct pieces in input order.
func nodeSegments(segs []segment) []segment {
	splits := make([][]splitPoint, len(segs))
	add := func(i int, p orb.Point) {
		s := segs[i]
		if p == s.a || p == s.b {
			return
		}
		splits[i] = append(splits[i], splitPoint{t: segmentParam(s.a, s.b, p), p: p})
	}
	for i := range segs {
		for j := i + 1; j < len(segs); j++ {
			kind, p, q := intersectSegments(segs[i].a, segs[i].b, segs[j].a, segs[j].b)
			switch kind {
			case hitPoint:
				add(i, p)
				add(j, p)
			case hitOverlap:
				add(i, p)
				add(i, q)
				add(j, p)
				add(j, q)
			}
		}
	}

	seen := make(map[segment]bool)
	var out []segment
	emit := func(a, b orb.Point) {
		if a == b {
			return
		}
		key := segment{a, b}
		if b[0] < a[0] || (b[0] == a[0] && b[1] < a[1]) {
			key = segment{b, a}
		}
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, segment{a, b})
	}
	for i, s := range segs {
		sp := splits[i]
		sort.Slice(sp, func(x, y int) bool { return sp[x].t < sp[y].t })
		prev := s.a
		for _, p := range sp {
			emit(prev, p.p)
			prev = p.p
		}
		emit(prev, s.b)
	}
	return out
}

// boundaryEdges keeps the noded edges with a covered face on exactly one side,
// directed so the covered face lies to their left. Each side is sampled at a
// point closer to the edge's midpoint than any other edge is.
func boundaryEdges(edges []segment, covered func(orb.Point) bool) []segment {
	var out []segment
	for i, e := range edges {
		length := distance(e.a, e.b)
		mid := orb.Point{(e.a[0] + e.b[0]) / 2, (e.a[1] + e.b[1]) / 2}
		clearance := length / 2
		for j, o := range edges {
			if j == i {
				continue
			}
			if d := pointSegmentDistance(mid, o.a, o.b); d < clearance {
				clearance = d
			}
		}
		if clearance <= 0 {
			continue
		}
		off := clearance / 2
		nx, ny := -(e.b[1]-e.a[1])/length, (e.b[0]-e.a[0])/length
		left := covered(orb.Point{mid[0] + nx*off, mid[1] + ny*off})
		right := covered(orb.Point{mid[0] - nx*off, mid[1] - ny*off})
		switch {
		case left && !right:
			out = append(out, e)
		case right && !left:
			out = append(out, segment{e.b, e.a})
		}
	}
	return out
}

// traceRings links directed boundary edges into closed rings. At each vertex
// the walk takes the outgoing edge met first turning clockwise from the way
// it came in, which keeps it against the covered side.
func traceRings(edges []segment) []orb.Ring {
	outgoing := make(map[orb.Point][]int)
	for i, e := range edges {
		outgoing[e.a] = append(outgoing[e.a], i)
	}
	used := make([]bool, len(edges))

	var rings []orb.Ring
	for start := range edges {
		if used[start] {
			continue
		}
		ring := orb.Ring{edges[start].a}
		cur := start
		for {
			used[cur] = true
			e := edges[cur]
			ring = append(ring, e.b)
			next := -1
			best := math.Inf(1)
			back := math.Atan2(e.a[1]-e.b[1], e.a[0]-e.b[0])
			for _, k := range outgoing[e.b] {
				if used[k] && k != start {
					continue
				}
				o := edges[k]
				turn := back - math.Atan2(o.b[1]-o.a[1], o.b[0]-o.a[0])
				for turn <= 0 {
					turn += 2 * math.Pi
				}
				if turn < best {
					best, next = turn, k
				}
			}
			if next < 0 || next == start {
				break
			}
			cur = next
		}
		if ring[0] == ring[len(ring)-1] && len(ring) >= 4 {
			rings = append(rings, ring)
		}
	}
	return rings
}

// splitAtRepeats cuts a closed ring into simple loops, cutting one off each
// time a coordinate repeats.
func splitAtRepeats(r orb.Ring) []orb.Ring {
	var loops []orb.Ring
	var stack []orb.Point
	for _, p := range r {
		idx := -1
		for k := len(stack) - 1; k >= 0; k-- {
			if stack[k] == p {
				idx = k
				break
			}
		}
		if idx < 0 {
			stack = append(stack, p)
			continue
		}
		loop := make(orb.Ring, 0, len(stack)-idx+1)
		loop = append(loop, stack[idx:]...)
		loop = append(loop, p)
		if len(loop) >= 4 {
			loops = append(loops, loop)
		}
		stack = stack[:idx+1]
	}
	return loops
}

// assemblePolygons attaches each clockwise hole to the smallest
// counter-clockwise shell containing it.
func assemblePolygons(shells, holes []orb.Ring) []orb.Polygon {
	if len(shells) == 0 {
		return nil
	}
	polys := make([]orb.Polygon, len(shells))
	for i, s := range shells {
		polys[i] = orb.Polygon{s}
	}
	for _, h := range holes {
		owner := -1
		for i, s := range shells {
			if !s.Bound().Intersects(h.Bound()) {
				continue
			}
			if !insideEvenOdd(s, interiorSample(h, s)) {
				continue
			}
			if owner < 0 || signedArea(s) < signedArea(shells[owner]) {
				owner = i
			}
		}
		if owner >= 0 {
			polys[owner] = append(polys[owner], h)
		}
	}
	return polys
}
