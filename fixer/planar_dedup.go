package fixer

import "github.com/paulmach/orb"

// RemoveDuplicateVertices drops every vertex lying within tolerance of the
// previously kept vertex of the same part. Rings stay closed with at least
// four coordinates and lines keep their end points; a part that would
// collapse is returned unchanged.
func (e *PlanarEngine) RemoveDuplicateVertices(g orb.Geometry, tolerance float64) orb.Geometry {
	if tolerance < 0 {
		tolerance = 0
	}
	switch g := g.(type) {
	case nil:
		return nil
	case orb.LineString:
		return dedupLineString(g, tolerance)
	case orb.MultiLineString:
		out := make(orb.MultiLineString, len(g))
		for i, ls := range g {
			out[i] = dedupLineString(ls, tolerance)
		}
		return out
	case orb.Ring:
		return dedupRing(g, tolerance)
	case orb.Polygon:
		return dedupPolygon(g, tolerance)
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(g))
		for i, p := range g {
			out[i] = dedupPolygon(p, tolerance)
		}
		return out
	case orb.Collection:
		out := make(orb.Collection, len(g))
		for i, c := range g {
			out[i] = e.RemoveDuplicateVertices(c, tolerance)
		}
		return out
	}
	return orb.Clone(g)
}

func dedupLineString(ls orb.LineString, tolerance float64) orb.LineString {
	if len(ls) <= 2 {
		return append(orb.LineString(nil), ls...)
	}
	out := orb.LineString{ls[0]}
	for _, p := range ls[1:] {
		if distance(p, out[len(out)-1]) > tolerance {
			out = append(out, p)
		}
	}
	end := ls[len(ls)-1]
	if out[len(out)-1] != end {
		if len(out) > 1 {
			out[len(out)-1] = end
		} else {
			out = append(out, end)
		}
	}
	return out
}

func dedupRing(r orb.Ring, tolerance float64) orb.Ring {
	if len(r) < 4 {
		return append(orb.Ring(nil), r...)
	}
	open := r
	if r[0] == r[len(r)-1] {
		open = r[:len(r)-1]
	}
	out := orb.Ring{open[0]}
	for _, p := range open[1:] {
		if distance(p, out[len(out)-1]) > tolerance {
			out = append(out, p)
		}
	}
	for len(out) > 1 && distance(out[len(out)-1], out[0]) <= tolerance {
		out = out[:len(out)-1]
	}
	out = append(out, out[0])
	if len(out) < 4 {
		return append(orb.Ring(nil), r...)
	}
	return out
}

func dedupPolygon(p orb.Polygon, tolerance float64) orb.Polygon {
	out := make(orb.Polygon, len(p))
	for i, r := range p {
		out[i] = dedupRing(r, tolerance)
	}
	return out
}
