package fixer

import (
	"math"

	"github.com/paulmach/orb"
)

// segmentHit classifies how two segments meet.
type segmentHit int

const (
	hitNone segmentHit = iota
	hitPoint
	hitOverlap
)

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// onSegment reports whether p, known to be collinear with a-b, lies within its extent.
func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}

// intersectSegments returns how segment a-b meets segment c-d. For hitPoint
// the meeting point is returned in p; for hitOverlap the shared stretch is p-q.
func intersectSegments(a, b, c, d orb.Point) (kind segmentHit, p, q orb.Point) {
	d1 := sign(cross(a, b, c))
	d2 := sign(cross(a, b, d))
	d3 := sign(cross(c, d, a))
	d4 := sign(cross(c, d, b))

	if d1 == 0 && d2 == 0 {
		return collinearOverlap(a, b, c, d)
	}

	if d1*d2 < 0 && d3*d4 < 0 {
		r := orb.Point{b[0] - a[0], b[1] - a[1]}
		s := orb.Point{d[0] - c[0], d[1] - c[1]}
		denom := r[0]*s[1] - r[1]*s[0]
		t := ((c[0]-a[0])*s[1] - (c[1]-a[1])*s[0]) / denom
		return hitPoint, orb.Point{a[0] + t*r[0], a[1] + t*r[1]}, orb.Point{}
	}

	switch {
	case d1 == 0 && onSegment(a, b, c):
		return hitPoint, c, orb.Point{}
	case d2 == 0 && onSegment(a, b, d):
		return hitPoint, d, orb.Point{}
	case d3 == 0 && onSegment(c, d, a):
		return hitPoint, a, orb.Point{}
	case d4 == 0 && onSegment(c, d, b):
		return hitPoint, b, orb.Point{}
	}
	return hitNone, orb.Point{}, orb.Point{}
}

// collinearOverlap handles two segments lying on the same line.
func collinearOverlap(a, b, c, d orb.Point) (segmentHit, orb.Point, orb.Point) {
	axis := 0
	if math.Abs(b[0]-a[0]) < math.Abs(b[1]-a[1]) {
		axis = 1
	}
	if a == b {
		if math.Abs(d[0]-c[0]) < math.Abs(d[1]-c[1]) {
			axis = 1
		} else {
			axis = 0
		}
	}

	lo1, hi1 := a, b
	if lo1[axis] > hi1[axis] {
		lo1, hi1 = hi1, lo1
	}
	lo2, hi2 := c, d
	if lo2[axis] > hi2[axis] {
		lo2, hi2 = hi2, lo2
	}

	lo := lo1
	if lo2[axis] > lo[axis] {
		lo = lo2
	}
	hi := hi1
	if hi2[axis] < hi[axis] {
		hi = hi2
	}

	switch {
	case lo[axis] > hi[axis]:
		return hitNone, orb.Point{}, orb.Point{}
	case lo == hi || lo[axis] == hi[axis]:
		return hitPoint, lo, orb.Point{}
	}
	return hitOverlap, lo, hi
}

// segmentParam returns where p falls along a-b, 0 at a and 1 at b.
func segmentParam(a, b, p orb.Point) float64 {
	dx, dy := b[0]-a[0], b[1]-a[1]
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return 0
	}
	return ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / l2
}

func distance(a, b orb.Point) float64 {
	return math.Hypot(a[0]-b[0], a[1]-b[1])
}

// signedArea is positive for counter-clockwise rings.
func signedArea(r orb.Ring) float64 {
	if len(r) < 3 {
		return 0
	}
	sum := 0.0
	for i := 0; i < len(r)-1; i++ {
		sum += r[i][0]*r[i+1][1] - r[i+1][0]*r[i][1]
	}
	last := r[len(r)-1]
	if last != r[0] {
		sum += last[0]*r[0][1] - r[0][0]*last[1]
	}
	return sum / 2
}

// dropRepeated removes consecutive identical coordinates.
func dropRepeated(pts []orb.Point) []orb.Point {
	out := make([]orb.Point, 0, len(pts))
	for _, p := range pts {
		if len(out) > 0 && out[len(out)-1] == p {
			continue
		}
		out = append(out, p)
	}
	return out
}

// insideEvenOdd reports whether p, which must not lie on r, is inside r under
// the even-odd rule.
func insideEvenOdd(r orb.Ring, p orb.Point) bool {
	in := false
	for i := 0; i+1 < len(r); i++ {
		a, b := r[i], r[i+1]
		if (a[1] > p[1]) == (b[1] > p[1]) {
			continue
		}
		x := a[0] + (p[1]-a[1])*(b[0]-a[0])/(b[1]-a[1])
		if p[0] < x {
			in = !in
		}
	}
	return in
}

// pointSegmentDistance returns the distance from p to segment a-b.
func pointSegmentDistance(p, a, b orb.Point) float64 {
	t := segmentParam(a, b, p)
	switch {
	case t <= 0:
		return distance(p, a)
	case t >= 1:
		return distance(p, b)
	}
	return distance(p, orb.Point{a[0] + t*(b[0]-a[0]), a[1] + t*(b[1]-a[1])})
}

// pointOnRing reports whether p lies on the boundary of r.
func pointOnRing(r orb.Ring, p orb.Point) bool {
	for i := 0; i+1 < len(r); i++ {
		if sign(cross(r[i], r[i+1], p)) == 0 && onSegment(r[i], r[i+1], p) {
			return true
		}
	}
	return false
}

// interiorSample returns a coordinate of r that is not on the boundary of other,
// falling back to the midpoint of r's first segment.
func interiorSample(r, other orb.Ring) orb.Point {
	for _, p := range r {
		if !pointOnRing(other, p) {
			return p
		}
	}
	for i := 0; i+1 < len(r); i++ {
		mid := orb.Point{(r[i][0] + r[i+1][0]) / 2, (r[i][1] + r[i+1][1]) / 2}
		if !pointOnRing(other, mid) {
			return mid
		}
	}
	return r[0]
}
