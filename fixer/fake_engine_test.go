package fixer

import (
	"errors"
	"sync"

	"github.com/paulmach/orb"
)

// Point geometries carry their state in Y:
//
//	0  valid
//	1  duplicate vertices, fixed by dedup
//	2  invalid, repaired on the first attempt
//	3  stubborn, the first repair attempt changes nothing
//	4  repairs to an empty geometry
//	9  repair fails with an error
const (
	stateValid = iota
	stateDuplicate
	stateRepairable
	stateStubborn
	stateCollapses
	stateBroken = 9
)

var errRepairFailed = errors.New("repair exploded")

type fakeEngine struct {
	mu       sync.Mutex
	attempts map[float64]int
	repairs  int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{attempts: make(map[float64]int)}
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Validate(g orb.Geometry, _ CheckOptions) Issue {
	p, ok := g.(orb.Point)
	if !ok {
		return Issue{Kind: IssueError, Reason: ReasonNullGeometry}
	}
	if p[1] != stateValid {
		return invalidAt(ReasonSelfIntersection, p)
	}
	return Issue{}
}

func (e *fakeEngine) MakeValid(g orb.Geometry) (orb.Geometry, error) {
	p, ok := g.(orb.Point)
	if !ok {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.repairs++
	e.attempts[p[0]]++
	switch p[1] {
	case stateStubborn:
		if e.attempts[p[0]] == 1 {
			return p, nil
		}
	case stateCollapses:
		return orb.Polygon{}, nil
	case stateBroken:
		return nil, errRepairFailed
	}
	return orb.Point{p[0], stateValid}, nil
}

func (e *fakeEngine) RemoveDuplicateVertices(g orb.Geometry, _ float64) orb.Geometry {
	if p, ok := g.(orb.Point); ok && p[1] == stateDuplicate {
		return orb.Point{p[0], stateValid}
	}
	return g
}

func (e *fakeEngine) repairCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.repairs
}

// pointLayer builds a layer of n point features with FIDs 1..n, all valid
// except those listed in states.
func pointLayer(n int, states map[int64]float64) *MemoryLayer {
	fields := []Field{{Name: "name", Type: FieldString}}
	feats := make([]*Feature, 0, n)
	for fid := int64(1); fid <= int64(n); fid++ {
		feats = append(feats, NewFeature(fid, orb.Point{float64(fid), states[fid]}, map[string]any{"name": "feature"}))
	}
	return NewMemoryLayer("points", fields, feats)
}

func fids(feats []*Feature) []int64 {
	out := make([]int64, len(feats))
	for i, f := range feats {
		out[i] = f.FID
	}
	return out
}
