package fixer

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
)

// ValidityPartition splits a feature set by validity. Issues holds the
// check result of every invalid and error feature, keyed by FID.
type ValidityPartition struct {
	Valid   []*Feature
	Invalid []*Feature
	Errors  []*Feature
	Issues  map[int64]Issue
}

// InvalidFIDs returns the FIDs of the invalid subset in order.
func (vp ValidityPartition) InvalidFIDs() []int64 {
	fids := make([]int64, len(vp.Invalid))
	for i, f := range vp.Invalid {
		fids[i] = f.FID
	}
	return fids
}

// Toolbox runs the collection-level geometry algorithms on top of an Engine.
type Toolbox struct {
	Engine  Engine
	Options CheckOptions
}

// NewToolbox creates a toolbox for engine e.
func NewToolbox(e Engine, opts CheckOptions) *Toolbox {
	return &Toolbox{Engine: e, Options: opts}
}

func (t *Toolbox) ready(op string) error {
	if t == nil || t.Engine == nil {
		return &CollaboratorError{Op: op, Err: ErrEngineUnavailable}
	}
	return nil
}

// CheckValidity partitions feats into valid, invalid and error subsets.
func (t *Toolbox) CheckValidity(ctx context.Context, feats []*Feature) (ValidityPartition, error) {
	const op = "check validity"
	vp := ValidityPartition{Issues: make(map[int64]Issue)}
	if err := t.ready(op); err != nil {
		return vp, err
	}
	for _, f := range feats {
		if err := ctx.Err(); err != nil {
			return vp, &CollaboratorError{Op: op, Err: err}
		}
		is, err := t.validate(f.FID, f.Geometry)
		if err != nil {
			return vp, err
		}
		switch is.Kind {
		case IssueNone:
			vp.Valid = append(vp.Valid, f)
		case IssueInvalid:
			vp.Invalid = append(vp.Invalid, f)
			vp.Issues[f.FID] = is
		default:
			vp.Errors = append(vp.Errors, f)
			vp.Issues[f.FID] = is
		}
	}
	return vp, nil
}

// The engine calls below are guarded so a panicking engine surfaces as a
// collaborator fault.

func (t *Toolbox) validate(fid int64, g orb.Geometry) (is Issue, err error) {
	defer recoverEngine("check validity", fid, &err)
	return t.Engine.Validate(g, t.Options), nil
}

func (t *Toolbox) makeValid(op string, fid int64, g orb.Geometry) (out orb.Geometry, err error) {
	defer recoverEngine(op, fid, &err)
	out, err = t.Engine.MakeValid(g)
	if err != nil {
		return nil, &CollaboratorError{Op: op, FID: fid, Err: err}
	}
	return out, nil
}

func (t *Toolbox) dedup(fid int64, g orb.Geometry, tolerance float64) (out orb.Geometry, err error) {
	defer recoverEngine("remove duplicate vertices", fid, &err)
	return t.Engine.RemoveDuplicateVertices(g, tolerance), nil
}

func recoverEngine(op string, fid int64, err *error) {
	if r := recover(); r != nil {
		*err = &CollaboratorError{Op: op, FID: fid, Err: fmt.Errorf("engine panic: %v", r)}
	}
}

// FixGeometries returns a repaired copy of every feature, keeping FIDs and
// attributes. Unrepairable geometries come back nil.
func (t *Toolbox) FixGeometries(ctx context.Context, feats []*Feature) ([]*Feature, error) {
	const op = "fix geometries"
	if err := t.ready(op); err != nil {
		return nil, err
	}
	out := make([]*Feature, 0, len(feats))
	for _, f := range feats {
		if err := ctx.Err(); err != nil {
			return nil, &CollaboratorError{Op: op, Err: err}
		}
		g, err := t.makeValid(op, f.FID, f.Geometry)
		if err != nil {
			return nil, err
		}
		out = append(out, NewFeature(f.FID, g, f.Attributes))
	}
	return out, nil
}

// RemoveDuplicateVertices returns a copy of every feature with near-duplicate vertices removed.
func (t *Toolbox) RemoveDuplicateVertices(ctx context.Context, feats []*Feature, tolerance float64) ([]*Feature, error) {
	const op = "remove duplicate vertices"
	if err := t.ready(op); err != nil {
		return nil, err
	}
	out := make([]*Feature, 0, len(feats))
	for _, f := range feats {
		if err := ctx.Err(); err != nil {
			return nil, &CollaboratorError{Op: op, Err: err}
		}
		g, err := t.dedup(f.FID, f.Geometry, tolerance)
		if err != nil {
			return nil, err
		}
		out = append(out, NewFeature(f.FID, g, f.Attributes))
	}
	return out, nil
}
