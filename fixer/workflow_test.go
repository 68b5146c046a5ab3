package fixer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeWorkflow(e Engine, opts ...WorkflowOption) *Workflow {
	return NewWorkflow(NewToolbox(e, CheckOptions{}), opts...)
}

// ----------------------------------------------------------------------------
// Worked example: 10 features, ids 4, 7 and 9 invalid
// ----------------------------------------------------------------------------

func TestReconcile_ReplaceExample(t *testing.T) {
	layer := pointLayer(10, map[int64]float64{4: stateRepairable, 7: stateRepairable, 9: stateRepairable})
	rep, err := newFakeWorkflow(newFakeEngine()).Reconcile(context.Background(), layer, PolicyReplace)
	require.NoError(t, err)

	assert.Equal(t, OutcomeReconciled, rep.Outcome)
	assert.Equal(t, 10, rep.OriginalCount)
	assert.Equal(t, 10, rep.FinalCount)
	assert.Equal(t, 10, layer.FeatureCount())
	assert.Equal(t, 3, rep.InvalidCount)
	assert.Equal(t, 3, rep.FixedCount)
	assert.Equal(t, 0, rep.RemovedEmptyCount)
	assert.Equal(t, "3", rep.FixedDisplay())
	assert.Equal(t, []int64{4, 7, 9}, invalidFIDs(rep))
	assert.Equal(t, "In layer points, 3 invalid features fixed and cleaned.", rep.Summary())

	var buf bytes.Buffer
	require.NoError(t, FormatText(&buf, rep))
	assert.Contains(t, buf.String(), "Fixed features: 3")

	// originals are gone, replacements carry new FIDs
	ids := fids(layer.Features())
	assert.NotContains(t, ids, int64(4))
	assert.NotContains(t, ids, int64(7))
	assert.NotContains(t, ids, int64(9))
	assert.False(t, layer.IsEditing())
}

func TestReconcile_AppendPreserveExample(t *testing.T) {
	layer := pointLayer(10, map[int64]float64{4: stateRepairable, 7: stateRepairable, 9: stateRepairable})
	rep, err := newFakeWorkflow(newFakeEngine()).Reconcile(context.Background(), layer, PolicyAppendPreserve)
	require.NoError(t, err)

	assert.Equal(t, 13, rep.FinalCount)
	assert.Equal(t, 13, layer.FeatureCount())
	assert.Equal(t, 3, rep.InvalidCount)
	assert.Equal(t, 3, rep.AddedCount)

	// invalid originals stay
	ids := fids(layer.Features())
	assert.Contains(t, ids, int64(4))
	assert.Contains(t, ids, int64(7))
	assert.Contains(t, ids, int64(9))
	assert.Equal(t, "In layer points, 3 invalid features found, 3 fixed copies added.", rep.Summary())
}

func TestReconcile_InPlaceThenAppendExample(t *testing.T) {
	engine := newFakeEngine()
	layer := pointLayer(10, map[int64]float64{4: stateStubborn, 7: stateDuplicate, 9: stateStubborn})
	rep, err := newFakeWorkflow(engine).Reconcile(context.Background(), layer, PolicyInPlaceThenAppend)
	require.NoError(t, err)

	assert.Equal(t, 12, rep.FinalCount)
	assert.Equal(t, 12, layer.FeatureCount())
	assert.Equal(t, []int64{4, 9}, rep.ActionRequired)
	assert.Equal(t, 3, rep.InvalidCount)
	assert.Equal(t, 1, rep.AutoFixedCount)
	assert.Equal(t, 1, rep.DeduplicatedCount)
	assert.Equal(t, 2, rep.FixedCount)
	assert.Equal(t, 2, rep.AddedCount)
	// one failed in-place attempt and one collection repair each for 4 and 9
	assert.Equal(t, 4, engine.repairCount())

	// no feature present before the run was deleted
	ids := fids(layer.Features())
	for fid := int64(1); fid <= 10; fid++ {
		assert.Contains(t, ids, fid)
	}

	// 7 was fixed in place
	for _, f := range layer.Features() {
		if f.FID == 7 {
			assert.Equal(t, orb.Point{7, stateValid}, f.Geometry)
		}
	}
	require.Len(t, rep.Invalid, 3)
	for _, entry := range rep.Invalid {
		assert.Equal(t, entry.FID == 7, entry.AutoFixed, "fid %d", entry.FID)
		assert.NotNil(t, entry.Repaired, "fid %d", entry.FID)
	}

	assert.Equal(t,
		"In layer points, 1 geometries fixed in place, 2 fixed copies added. 2 features need manual review: 4, 9.",
		rep.Summary())
}

func invalidFIDs(r *Report) []int64 {
	out := make([]int64, len(r.Invalid))
	for i, f := range r.Invalid {
		out[i] = f.FID
	}
	return out
}

// ----------------------------------------------------------------------------
// Policy invariants
// ----------------------------------------------------------------------------

func TestReconcile_NoInvalid(t *testing.T) {
	for _, policy := range Policies {
		t.Run(string(policy), func(t *testing.T) {
			layer := pointLayer(5, nil)
			rep, err := newFakeWorkflow(newFakeEngine()).Reconcile(context.Background(), layer, policy)
			require.NoError(t, err)
			assert.Equal(t, OutcomeNoInvalid, rep.Outcome)
			assert.Equal(t, NoInvalidMessage, rep.Summary())
			assert.Equal(t, 5, rep.FinalCount)
			assert.Empty(t, rep.Invalid)
			assert.NotNil(t, rep.ActionRequired)
			assert.False(t, layer.IsEditing())
		})
	}
}

func TestReconcile_ReplaceIdempotent(t *testing.T) {
	wf := newFakeWorkflow(newFakeEngine())
	layer := pointLayer(6, map[int64]float64{2: stateRepairable, 5: stateRepairable})

	first, err := wf.Reconcile(context.Background(), layer, PolicyReplace)
	require.NoError(t, err)
	require.Equal(t, 2, first.InvalidCount)

	second, err := wf.Reconcile(context.Background(), layer, PolicyReplace)
	require.NoError(t, err)
	assert.Equal(t, 0, second.InvalidCount)
	assert.Equal(t, OutcomeNoInvalid, second.Outcome)
	assert.Equal(t, first.FinalCount, second.FinalCount)
}

func TestReconcile_AppendPreserveRepeats(t *testing.T) {
	wf := newFakeWorkflow(newFakeEngine())
	layer := pointLayer(6, map[int64]float64{2: stateRepairable})

	first, err := wf.Reconcile(context.Background(), layer, PolicyAppendPreserve)
	require.NoError(t, err)
	assert.Equal(t, 7, first.FinalCount)

	// the invalid original is kept, so every run appends another copy
	second, err := wf.Reconcile(context.Background(), layer, PolicyAppendPreserve)
	require.NoError(t, err)
	assert.Equal(t, 1, second.InvalidCount)
	assert.Equal(t, 8, second.FinalCount)
}

func TestReconcile_ReplaceDropsEmptyRepairs(t *testing.T) {
	layer := pointLayer(4, map[int64]float64{2: stateCollapses, 3: stateRepairable})
	rep, err := newFakeWorkflow(newFakeEngine()).Reconcile(context.Background(), layer, PolicyReplace)
	require.NoError(t, err)

	assert.Equal(t, 3, rep.FinalCount)
	assert.Equal(t, 1, rep.FixedCount)
	assert.Equal(t, 1, rep.RemovedEmptyCount)
	assert.Equal(t, "1 has been fixed, 1 has been removed as empty geometry", rep.FixedDisplay())
}

func TestReconcile_AppendSkipsEmptyRepairs(t *testing.T) {
	layer := pointLayer(4, map[int64]float64{2: stateCollapses, 3: stateRepairable})
	rep, err := newFakeWorkflow(newFakeEngine()).Reconcile(context.Background(), layer, PolicyAppendPreserve)
	require.NoError(t, err)

	assert.Equal(t, 5, rep.FinalCount)
	assert.Equal(t, 1, rep.AddedCount)
	assert.Equal(t, 1, rep.RemovedEmptyCount)
}

func TestReconcile_NullGeometriesAreErrors(t *testing.T) {
	layer := NewMemoryLayer("mixed", nil, []*Feature{
		NewFeature(1, orb.Point{1, stateValid}, nil),
		NewFeature(2, nil, nil),
		NewFeature(3, orb.Point{3, stateRepairable}, nil),
	})
	rep, err := newFakeWorkflow(newFakeEngine()).Reconcile(context.Background(), layer, PolicyInPlaceThenAppend)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.ErrorCount)
	assert.Equal(t, 1, rep.InvalidCount)
	assert.Equal(t, 1, rep.AutoFixedCount)
	assert.Equal(t, 3, rep.FinalCount)
	assert.Empty(t, rep.ActionRequired)
}

// ----------------------------------------------------------------------------
// Failures and edit sessions
// ----------------------------------------------------------------------------

func TestReconcile_CollaboratorErrorRollsBack(t *testing.T) {
	layer := pointLayer(5, map[int64]float64{2: stateDuplicate, 4: stateBroken})
	before := layer.Features()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	_, err := newFakeWorkflow(newFakeEngine(), WithMetrics(m)).Reconcile(context.Background(), layer, PolicyInPlaceThenAppend)
	require.Error(t, err)

	assert.True(t, IsCollaboratorError(err))
	assert.ErrorIs(t, err, errRepairFailed)
	var ce *CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(4), ce.FID)

	assert.False(t, layer.IsEditing())
	assert.Equal(t, before, layer.Features(), "the in-place dedup of 2 must be rolled back")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues(string(PolicyInPlaceThenAppend))))
}

func TestReconcile_ReplaceCollaboratorErrorLeavesLayer(t *testing.T) {
	layer := pointLayer(3, map[int64]float64{1: stateRepairable, 2: stateBroken})
	_, err := newFakeWorkflow(newFakeEngine()).Reconcile(context.Background(), layer, PolicyReplace)
	require.Error(t, err)
	assert.True(t, IsCollaboratorError(err))
	assert.Equal(t, 3, layer.FeatureCount())
	assert.False(t, layer.IsEditing())
}

func TestReconcile_LockedLayer(t *testing.T) {
	layer := pointLayer(3, map[int64]float64{2: stateRepairable})
	layer.Lock()

	_, err := newFakeWorkflow(newFakeEngine()).Reconcile(context.Background(), layer, PolicyReplace)
	assert.ErrorIs(t, err, ErrLayerLocked)
	assert.Equal(t, 3, layer.FeatureCount())
	assert.True(t, layer.ReadOnly())
}

func TestReconcile_ReadOnlyLayerIsOpened(t *testing.T) {
	layer := pointLayer(3, map[int64]float64{2: stateRepairable})
	require.NoError(t, layer.SetReadOnly(true))

	rep, err := newFakeWorkflow(newFakeEngine()).Reconcile(context.Background(), layer, PolicyAppendPreserve)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.FinalCount)
}

func TestReconcile_EditSessionAlreadyOpen(t *testing.T) {
	layer := pointLayer(3, map[int64]float64{2: stateRepairable})
	require.NoError(t, layer.StartEditing())

	_, err := newFakeWorkflow(newFakeEngine()).Reconcile(context.Background(), layer, PolicyReplace)
	assert.ErrorIs(t, err, ErrEditLock)
	// the caller's session is left alone
	assert.True(t, layer.IsEditing())
}

func TestReconcile_CommitHookFailure(t *testing.T) {
	layer := pointLayer(3, map[int64]float64{2: stateRepairable})
	hookErr := errors.New("disk full")
	layer.AddCommitHook(func(context.Context, *Commit) error { return hookErr })

	_, err := newFakeWorkflow(newFakeEngine()).Reconcile(context.Background(), layer, PolicyReplace)
	assert.ErrorIs(t, err, ErrEditLock)
	assert.ErrorIs(t, err, hookErr)
	assert.False(t, layer.IsEditing())
	assert.Equal(t, []int64{1, 2, 3}, fids(layer.Features()))
}

func TestReconcile_NoEngine(t *testing.T) {
	layer := pointLayer(1, nil)
	_, err := NewWorkflow(NewToolbox(nil, CheckOptions{})).Reconcile(context.Background(), layer, PolicyReplace)
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestReconcile_UnknownPolicy(t *testing.T) {
	layer := pointLayer(1, nil)
	_, err := newFakeWorkflow(newFakeEngine()).Reconcile(context.Background(), layer, Policy("shred"))
	assert.Error(t, err)
}

func TestReconcile_CancelledContext(t *testing.T) {
	layer := pointLayer(3, map[int64]float64{2: stateRepairable})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newFakeWorkflow(newFakeEngine()).Reconcile(ctx, layer, PolicyInPlaceThenAppend)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, layer.IsEditing())
}

// ----------------------------------------------------------------------------
// Report contents
// ----------------------------------------------------------------------------

func TestReconcile_ReportFieldCap(t *testing.T) {
	fields := []Field{
		{Name: "a", Type: FieldString},
		{Name: "b", Type: FieldString},
		{Name: "c", Type: FieldString},
		{Name: "d", Type: FieldDate},
		{Name: "e", Type: FieldInt},
		{Name: "f", Type: FieldString},
		{Name: "g", Type: FieldString},
	}
	attrs := map[string]any{
		"a": "alpha",
		"b": nil,
		"c": "",
		"d": time.Date(2024, 3, 1, 15, 4, 5, 0, time.UTC),
		"e": int64(42),
		"f": "hidden",
		"g": "hidden",
	}
	layer := NewMemoryLayer("parcels", fields, []*Feature{NewFeature(1, orb.Point{1, stateRepairable}, attrs)})

	rep, err := newFakeWorkflow(newFakeEngine()).Reconcile(context.Background(), layer, PolicyReplace)
	require.NoError(t, err)
	require.Len(t, rep.Invalid, 1)

	entry := rep.Invalid[0]
	assert.Equal(t, []FieldValue{
		{Name: "a", Value: "alpha"},
		{Name: "d", Value: "2024-03-01"},
		{Name: "e", Value: "42"},
	}, entry.Fields)
	assert.Equal(t, "a=alpha, d=2024-03-01, e=42", entry.Line())
}

func TestReconcile_ReportFieldsOption(t *testing.T) {
	fields := []Field{{Name: "a", Type: FieldString}, {Name: "b", Type: FieldString}}
	layer := NewMemoryLayer("parcels", fields, []*Feature{
		NewFeature(1, orb.Point{1, stateRepairable}, map[string]any{"a": "x", "b": "y"}),
	})
	rep, err := newFakeWorkflow(newFakeEngine(), WithReportFields(1)).Reconcile(context.Background(), layer, PolicyReplace)
	require.NoError(t, err)
	assert.Equal(t, "a=x", rep.Invalid[0].Line())
}

func TestReconcile_ReportMetadata(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0
	clock := func() time.Time {
		calls++
		return start.Add(time.Duration(calls-1) * time.Second)
	}
	layer := pointLayer(2, map[int64]float64{1: stateRepairable})
	rep, err := newFakeWorkflow(newFakeEngine(), WithClock(clock)).Reconcile(context.Background(), layer, PolicyReplace)
	require.NoError(t, err)

	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, "points", rep.Layer)
	assert.Equal(t, PolicyReplace, rep.Policy)
	assert.Equal(t, "fake", rep.Engine)
	assert.Equal(t, start, rep.StartedAt)
	assert.Equal(t, time.Second, rep.Duration())
}

func TestReconcile_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	wf := newFakeWorkflow(newFakeEngine(), WithMetrics(m))

	layer := pointLayer(10, map[int64]float64{4: stateRepairable, 7: stateRepairable, 9: stateRepairable})
	_, err := wf.Reconcile(context.Background(), layer, PolicyReplace)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("replace", "reconciled")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.features.WithLabelValues("replace", "invalid")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.features.WithLabelValues("replace", "fixed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

// ----------------------------------------------------------------------------
// Planar engine end to end
// ----------------------------------------------------------------------------

func TestReconcile_PlanarSpikeFixedInPlace(t *testing.T) {
	layer := NewMemoryLayer("parcels", nil, []*Feature{
		NewFeature(1, square, nil),
		NewFeature(2, spike, nil),
	})
	wf := NewWorkflow(NewToolbox(NewPlanarEngine(), CheckOptions{}))
	rep, err := wf.Reconcile(context.Background(), layer, PolicyInPlaceThenAppend)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.InvalidCount)
	assert.Equal(t, 1, rep.AutoFixedCount)
	assert.Equal(t, 1, rep.DeduplicatedCount)
	assert.Equal(t, 0, rep.AddedCount)
	assert.Equal(t, 2, rep.FinalCount)
	assert.Empty(t, rep.ActionRequired)
}

func TestReconcile_PlanarReplace(t *testing.T) {
	layer := NewMemoryLayer("parcels", nil, []*Feature{
		NewFeature(1, square, nil),
		NewFeature(2, bowtie, nil),
		NewFeature(3, flat, nil),
	})
	wf := NewWorkflow(NewToolbox(NewPlanarEngine(), CheckOptions{}))
	rep, err := wf.Reconcile(context.Background(), layer, PolicyReplace)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.InvalidCount)
	assert.Equal(t, 1, rep.FixedCount)
	assert.Equal(t, 1, rep.RemovedEmptyCount)
	assert.Equal(t, 2, rep.FinalCount)

	vp, err := wf.Toolbox().CheckValidity(context.Background(), layer.Features())
	require.NoError(t, err)
	assert.Empty(t, vp.Invalid)

	second, err := wf.Reconcile(context.Background(), layer, PolicyReplace)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoInvalid, second.Outcome)
}

// ----------------------------------------------------------------------------
// Concurrency and engine faults
// ----------------------------------------------------------------------------

// gatedEngine parks its first repair until release is closed.
type gatedEngine struct {
	*fakeEngine
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedEngine() *gatedEngine {
	return &gatedEngine{fakeEngine: newFakeEngine(), entered: make(chan struct{}), release: make(chan struct{})}
}

func (e *gatedEngine) MakeValid(g orb.Geometry) (orb.Geometry, error) {
	e.once.Do(func() {
		close(e.entered)
		<-e.release
	})
	return e.fakeEngine.MakeValid(g)
}

func TestReconcile_SameLayerRunsAreSerialized(t *testing.T) {
	layer := pointLayer(3, map[int64]float64{2: stateRepairable})
	engine := newGatedEngine()
	wf := newFakeWorkflow(engine)

	type result struct {
		rep *Report
		err error
	}
	inPlace := make(chan result, 1)
	go func() {
		rep, err := wf.Reconcile(context.Background(), layer, PolicyInPlaceThenAppend)
		inPlace <- result{rep, err}
	}()
	<-engine.entered
	require.True(t, layer.IsEditing())

	replace := make(chan result, 1)
	go func() {
		rep, err := wf.Reconcile(context.Background(), layer, PolicyReplace)
		replace <- result{rep, err}
	}()
	select {
	case r := <-replace:
		t.Fatalf("replace finished while the in-place run held the layer: %v", r.err)
	case <-time.After(50 * time.Millisecond):
	}
	close(engine.release)

	first := <-inPlace
	require.NoError(t, first.err)
	assert.Equal(t, 1, first.rep.AutoFixedCount)

	second := <-replace
	require.NoError(t, second.err)
	assert.Equal(t, OutcomeNoInvalid, second.rep.Outcome)
	assert.Equal(t, []int64{1, 2, 3}, fids(layer.Features()))
	assert.False(t, layer.IsEditing())
}

func TestReconcile_WaitingRunHonoursContext(t *testing.T) {
	layer := pointLayer(2, map[int64]float64{1: stateRepairable})
	engine := newGatedEngine()
	wf := newFakeWorkflow(engine)

	done := make(chan error, 1)
	go func() {
		_, err := wf.Reconcile(context.Background(), layer, PolicyInPlaceThenAppend)
		done <- err
	}()
	<-engine.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := wf.Reconcile(ctx, layer, PolicyReplace)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, layer.IsEditing(), "the running session is left alone")

	close(engine.release)
	require.NoError(t, <-done)
}

// hijackEngine opens an edit session on layer from outside the run the
// moment a repair is requested.
type hijackEngine struct {
	*fakeEngine
	layer Layer
}

func (e *hijackEngine) MakeValid(g orb.Geometry) (orb.Geometry, error) {
	if !e.layer.IsEditing() {
		_ = e.layer.StartEditing()
	}
	return e.fakeEngine.MakeValid(g)
}

func TestReconcile_ForeignSessionIsNotRolledBack(t *testing.T) {
	layer := pointLayer(3, map[int64]float64{2: stateRepairable})
	engine := &hijackEngine{fakeEngine: newFakeEngine(), layer: layer}

	_, err := newFakeWorkflow(engine).Reconcile(context.Background(), layer, PolicyReplace)
	require.ErrorIs(t, err, ErrEditLock)

	require.True(t, layer.IsEditing(), "the other holder keeps its session")
	require.NoError(t, layer.DeleteFeatures([]int64{1}))
	require.NoError(t, layer.CommitChanges(context.Background()))
	assert.Equal(t, []int64{2, 3}, fids(layer.Features()))
}

type panicRepairEngine struct{ *fakeEngine }

func (panicRepairEngine) MakeValid(orb.Geometry) (orb.Geometry, error) { panic("GEOS exception") }

type panicDedupEngine struct{ *fakeEngine }

func (panicDedupEngine) RemoveDuplicateVertices(orb.Geometry, float64) orb.Geometry {
	panic("GEOS exception")
}

func TestReconcile_EnginePanicRollsBack(t *testing.T) {
	engines := map[string]Engine{
		"repair": panicRepairEngine{newFakeEngine()},
		"dedup":  panicDedupEngine{newFakeEngine()},
	}
	for name, engine := range engines {
		for _, policy := range []Policy{PolicyReplace, PolicyInPlaceThenAppend} {
			t.Run(name+"/"+string(policy), func(t *testing.T) {
				layer := pointLayer(4, map[int64]float64{3: stateRepairable})
				before := layer.Features()

				_, err := newFakeWorkflow(engine).Reconcile(context.Background(), layer, policy)
				require.Error(t, err)
				assert.True(t, IsCollaboratorError(err))
				assert.Contains(t, err.Error(), "GEOS exception")
				assert.False(t, layer.IsEditing())
				assert.Equal(t, before, layer.Features())

				rep, err := newFakeWorkflow(newFakeEngine()).Reconcile(context.Background(), layer, policy)
				require.NoError(t, err, "the layer stays usable after the fault")
				assert.Equal(t, 1, rep.InvalidCount)
			})
		}
	}
}

// panicLayer fails while writing a geometry back.
type panicLayer struct{ *MemoryLayer }

func (panicLayer) ChangeGeometry(int64, orb.Geometry) error { panic("index out of range") }

func TestReconcile_LayerPanicRollsBack(t *testing.T) {
	inner := pointLayer(2, map[int64]float64{2: stateRepairable})
	_, err := newFakeWorkflow(newFakeEngine()).Reconcile(context.Background(), panicLayer{inner}, PolicyInPlaceThenAppend)
	require.Error(t, err)
	assert.True(t, IsCollaboratorError(err))
	assert.Contains(t, err.Error(), "index out of range")
	assert.False(t, inner.IsEditing())
}

func TestReconcile_InPlaceCountsUncheckableAsErrors(t *testing.T) {
	layer := NewMemoryLayer("mixed", nil, []*Feature{
		NewFeature(1, orb.Point{1, stateValid}, nil),
		NewFeature(2, orb.LineString{{0, 0}, {1, 1}}, nil),
	})
	rep, err := newFakeWorkflow(newFakeEngine()).Reconcile(context.Background(), layer, PolicyInPlaceThenAppend)
	require.NoError(t, err)

	assert.Equal(t, 0, rep.InvalidCount)
	assert.Equal(t, 1, rep.ErrorCount)
	assert.Empty(t, rep.Invalid)
	assert.Equal(t, OutcomeNoInvalid, rep.Outcome)
	assert.Equal(t, orb.LineString{{0, 0}, {1, 1}}, layer.Features()[1].Geometry)
}

func TestReconcile_PlanarHoleCrossingShellIsIdempotent(t *testing.T) {
	layer := NewMemoryLayer("parcels", nil, []*Feature{NewFeature(1, holeCrossesShell, nil)})
	wf := NewWorkflow(NewToolbox(NewPlanarEngine(), CheckOptions{}))

	rep, err := wf.Reconcile(context.Background(), layer, PolicyReplace)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.InvalidCount)
	assert.Equal(t, 1, rep.FixedCount)
	assert.Equal(t, []int64{2}, fids(layer.Features()))

	second, err := wf.Reconcile(context.Background(), layer, PolicyReplace)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoInvalid, second.Outcome)
	assert.Equal(t, []int64{2}, fids(layer.Features()))
}
