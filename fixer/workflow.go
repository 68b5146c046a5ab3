package fixer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WorkflowOption configures a Workflow.
type WorkflowOption func(*Workflow)

// WithTolerance sets the vertex deduplication tolerance.
func WithTolerance(tol float64) WorkflowOption {
	return func(w *Workflow) {
		w.tolerance = tol
	}
}

// WithReportFields sets how many schema fields each report line shows.
func WithReportFields(n int) WorkflowOption {
	return func(w *Workflow) {
		w.reportFields = n
	}
}

// WithFIDDisplayCap sets how many action-required FIDs a summary shows.
func WithFIDDisplayCap(n int) WorkflowOption {
	return func(w *Workflow) {
		w.fidCap = n
	}
}

// WithLogger sets the workflow logger.
func WithLogger(l zerolog.Logger) WorkflowOption {
	return func(w *Workflow) {
		w.log = l
	}
}

// WithMetrics records run metrics.
func WithMetrics(m *Metrics) WorkflowOption {
	return func(w *Workflow) {
		w.metrics = m
	}
}

// WithClock overrides the time source (useful for testing).
func WithClock(now func() time.Time) WorkflowOption {
	return func(w *Workflow) {
		w.now = now
	}
}

// Workflow reconciles repaired geometries into a layer. Runs on the same
// layer name are serialized; runs on different layers proceed in parallel.
type Workflow struct {
	toolbox      *Toolbox
	tolerance    float64
	reportFields int
	fidCap       int
	log          zerolog.Logger
	metrics      *Metrics
	now          func() time.Time

	mu    sync.Mutex
	turns map[string]chan struct{}
}

// NewWorkflow creates a workflow running on tb.
func NewWorkflow(tb *Toolbox, opts ...WorkflowOption) *Workflow {
	w := &Workflow{
		toolbox:      tb,
		tolerance:    DefaultTolerance,
		reportFields: DefaultReportFields,
		fidCap:       DefaultFIDDisplayCap,
		log:          zerolog.Nop(),
		now:          time.Now,
		turns:        make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Toolbox returns the toolbox the workflow runs on.
func (w *Workflow) Toolbox() *Toolbox { return w.toolbox }

// turn returns the channel that admits one run at a time on the named layer.
func (w *Workflow) turn(layer string) chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.turns[layer]
	if !ok {
		ch = make(chan struct{}, 1)
		w.turns[layer] = ch
	}
	return ch
}

// run collects the state of one reconciliation.
type run struct {
	layer   Layer
	report  *Report
	entries map[int64]int
	// editing is set while an edit session opened by this run is open.
	editing bool
}

func (r *run) beginEdit() error {
	if err := beginEdit(r.layer); err != nil {
		return err
	}
	r.editing = true
	return nil
}

func (r *run) commit(ctx context.Context) error {
	if err := commitEdit(ctx, r.layer); err != nil {
		return err
	}
	r.editing = false
	return nil
}

// Reconcile validates, repairs and deduplicates the layer's geometries and
// writes the result back according to policy. On error, including an engine
// panic, the edit session opened by the run is rolled back and no report is
// produced. A session the caller already holds is never touched.
func (w *Workflow) Reconcile(ctx context.Context, layer Layer, policy Policy) (*Report, error) {
	if err := w.toolbox.ready("reconcile"); err != nil {
		return nil, err
	}
	switch policy {
	case PolicyReplace, PolicyAppendPreserve, PolicyInPlaceThenAppend:
	default:
		return nil, fmt.Errorf("reconcile %s: unknown policy %q", layer.Name(), policy)
	}
	turn := w.turn(layer.Name())
	select {
	case turn <- struct{}{}:
		defer func() { <-turn }()
	case <-ctx.Done():
		return nil, &CollaboratorError{Op: "reconcile", Err: ctx.Err()}
	}
	if layer.IsEditing() {
		return nil, fmt.Errorf("reconcile %s: edit session already open: %w", layer.Name(), ErrEditLock)
	}

	r := &run{
		layer:   layer,
		entries: make(map[int64]int),
		report: &Report{
			RunID:         uuid.NewString(),
			Layer:         layer.Name(),
			Policy:        policy,
			Engine:        w.toolbox.Engine.Name(),
			Outcome:       OutcomeReconciled,
			StartedAt:     w.now(),
			OriginalCount: layer.FeatureCount(),
			FIDDisplayCap: w.fidCap,
		},
	}
	log := w.log.With().Str("run", r.report.RunID).Str("layer", layer.Name()).Str("policy", string(policy)).Logger()
	log.Debug().Int("features", r.report.OriginalCount).Msg("reconciliation started")

	if err := w.execute(ctx, r, policy); err != nil {
		if r.editing && layer.IsEditing() {
			if rbErr := layer.RollBack(); rbErr != nil {
				log.Warn().Err(rbErr).Msg("rollback failed")
			}
		}
		w.metrics.ObserveFailure(policy)
		log.Error().Err(err).Msg("reconciliation failed")
		return nil, err
	}

	rep := r.report
	rep.FinalCount = layer.FeatureCount()
	rep.FinishedAt = w.now()
	if rep.ActionRequired == nil {
		rep.ActionRequired = []int64{}
	}
	if rep.Invalid == nil {
		rep.Invalid = []InvalidFeature{}
	}
	w.metrics.ObserveRun(rep)
	log.Info().
		Str("outcome", string(rep.Outcome)).
		Int("invalid", rep.InvalidCount).
		Int("fixed", rep.FixedCount).
		Int("added", rep.AddedCount).
		Int("autoFixed", rep.AutoFixedCount).
		Int("actionRequired", len(rep.ActionRequired)).
		Int("final", rep.FinalCount).
		Dur("took", rep.Duration()).
		Msg("reconciliation finished")
	return rep, nil
}

// execute runs the policy, turning a panic into a collaborator fault.
func (w *Workflow) execute(ctx context.Context, r *run, policy Policy) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &CollaboratorError{Op: "reconcile", Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	switch policy {
	case PolicyReplace:
		return w.replace(ctx, r)
	case PolicyAppendPreserve:
		return w.appendPreserve(ctx, r)
	case PolicyInPlaceThenAppend:
		return w.inPlaceThenAppend(ctx, r)
	}
	return nil
}

// beginEdit clears the read-only flag and opens an edit session.
func beginEdit(layer Layer) error {
	if layer.ReadOnly() {
		if err := layer.SetReadOnly(false); err != nil {
			if errors.Is(err, ErrLayerLocked) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrEditLock, err)
		}
	}
	if err := layer.StartEditing(); err != nil {
		if errors.Is(err, ErrEditLock) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrEditLock, err)
	}
	return nil
}

func commitEdit(ctx context.Context, layer Layer) error {
	if err := layer.CommitChanges(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrEditLock, err)
	}
	return nil
}

// recordInvalid adds a report entry for every invalid feature of vp.
func (w *Workflow) recordInvalid(r *run, vp ValidityPartition) {
	fields := r.layer.Fields()
	for _, f := range vp.Invalid {
		w.recordFeature(r, fields, f, vp.Issues[f.FID].Reason)
	}
	r.report.ErrorCount = len(vp.Errors)
}

func (w *Workflow) recordFeature(r *run, fields []Field, f *Feature, reason string) *InvalidFeature {
	if i, ok := r.entries[f.FID]; ok {
		return &r.report.Invalid[i]
	}
	r.entries[f.FID] = len(r.report.Invalid)
	r.report.Invalid = append(r.report.Invalid, InvalidFeature{
		FID:      f.FID,
		Fields:   SummarizeAttributes(fields, f.Attributes, w.reportFields),
		Reason:   reason,
		Geometry: cloneGeometry(f.Geometry),
	})
	return &r.report.Invalid[len(r.report.Invalid)-1]
}

// attachRepairs links repaired geometries to the report entries of their originals.
func (r *run) attachRepairs(repaired []*Feature) {
	for _, f := range repaired {
		if i, ok := r.entries[f.FID]; ok {
			r.report.Invalid[i].Repaired = cloneGeometry(f.Geometry)
		}
	}
}

// splitEmpty separates repaired features that still carry geometry from those that collapsed.
func splitEmpty(feats []*Feature) (kept []*Feature, empty int) {
	for _, f := range feats {
		if IsEmptyGeometry(f.Geometry) {
			empty++
			continue
		}
		kept = append(kept, f)
	}
	return kept, empty
}

func (w *Workflow) replace(ctx context.Context, r *run) error {
	vp, err := w.toolbox.CheckValidity(ctx, r.layer.Features())
	if err != nil {
		return err
	}
	w.recordInvalid(r, vp)
	r.report.InvalidCount = len(vp.Invalid)
	if len(vp.Invalid) == 0 {
		r.report.Outcome = OutcomeNoInvalid
		return nil
	}

	fixed, err := w.toolbox.FixGeometries(ctx, vp.Invalid)
	if err != nil {
		return err
	}
	cleaned, err := w.toolbox.RemoveDuplicateVertices(ctx, fixed, w.tolerance)
	if err != nil {
		return err
	}
	r.attachRepairs(cleaned)
	replacements, empty := splitEmpty(cleaned)

	if err := r.beginEdit(); err != nil {
		return err
	}
	if err := r.layer.DeleteFeatures(vp.InvalidFIDs()); err != nil {
		return fmt.Errorf("replace invalid features: %w", err)
	}
	added, err := r.layer.AddFeatures(replacements)
	if err != nil {
		return fmt.Errorf("insert replacements: %w", err)
	}
	if err := r.commit(ctx); err != nil {
		return err
	}

	r.report.FixedCount = len(replacements)
	r.report.AddedCount = len(added)
	r.report.RemovedEmptyCount = empty
	return nil
}

func (w *Workflow) appendPreserve(ctx context.Context, r *run) error {
	vp, err := w.toolbox.CheckValidity(ctx, r.layer.Features())
	if err != nil {
		return err
	}
	w.recordInvalid(r, vp)
	r.report.InvalidCount = len(vp.Invalid)
	if len(vp.Invalid) == 0 {
		r.report.Outcome = OutcomeNoInvalid
		return nil
	}

	fixed, err := w.toolbox.FixGeometries(ctx, vp.Invalid)
	if err != nil {
		return err
	}
	r.attachRepairs(fixed)
	copies, empty := splitEmpty(fixed)

	if err := r.beginEdit(); err != nil {
		return err
	}
	added, err := r.layer.AddFeatures(copies)
	if err != nil {
		return fmt.Errorf("append fixed copies: %w", err)
	}
	if err := r.commit(ctx); err != nil {
		return err
	}

	r.report.FixedCount = len(copies)
	r.report.AddedCount = len(added)
	r.report.RemovedEmptyCount = empty
	return nil
}

func (w *Workflow) inPlaceThenAppend(ctx context.Context, r *run) error {
	tb := w.toolbox
	fields := r.layer.Fields()

	if err := r.beginEdit(); err != nil {
		return err
	}
	for _, f := range r.layer.Features() {
		if err := ctx.Err(); err != nil {
			return &CollaboratorError{Op: "in-place repair", Err: err}
		}
		if IsEmptyGeometry(f.Geometry) {
			continue
		}
		before, err := tb.validate(f.FID, f.Geometry)
		if err != nil {
			return err
		}
		// Unchecked geometries are counted as errors by the check that follows the pass.
		if before.Kind == IssueError {
			continue
		}
		invalid := before.Kind == IssueInvalid
		if invalid {
			r.report.InvalidCount++
			w.recordFeature(r, fields, f, before.Reason)
		}

		g, err := tb.dedup(f.FID, f.Geometry, w.tolerance)
		if err != nil {
			return err
		}
		if !sameGeometry(g, f.Geometry) {
			r.report.DeduplicatedCount++
		}
		after, err := tb.validate(f.FID, g)
		if err != nil {
			return err
		}
		if !after.Valid() {
			repaired, err := tb.makeValid("in-place repair", f.FID, g)
			if err != nil {
				return err
			}
			if !IsEmptyGeometry(repaired) {
				g = repaired
				if after, err = tb.validate(f.FID, g); err != nil {
					return err
				}
			}
		}
		if err := r.layer.ChangeGeometry(f.FID, g); err != nil {
			return fmt.Errorf("write back geometry: %w", err)
		}

		if invalid && after.Valid() {
			r.report.AutoFixedCount++
			entry := w.recordFeature(r, fields, f, before.Reason)
			entry.AutoFixed = true
			entry.Repaired = cloneGeometry(g)
		}
	}
	if err := r.commit(ctx); err != nil {
		return err
	}

	vp, err := w.toolbox.CheckValidity(ctx, r.layer.Features())
	if err != nil {
		return err
	}
	r.report.ErrorCount = len(vp.Errors)
	r.report.ActionRequired = vp.InvalidFIDs()
	for _, f := range vp.Invalid {
		w.recordFeature(r, fields, f, vp.Issues[f.FID].Reason)
	}
	if r.report.InvalidCount == 0 && len(vp.Invalid) == 0 {
		r.report.Outcome = OutcomeNoInvalid
	}
	if len(vp.Invalid) == 0 {
		return nil
	}

	fixed, err := w.toolbox.FixGeometries(ctx, vp.Invalid)
	if err != nil {
		return err
	}
	r.attachRepairs(fixed)
	copies, empty := splitEmpty(fixed)
	r.report.FixedCount = len(copies)
	r.report.RemovedEmptyCount = empty
	if len(copies) == 0 {
		return nil
	}

	if err := r.beginEdit(); err != nil {
		return err
	}
	added, err := r.layer.AddFeatures(copies)
	if err != nil {
		return fmt.Errorf("append fixed copies: %w", err)
	}
	if err := r.commit(ctx); err != nil {
		return err
	}
	r.report.AddedCount = len(added)
	return nil
}
