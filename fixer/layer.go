package fixer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/paulmach/orb"
)

// Layer is an ordered, editable collection of features. Mutations are only
// accepted inside an edit session; they become durable on CommitChanges and
// are discarded by RollBack.
type Layer interface {
	Name() string
	Fields() []Field
	FeatureCount() int
	// Features returns a snapshot in layer order, including pending edits.
	Features() []*Feature

	ReadOnly() bool
	SetReadOnly(readOnly bool) error

	IsEditing() bool
	StartEditing() error
	AddFeatures(feats []*Feature) ([]int64, error)
	DeleteFeatures(fids []int64) error
	ChangeGeometry(fid int64, g orb.Geometry) error
	CommitChanges(ctx context.Context) error
	RollBack() error
}

// Commit describes the delta applied by one successful commit.
type Commit struct {
	Layer   string
	Fields  []Field
	Added   []*Feature
	Changed []*Feature
	// Deleted holds the last committed state of each removed feature.
	Deleted []*Feature
	// Snapshot is the full layer content after the commit.
	Snapshot []*Feature
}

// Empty reports whether the commit carries no change.
func (c *Commit) Empty() bool {
	return len(c.Added) == 0 && len(c.Changed) == 0 && len(c.Deleted) == 0
}

// CommitHook persists a commit. An error aborts the commit and keeps the edit session open.
type CommitHook func(ctx context.Context, c *Commit) error

// CommitListener observes commits after they were applied.
type CommitListener func(ctx context.Context, c *Commit)

// MemoryLayer is the in-memory Layer implementation. Durable backends attach
// themselves through commit hooks.
type MemoryLayer struct {
	mu        sync.RWMutex
	name      string
	fields    []Field
	features  []*Feature
	index     map[int64]int
	nextFID   int64
	readOnly  bool
	locked    bool
	editing   bool
	added     []*Feature
	deleted   map[int64]bool
	changed   map[int64]orb.Geometry
	hooks     []CommitHook
	listeners []CommitListener
}

// NewMemoryLayer creates a layer holding copies of feats. Features with a
// zero or duplicate FID get a fresh one.
func NewMemoryLayer(name string, fields []Field, feats []*Feature) *MemoryLayer {
	l := &MemoryLayer{
		name:   name,
		fields: append([]Field(nil), fields...),
		index:  make(map[int64]int, len(feats)),
	}
	for _, f := range feats {
		if f.FID > l.nextFID {
			l.nextFID = f.FID
		}
	}
	for _, f := range feats {
		c := f.Clone()
		if _, dup := l.index[c.FID]; dup || c.FID <= 0 {
			l.nextFID++
			c.FID = l.nextFID
		}
		l.index[c.FID] = len(l.features)
		l.features = append(l.features, c)
	}
	return l
}

// Name returns the layer name.
func (l *MemoryLayer) Name() string { return l.name }

// Fields returns a copy of the schema.
func (l *MemoryLayer) Fields() []Field {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Field(nil), l.fields...)
}

// FeatureCount counts features including pending edits.
func (l *MemoryLayer) FeatureCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.features) - len(l.deleted) + len(l.added)
}

// Features returns clones of all features in order, pending edits applied.
func (l *MemoryLayer) Features() []*Feature {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.viewLocked()
}

func (l *MemoryLayer) viewLocked() []*Feature {
	out := make([]*Feature, 0, len(l.features)+len(l.added))
	for _, f := range l.features {
		if l.deleted[f.FID] {
			continue
		}
		c := f.Clone()
		if g, ok := l.changed[f.FID]; ok {
			c.Geometry = cloneGeometry(g)
		}
		out = append(out, c)
	}
	for _, f := range l.added {
		out = append(out, f.Clone())
	}
	return out
}

// ReadOnly reports the read-only flag.
func (l *MemoryLayer) ReadOnly() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.readOnly
}

// SetReadOnly toggles the read-only flag. A locked layer cannot be made editable.
func (l *MemoryLayer) SetReadOnly(readOnly bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !readOnly && l.locked {
		return fmt.Errorf("%s: %w", l.name, ErrLayerLocked)
	}
	l.readOnly = readOnly
	return nil
}

// Lock marks the layer permanently read-only.
func (l *MemoryLayer) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = true
	l.readOnly = true
}

// AddCommitHook registers a hook run, in registration order, before a commit is applied.
func (l *MemoryLayer) AddCommitHook(h CommitHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, h)
}

// AddCommitListener registers a listener notified after a commit is applied.
func (l *MemoryLayer) AddCommitListener(fn CommitListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// IsEditing reports whether an edit session is open.
func (l *MemoryLayer) IsEditing() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.editing
}

// StartEditing opens an edit session.
func (l *MemoryLayer) StartEditing() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.readOnly:
		return fmt.Errorf("%s: %w", l.name, ErrReadOnly)
	case l.editing:
		return fmt.Errorf("%s: edit session already open: %w", l.name, ErrEditLock)
	}
	l.editing = true
	l.added = nil
	l.deleted = make(map[int64]bool)
	l.changed = make(map[int64]orb.Geometry)
	return nil
}

// AddFeatures appends copies of feats with freshly allocated FIDs and
// returns the new FIDs in order.
func (l *MemoryLayer) AddFeatures(feats []*Feature) ([]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.editing {
		return nil, ErrNotEditing
	}
	fids := make([]int64, 0, len(feats))
	for _, f := range feats {
		c := f.Clone()
		l.nextFID++
		c.FID = l.nextFID
		l.added = append(l.added, c)
		fids = append(fids, c.FID)
	}
	return fids, nil
}

// DeleteFeatures removes the given features. Unknown FIDs are an error and
// leave the edit buffer untouched.
func (l *MemoryLayer) DeleteFeatures(fids []int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.editing {
		return ErrNotEditing
	}
	for _, fid := range fids {
		if !l.existsLocked(fid) {
			return fmt.Errorf("delete %d: %w", fid, ErrFeatureNotFound)
		}
	}
	for _, fid := range fids {
		if i := l.addedIndexLocked(fid); i >= 0 {
			l.added = append(l.added[:i], l.added[i+1:]...)
			continue
		}
		l.deleted[fid] = true
		delete(l.changed, fid)
	}
	return nil
}

// ChangeGeometry replaces the geometry of one feature.
func (l *MemoryLayer) ChangeGeometry(fid int64, g orb.Geometry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.editing {
		return ErrNotEditing
	}
	if i := l.addedIndexLocked(fid); i >= 0 {
		l.added[i].Geometry = cloneGeometry(g)
		return nil
	}
	if !l.existsLocked(fid) {
		return fmt.Errorf("change geometry %d: %w", fid, ErrFeatureNotFound)
	}
	l.changed[fid] = cloneGeometry(g)
	return nil
}

func (l *MemoryLayer) existsLocked(fid int64) bool {
	if _, ok := l.index[fid]; ok {
		return !l.deleted[fid]
	}
	return l.addedIndexLocked(fid) >= 0
}

func (l *MemoryLayer) addedIndexLocked(fid int64) int {
	for i, f := range l.added {
		if f.FID == fid {
			return i
		}
	}
	return -1
}

// CommitChanges runs the commit hooks, applies the edit buffer and closes the
// session. If a hook fails the buffer is kept and the session stays open.
func (l *MemoryLayer) CommitChanges(ctx context.Context) error {
	l.mu.Lock()
	if !l.editing {
		l.mu.Unlock()
		return ErrNotEditing
	}

	c := l.pendingCommitLocked()
	for _, h := range l.hooks {
		if err := h(ctx, c); err != nil {
			l.mu.Unlock()
			return fmt.Errorf("commit %s: %w", l.name, err)
		}
	}

	l.features = c.Snapshot
	l.index = make(map[int64]int, len(l.features))
	for i, f := range l.features {
		l.index[f.FID] = i
	}
	l.editing = false
	l.added, l.deleted, l.changed = nil, nil, nil
	listeners := append([]CommitListener(nil), l.listeners...)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(ctx, c)
	}
	return nil
}

func (l *MemoryLayer) pendingCommitLocked() *Commit {
	c := &Commit{
		Layer:    l.name,
		Fields:   append([]Field(nil), l.fields...),
		Snapshot: l.viewLocked(),
	}
	for _, f := range l.features {
		if l.deleted[f.FID] {
			c.Deleted = append(c.Deleted, f.Clone())
		}
	}
	changed := make([]int64, 0, len(l.changed))
	for fid := range l.changed {
		changed = append(changed, fid)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	for _, fid := range changed {
		f := l.features[l.index[fid]].Clone()
		f.Geometry = cloneGeometry(l.changed[fid])
		c.Changed = append(c.Changed, f)
	}
	for _, f := range l.added {
		c.Added = append(c.Added, f.Clone())
	}
	return c
}

// RollBack discards the edit buffer and closes the session.
func (l *MemoryLayer) RollBack() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.editing {
		return ErrNotEditing
	}
	l.editing = false
	l.added, l.deleted, l.changed = nil, nil, nil
	return nil
}

func cloneGeometry(g orb.Geometry) orb.Geometry {
	if g == nil {
		return nil
	}
	return orb.Clone(g)
}
