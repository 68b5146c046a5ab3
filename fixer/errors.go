package fixer

import (
	"errors"
	"fmt"
)

var (
	// ErrEditLock is returned when an edit session cannot be opened or committed.
	ErrEditLock = errors.New("edit session unavailable")
	// ErrLayerLocked is returned when a permanently read-only layer is asked to become editable.
	ErrLayerLocked = errors.New("layer is locked read-only")
	// ErrReadOnly is returned when editing a layer whose read-only flag is set.
	ErrReadOnly = errors.New("layer is read-only")
	// ErrNotEditing is returned by edit primitives outside an edit session.
	ErrNotEditing = errors.New("layer is not in editing mode")
	// ErrFeatureNotFound is returned when a FID does not exist in the layer.
	ErrFeatureNotFound = errors.New("feature not found")
	// ErrEngineUnavailable is returned when no geometry engine is configured.
	ErrEngineUnavailable = errors.New("geometry engine unavailable")
	// ErrUnknownLayer is returned by the registry for unregistered layer names.
	ErrUnknownLayer = errors.New("unknown layer")
)

// CollaboratorError reports a fault raised by the geometry engine or another
// collaborator while processing a layer. FID is zero when the fault is not
// tied to a single feature.
type CollaboratorError struct {
	Op  string
	FID int64
	Err error
}

func (e *CollaboratorError) Error() string {
	if e.FID != 0 {
		return fmt.Sprintf("%s: feature %d: %v", e.Op, e.FID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// IsCollaboratorError reports whether err wraps a *CollaboratorError.
func IsCollaboratorError(err error) bool {
	var ce *CollaboratorError
	return errors.As(err, &ce)
}
