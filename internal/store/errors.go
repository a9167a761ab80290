package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/steveyegge/todosync/internal/schema"
)

// Kind classifies a store error.
type Kind string

const (
	// KindValidation means the input was rejected before any state change.
	KindValidation Kind = "validation"

	// KindNotFound means the target entity does not exist locally.
	KindNotFound Kind = "not_found"

	// KindRemote means the local change was applied but mirroring it to the
	// remote store failed. The entity is marked dirty.
	KindRemote Kind = "remote"

	// KindClosed means the store was closed.
	KindClosed Kind = "closed"
)

var (
	// ErrEmptyTitle is returned when a task title is empty after trimming.
	ErrEmptyTitle = schema.ErrEmptyTitle

	// ErrTitleTooLong is returned when a task title is too long.
	ErrTitleTooLong = schema.ErrTitleTooLong

	// ErrInvalidColor is returned for label colors that are not hex.
	ErrInvalidColor = schema.ErrInvalidColor

	// ErrUnknownLabel is returned when a label id does not exist.
	ErrUnknownLabel = errors.New("unknown label")

	// ErrTaskNotFound is returned when a task id does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrLabelNotFound is returned when a label id does not exist.
	ErrLabelNotFound = errors.New("label not found")

	// ErrInvalidFilter is returned for unknown status filters.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// Error is returned by every failing store operation.
//
// Remote errors carry an undo handle: the optimistic local change stays in
// place until the caller calls Revert.
type Error struct {
	Op   string // e.g. "add task"
	Kind Kind
	ID   string // entity id, when known
	Err  error

	mu   sync.Mutex
	undo func() bool
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("failed to %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Revertible reports whether Revert can still undo the local change.
func (e *Error) Revertible() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.undo != nil
}

// Revert restores the local state captured before the failed operation and
// resets the affected dirty marks. It reports whether anything was
// restored; only the first call has an effect.
//
// Revert restores nothing once an affected entity changed again, was
// pushed by Reconcile or was replaced by a pull: the failed change is no
// longer the entity's latest state.
func (e *Error) Revert() bool {
	e.mu.Lock()
	undo := e.undo
	e.undo = nil
	e.mu.Unlock()

	if undo == nil {
		return false
	}
	return undo()
}

// KindOf returns the Kind of a store error, or "" for other errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsKind reports whether err is a store error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func validationError(op, id string, err error) *Error {
	return &Error{Op: op, Kind: KindValidation, ID: id, Err: err}
}

func notFoundError(op, id string, err error) *Error {
	return &Error{Op: op, Kind: KindNotFound, ID: id, Err: err}
}
