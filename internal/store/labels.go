package store

import (
	"context"
	"strings"

	"github.com/steveyegge/todosync/internal/schema"
)

// LabelStore owns the label collection and the label filter.
type LabelStore struct {
	st *state
}

// AddLabel creates a label and appends it to the collection. An empty
// color becomes schema.DefaultLabelColor.
func (s *LabelStore) AddLabel(ctx context.Context, name, color string) (schema.Label, error) {
	const op = "add label"
	st := s.st
	st.opMu.Lock()
	defer st.endOp()

	if err := st.lockOpen(op); err != nil {
		return schema.Label{}, err
	}
	label := schema.NewLabel(name, color)
	if err := schema.ValidateLabel(label.Name, label.Color); err != nil {
		st.mu.Unlock()
		return schema.Label{}, st.fail(validationError(op, "", err))
	}
	st.labels = append(st.labels, label)
	userID := st.userID()
	at := map[string]version{label.ID: st.touch(label.ID)}
	st.mu.Unlock()

	err := st.labelSvc.Insert(ctx, label, userID)
	undo := st.undo(at, func() (Event, bool) {
		i := st.labelIndex(label.ID)
		if i < 0 {
			return Event{}, false
		}
		st.labels = append(st.labels[:i], st.labels[i+1:]...)
		delete(st.dirtyLabels, label.ID)
		if st.labelFilter == label.ID {
			st.labelFilter = ""
		}
		return labelEvent(LabelDeleted, label, false), true
	})
	return label, st.finishLabel(op, "Label added successfully", LabelAdded, label, err, undo)
}

// UpdateLabel renames and recolors a label.
func (s *LabelStore) UpdateLabel(ctx context.Context, id, name, color string) (schema.Label, error) {
	const op = "update label"
	st := s.st
	st.opMu.Lock()
	defer st.endOp()

	if err := st.lockOpen(op); err != nil {
		return schema.Label{}, err
	}
	i := st.labelIndex(id)
	if i < 0 {
		st.mu.Unlock()
		return schema.Label{}, st.fail(notFoundError(op, id, ErrLabelNotFound))
	}
	name, color = schema.NormalizeLabel(name, color)
	if err := schema.ValidateLabel(name, color); err != nil {
		st.mu.Unlock()
		return schema.Label{}, st.fail(validationError(op, id, err))
	}
	prev := st.labels[i]
	next := schema.Label{ID: id, Name: name, Color: color}
	st.labels[i] = next
	wasDirty := st.dirtyLabels[id]
	at := map[string]version{id: st.touch(id)}
	st.mu.Unlock()

	err := st.labelSvc.Update(ctx, next)
	undo := st.undo(at, func() (Event, bool) {
		j := st.labelIndex(id)
		if j < 0 {
			return Event{}, false
		}
		st.labels[j] = prev
		st.setLabelDirty(id, wasDirty)
		return labelEvent(LabelUpdated, prev, wasDirty), true
	})
	return next, st.finishLabel(op, "Label updated successfully", LabelUpdated, next, err, undo)
}

// DeleteLabel removes a label, strips it from every task and clears the
// label filter if it pointed at it. Remotely the label's task links are
// deleted along with it.
func (s *LabelStore) DeleteLabel(ctx context.Context, id string) error {
	const op = "delete label"
	st := s.st
	st.opMu.Lock()
	defer st.endOp()

	if err := st.lockOpen(op); err != nil {
		return err
	}
	idx := st.labelIndex(id)
	if idx < 0 {
		st.mu.Unlock()
		return st.fail(notFoundError(op, id, ErrLabelNotFound))
	}
	prev := st.labels[idx]
	st.labels = append(st.labels[:idx], st.labels[idx+1:]...)

	// Cascade locally; remember each task's previous label set for Revert.
	stripped := make(map[string][]string)
	at := map[string]version{id: st.touch(id)}
	var touched []schema.Task
	for i := range st.tasks {
		t := &st.tasks[i]
		labels, removed := t.WithoutLabel(id)
		if !removed {
			continue
		}
		stripped[t.ID] = t.Labels
		t.Labels = labels
		at[t.ID] = st.touch(t.ID)
		touched = append(touched, t.Clone())
	}
	hadFilter := st.labelFilter == id
	if hadFilter {
		st.labelFilter = ""
	}
	wasDirty := st.dirtyLabels[id]
	st.mu.Unlock()

	for _, t := range touched {
		st.emit(taskEvent(TaskUpdated, t, false))
	}

	if err := st.labelSvc.Delete(ctx, id); err != nil {
		// The remote links may be half deleted; mark the touched tasks so
		// Reconcile rewrites them whichever way the label ends up.
		st.mu.Lock()
		st.setLabelDirty(id, true)
		for taskID := range stripped {
			st.setTaskDirty(taskID, true)
		}
		st.mu.Unlock()
		st.emit(labelEvent(LabelDeleted, prev, true))
		return st.remoteFailed(op, id, err, st.undo(at, func() (Event, bool) {
			if st.labelIndex(id) >= 0 {
				return Event{}, false
			}
			st.insertLabel(idx, prev)
			for taskID, labels := range stripped {
				if j := st.taskIndex(taskID); j >= 0 {
					st.tasks[j].Labels = append([]string(nil), labels...)
				}
			}
			if hadFilter && st.labelFilter == "" {
				st.labelFilter = id
			}
			st.setLabelDirty(id, wasDirty)
			return labelEvent(LabelAdded, prev, wasDirty), true
		}))
	}

	st.setLabelDirtyLocked(id, false)
	st.emit(labelEvent(LabelDeleted, prev, false))
	st.succeed("Label deleted successfully")
	return nil
}

// SetLabelFilter restricts FilteredTasks to tasks carrying the label. An
// empty id clears the filter.
func (s *LabelStore) SetLabelFilter(id string) error {
	const op = "set label filter"
	st := s.st
	if err := st.lockOpen(op); err != nil {
		return err
	}
	if id != "" && st.labelIndex(id) < 0 {
		st.mu.Unlock()
		return st.fail(validationError(op, id, ErrUnknownLabel))
	}
	st.labelFilter = id
	st.mu.Unlock()
	return nil
}

// LabelFilter returns the active label filter, or "" when none is set.
func (s *LabelStore) LabelFilter() string {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	return s.st.labelFilter
}

// Labels returns every label in creation order.
func (s *LabelStore) Labels() []schema.Label {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	return append([]schema.Label(nil), s.st.labels...)
}

// Label returns the label with the given id.
func (s *LabelStore) Label(id string) (schema.Label, bool) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	i := s.st.labelIndex(id)
	if i < 0 {
		return schema.Label{}, false
	}
	return s.st.labels[i], true
}

// Lookup resolves a label by id or, failing that, by case-insensitive
// name.
func (s *LabelStore) Lookup(ref string) (schema.Label, bool) {
	if l, ok := s.Label(ref); ok {
		return l, true
	}
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	for _, l := range s.st.labels {
		if strings.EqualFold(l.Name, ref) {
			return l, true
		}
	}
	return schema.Label{}, false
}

func (st *state) setLabelDirty(id string, dirty bool) {
	if dirty {
		st.dirtyLabels[id] = true
	} else {
		delete(st.dirtyLabels, id)
	}
}

func (st *state) setLabelDirtyLocked(id string, dirty bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.setLabelDirty(id, dirty)
}

func (st *state) finishLabel(op, okMsg string, typ EventType, label schema.Label, err error, undo func() bool) error {
	if err != nil {
		st.setLabelDirtyLocked(label.ID, true)
		st.emit(labelEvent(typ, label, true))
		return st.remoteFailed(op, label.ID, err, undo)
	}
	st.emit(labelEvent(typ, label, false))
	st.succeed(okMsg)
	return nil
}
