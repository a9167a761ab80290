package store

import (
	"fmt"
	"sort"

	"github.com/steveyegge/todosync/internal/schema"
)

// Pending is the part of a store that has not reached the remote store:
// copies of dirty entities that exist locally, and the ids of dirty
// entities that were deleted locally.
type Pending struct {
	UserID        string         `json:"user_id"`
	Tasks         []schema.Task  `json:"tasks,omitempty"`
	Labels        []schema.Label `json:"labels,omitempty"`
	DeletedTasks  []string       `json:"deleted_tasks,omitempty"`
	DeletedLabels []string       `json:"deleted_labels,omitempty"`
}

// Len returns the number of pending entities.
func (p Pending) Len() int {
	return len(p.Tasks) + len(p.Labels) + len(p.DeletedTasks) + len(p.DeletedLabels)
}

// Journal persists pending changes so a later process can push them.
//
// Save is called with the store's whole pending set after every mutation,
// Reconcile and pull. It must not call back into the store.
type Journal interface {
	Save(p Pending) error
}

// Pending returns the store's unsynced changes.
func (s *Store) Pending() Pending {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	return s.st.pending()
}

// Restore makes p the store's pending set: its entities are applied to the
// local collections and marked dirty, and dirty marks of entities not in p
// are dropped. Reconcile pushes the restored changes.
//
// Restore fails when p belongs to another user.
func (s *Store) Restore(p Pending) error {
	const op = "restore pending changes"
	st := s.st
	st.opMu.Lock()
	defer st.endOp()

	if err := st.lockOpen(op); err != nil {
		return err
	}
	if p.UserID != "" && p.UserID != st.userID() {
		st.mu.Unlock()
		return validationError(op, "", fmt.Errorf("pending changes belong to %s, not %s", p.UserID, st.userID()))
	}

	st.dirtyTasks = make(map[string]bool)
	st.dirtyLabels = make(map[string]bool)
	for _, l := range p.Labels {
		if i := st.labelIndex(l.ID); i >= 0 {
			st.labels[i] = l
		} else {
			st.labels = append(st.labels, l)
		}
		st.dirtyLabels[l.ID] = true
	}
	for _, id := range p.DeletedLabels {
		if i := st.labelIndex(id); i >= 0 {
			st.labels = append(st.labels[:i], st.labels[i+1:]...)
		}
		st.dirtyLabels[id] = true
	}
	for _, t := range p.Tasks {
		if i := st.taskIndex(t.ID); i >= 0 {
			st.tasks[i] = t.Clone()
		} else {
			st.tasks = append(st.tasks, t.Clone())
		}
		st.dirtyTasks[t.ID] = true
	}
	for _, id := range p.DeletedTasks {
		st.removeTask(id)
		st.dirtyTasks[id] = true
	}
	sortTasks(st.tasks)
	if st.labelFilter != "" && st.labelIndex(st.labelFilter) < 0 {
		st.labelFilter = ""
	}
	st.epoch++
	tasks, labels := len(st.tasks), len(st.labels)
	st.mu.Unlock()

	st.emit(Event{Type: LabelsReplaced, Count: labels})
	st.emit(Event{Type: TasksReplaced, Count: tasks})
	return nil
}

// pending builds the pending set. Callers hold st.mu.
func (st *state) pending() Pending {
	p := Pending{UserID: st.userID()}
	for _, t := range st.tasks {
		if st.dirtyTasks[t.ID] {
			p.Tasks = append(p.Tasks, t.Clone())
		}
	}
	for id := range st.dirtyTasks {
		if st.taskIndex(id) < 0 {
			p.DeletedTasks = append(p.DeletedTasks, id)
		}
	}
	for _, l := range st.labels {
		if st.dirtyLabels[l.ID] {
			p.Labels = append(p.Labels, l)
		}
	}
	for id := range st.dirtyLabels {
		if st.labelIndex(id) < 0 {
			p.DeletedLabels = append(p.DeletedLabels, id)
		}
	}
	sort.Strings(p.DeletedTasks)
	sort.Strings(p.DeletedLabels)
	return p
}
