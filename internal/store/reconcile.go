package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/todosync/internal/schema"
)

// ReconcileResult summarizes a Reconcile pass.
type ReconcileResult struct {
	Pushed  int // dirty entities written with an upsert
	Deleted int // dirty entities deleted remotely
	Failed  int // entities still dirty afterwards
}

// Reconcile pushes every dirty entity to the remote store: entities present
// locally are upserted, entities gone locally are deleted. Labels go first
// so task links never point at labels that were never written. Entities
// that still fail stay dirty; the joined errors are returned.
func (s *Store) Reconcile(ctx context.Context) (ReconcileResult, error) {
	const op = "reconcile"
	st := s.st
	st.opMu.Lock()
	defer st.endOp()

	var res ReconcileResult
	if err := st.lockOpen(op); err != nil {
		return res, err
	}
	type pending struct {
		id    string
		task  *schema.Task
		label *schema.Label
	}
	var labels, tasks []pending
	for id := range st.dirtyLabels {
		p := pending{id: id}
		if i := st.labelIndex(id); i >= 0 {
			l := st.labels[i]
			p.label = &l
		}
		labels = append(labels, p)
	}
	for id := range st.dirtyTasks {
		p := pending{id: id}
		if i := st.taskIndex(id); i >= 0 {
			t := st.tasks[i].Clone()
			p.task = &t
		}
		tasks = append(tasks, p)
	}
	userID := st.userID()
	st.mu.Unlock()

	if len(labels)+len(tasks) == 0 {
		return res, nil
	}

	var errs []error
	record := func(err error, deleted bool, clear func()) {
		switch {
		case err != nil:
			res.Failed++
			errs = append(errs, err)
		case deleted:
			res.Deleted++
			clear()
		default:
			res.Pushed++
			clear()
		}
	}

	for _, p := range labels {
		if err := ctx.Err(); err != nil {
			res.Failed++
			errs = append(errs, err)
			continue
		}
		id := p.id
		clear := func() { st.markPushed(id, st.setLabelDirty) }
		if p.label == nil {
			record(st.labelSvc.Delete(ctx, id), true, clear)
		} else {
			record(st.labelSvc.Upsert(ctx, *p.label, userID), false, clear)
		}
	}
	for _, p := range tasks {
		if err := ctx.Err(); err != nil {
			res.Failed++
			errs = append(errs, err)
			continue
		}
		id := p.id
		clear := func() { st.markPushed(id, st.setTaskDirty) }
		if p.task == nil {
			record(st.taskSvc.Delete(ctx, id), true, clear)
		} else {
			record(st.taskSvc.Upsert(ctx, *p.task), false, clear)
		}
	}

	st.emit(Event{Type: Reconciled, Count: res.Pushed + res.Deleted})
	if len(errs) > 0 {
		e := &Error{Op: op, Kind: KindRemote, Err: errors.Join(errs...)}
		if !st.isClosed() {
			st.logger.Printf("Warning: reconcile left %d entities dirty: %v", res.Failed, e.Err)
			st.sink.Failure(fmt.Sprintf("Failed to reconcile %d changes", res.Failed))
		}
		return res, e
	}
	st.succeed(fmt.Sprintf("Reconciled %d changes successfully", res.Pushed+res.Deleted))
	return res, nil
}

// markPushed clears the dirty mark of an entity Reconcile wrote. The local
// copy now matches the remote one, so earlier Revert handles must not
// restore anything.
func (st *state) markPushed(id string, setDirty func(string, bool)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	setDirty(id, false)
	st.touch(id)
}
