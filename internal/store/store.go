// Package store owns the in-session copy of tasks and labels.
//
// Every mutation is optimistic: the local change is applied first, then
// mirrored to the remote store through internal/service. When mirroring
// fails the change is kept, the entity is marked dirty and a *Error of kind
// KindRemote is returned; the caller may Revert it, or leave it for
// Reconcile to push later.
//
// Mutations are serialized: an operation's local write and remote mirror
// complete before the next mutation starts. Reads never wait on the remote
// store and always return copies.
//
// Example:
//
//	st := store.New(remote, store.Options{Session: session.Static(uid)})
//	defer st.Close()
//
//	task, err := st.Tasks.AddTask(ctx, "Fix crash", nil)
//	if store.IsKind(err, store.KindRemote) {
//	    // task is kept locally and marked dirty
//	}
package store

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/steveyegge/todosync/internal/notify"
	"github.com/steveyegge/todosync/internal/remote"
	"github.com/steveyegge/todosync/internal/schema"
	"github.com/steveyegge/todosync/internal/service"
	"github.com/steveyegge/todosync/internal/session"
)

// Options configures a Store.
type Options struct {
	// Session supplies the current user. Defaults to session.Anonymous().
	Session session.Provider

	// Notify receives a message after every operation. Defaults to
	// notify.Discard.
	Notify notify.Sink

	// Logger receives remote failures. Defaults to stderr.
	Logger *log.Logger

	// Journal, when set, is handed the pending changes after every
	// mutation so they outlive the process.
	Journal Journal
}

// Store holds the task and label collections of one session.
type Store struct {
	Tasks  *TaskStore
	Labels *LabelStore

	st *state
}

// state is shared by TaskStore and LabelStore.
type state struct {
	// opMu serializes mutations, including their remote calls.
	opMu sync.Mutex

	// mu guards everything below.
	mu          sync.RWMutex
	tasks       []schema.Task // newest first
	labels      []schema.Label
	filter      schema.Status
	labelFilter string
	dirtyTasks  map[string]bool
	dirtyLabels map[string]bool
	closed      bool
	observers   []Observer

	// revs counts local changes per entity id; epoch counts wholesale
	// replacements. Together they tell Revert whether an entity moved on.
	revs  map[string]uint64
	epoch uint64

	taskSvc     *service.TaskService
	labelSvc    *service.LabelService
	session     session.Provider
	placeholder string
	sink        notify.Sink
	logger      *log.Logger
	journal     Journal
}

// New creates an empty store that mirrors changes to rs.
func New(rs remote.Store, opts Options) *Store {
	if opts.Session == nil {
		opts.Session = session.Anonymous()
	}
	if opts.Notify == nil {
		opts.Notify = notify.Discard
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	st := &state{
		filter:      schema.StatusAll,
		dirtyTasks:  make(map[string]bool),
		dirtyLabels: make(map[string]bool),
		revs:        make(map[string]uint64),
		taskSvc:     service.NewTaskService(rs),
		labelSvc:    service.NewLabelService(rs),
		session:     opts.Session,
		placeholder: session.NewPlaceholderID(),
		sink:        opts.Notify,
		logger:      opts.Logger,
		journal:     opts.Journal,
	}
	return &Store{
		Tasks:  &TaskStore{st: st},
		Labels: &LabelStore{st: st},
		st:     st,
	}
}

// Close marks the store closed. Later operations fail with KindClosed, and
// operations still waiting on the remote store finish without notifying.
func (s *Store) Close() error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	return s.st.isClosed()
}

// Subscribe registers an observer for store events.
func (s *Store) Subscribe(obs Observer) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.observers = append(s.st.observers, obs)
}

// UserID returns the id new entities are owned by: the session user, or a
// placeholder that stays fixed for the lifetime of the store.
func (s *Store) UserID() string {
	return s.st.userID()
}

// Dirty returns the ids of tasks and labels whose last change has not
// reached the remote store.
func (s *Store) Dirty() (tasks, labels []string) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	for _, t := range s.st.tasks {
		if s.st.dirtyTasks[t.ID] {
			tasks = append(tasks, t.ID)
		}
	}
	for id := range s.st.dirtyTasks {
		if s.st.taskIndex(id) < 0 {
			tasks = append(tasks, id)
		}
	}
	for _, l := range s.st.labels {
		if s.st.dirtyLabels[l.ID] {
			labels = append(labels, l.ID)
		}
	}
	for id := range s.st.dirtyLabels {
		if s.st.labelIndex(id) < 0 {
			labels = append(labels, id)
		}
	}
	return tasks, labels
}

// ReplaceTasks swaps in a freshly pulled task collection. Dirty tasks are
// the exception: a dirty task keeps its local copy, and a dirty task that
// was deleted locally stays deleted, so unsynced changes survive a pull and
// remain marked for Reconcile.
func (s *Store) ReplaceTasks(tasks []schema.Task) {
	st := s.st
	st.opMu.Lock()
	defer st.endOp()

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.tasks = mergeTasks(tasks, st.tasks, st.dirtyTasks)
	st.epoch++
	n := len(st.tasks)
	st.mu.Unlock()

	st.emit(Event{Type: TasksReplaced, Count: n})
}

// ReplaceLabels swaps in a freshly pulled label collection, keeping dirty
// labels as ReplaceTasks keeps dirty tasks. A label filter pointing at a
// label that no longer exists is cleared.
func (s *Store) ReplaceLabels(labels []schema.Label) {
	st := s.st
	st.opMu.Lock()
	defer st.endOp()

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.labels = mergeLabels(labels, st.labels, st.dirtyLabels)
	st.epoch++
	if st.labelFilter != "" && st.labelIndex(st.labelFilter) < 0 {
		st.labelFilter = ""
	}
	n := len(st.labels)
	st.mu.Unlock()

	st.emit(Event{Type: LabelsReplaced, Count: n})
}

// mergeTasks returns pulled with the local copies of dirty tasks in place
// of the remote ones, newest first.
func mergeTasks(pulled, local []schema.Task, dirty map[string]bool) []schema.Task {
	out := make([]schema.Task, 0, len(pulled)+len(dirty))
	for _, t := range pulled {
		if !dirty[t.ID] {
			out = append(out, t.Clone())
		}
	}
	if len(dirty) == 0 {
		return out
	}
	for _, t := range local {
		if dirty[t.ID] {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out
}

// mergeLabels returns pulled with dirty labels taken from local. Dirty
// labels the remote does not have yet go last.
func mergeLabels(pulled, local []schema.Label, dirty map[string]bool) []schema.Label {
	byID := make(map[string]schema.Label, len(local))
	for _, l := range local {
		byID[l.ID] = l
	}
	out := make([]schema.Label, 0, len(pulled)+len(dirty))
	seen := make(map[string]bool, len(pulled))
	for _, l := range pulled {
		seen[l.ID] = true
		if !dirty[l.ID] {
			out = append(out, l)
		} else if mine, ok := byID[l.ID]; ok {
			out = append(out, mine)
		}
	}
	for _, l := range local {
		if dirty[l.ID] && !seen[l.ID] {
			out = append(out, l)
		}
	}
	return out
}

// sortTasks orders tasks newest first, keeping the order of equal times.
func sortTasks(tasks []schema.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

// Snapshot returns copies of both collections.
func (s *Store) Snapshot() ([]schema.Task, []schema.Label) {
	return s.Tasks.Tasks(), s.Labels.Labels()
}

// version identifies the local state of one entity.
type version struct {
	epoch, rev uint64
}

// touch records a local change to the entity and returns its new version.
// Callers hold st.mu.
func (st *state) touch(id string) version {
	st.revs[id]++
	return version{st.epoch, st.revs[id]}
}

// current reports whether every entity in vs is still at the recorded
// version. Callers hold st.mu.
func (st *state) current(vs map[string]version) bool {
	for id, v := range vs {
		if st.revs[id] != v.rev || st.epoch != v.epoch {
			return false
		}
	}
	return true
}

// endOp hands the pending changes to the journal and ends a mutation
// started with st.opMu.Lock.
func (st *state) endOp() {
	defer st.opMu.Unlock()
	if st.journal == nil {
		return
	}
	st.mu.RLock()
	closed := st.closed
	p := st.pending()
	st.mu.RUnlock()
	if closed {
		return
	}
	if err := st.journal.Save(p); err != nil {
		st.logger.Printf("Warning: failed to save pending changes: %v", err)
	}
}

func (st *state) isClosed() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.closed
}

func (st *state) userID() string {
	if id, ok := st.session.CurrentUserID(); ok {
		return id
	}
	return st.placeholder
}

// closedError returns a KindClosed error when the store is closed.
func (st *state) closedError(op string) error {
	if st.isClosed() {
		return &Error{Op: op, Kind: KindClosed, Err: ErrClosed}
	}
	return nil
}

// fail reports a rejected operation.
func (st *state) fail(err *Error) error {
	if !st.isClosed() {
		st.sink.Failure(failureMessage(err))
	}
	return err
}

// remoteFailed reports a failed remote mirror. Callers have already marked
// the entity dirty.
func (st *state) remoteFailed(op, id string, err error, undo func() bool) error {
	e := &Error{Op: op, Kind: KindRemote, ID: id, Err: err, undo: undo}
	if !st.isClosed() {
		st.logger.Printf("Warning: %v (kept locally, marked dirty)", e)
		st.sink.Failure(failureMessage(e))
	}
	return e
}

func (st *state) succeed(msg string) {
	if !st.isClosed() {
		st.sink.Success(msg)
	}
}

func failureMessage(e *Error) string {
	return fmt.Sprintf("Failed to %s: %v", e.Op, e.Err)
}

func (st *state) taskIndex(id string) int {
	for i := range st.tasks {
		if st.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func (st *state) labelIndex(id string) int {
	for i := range st.labels {
		if st.labels[i].ID == id {
			return i
		}
	}
	return -1
}

// unknownLabels returns the ids in ids that are not known labels.
func (st *state) unknownLabels(ids []string) []string {
	var out []string
	for _, id := range ids {
		if st.labelIndex(id) < 0 {
			out = append(out, id)
		}
	}
	return out
}

// insertTask puts task at index i, clamped to the collection bounds.
func (st *state) insertTask(i int, task schema.Task) {
	if i < 0 {
		i = 0
	}
	if i > len(st.tasks) {
		i = len(st.tasks)
	}
	st.tasks = append(st.tasks, schema.Task{})
	copy(st.tasks[i+1:], st.tasks[i:])
	st.tasks[i] = task
}

func (st *state) removeTask(id string) (schema.Task, int, bool) {
	i := st.taskIndex(id)
	if i < 0 {
		return schema.Task{}, -1, false
	}
	task := st.tasks[i]
	st.tasks = append(st.tasks[:i], st.tasks[i+1:]...)
	return task, i, true
}

func (st *state) insertLabel(i int, label schema.Label) {
	if i < 0 {
		i = 0
	}
	if i > len(st.labels) {
		i = len(st.labels)
	}
	st.labels = append(st.labels, schema.Label{})
	copy(st.labels[i+1:], st.labels[i:])
	st.labels[i] = label
}

func cloneTasks(tasks []schema.Task) []schema.Task {
	out := make([]schema.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}
