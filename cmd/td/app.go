package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/steveyegge/todosync/internal/journal"
	"github.com/steveyegge/todosync/internal/logging"
	"github.com/steveyegge/todosync/internal/notify"
	"github.com/steveyegge/todosync/internal/remote"
	"github.com/steveyegge/todosync/internal/remote/sqlstore"
	"github.com/steveyegge/todosync/internal/schema"
	"github.com/steveyegge/todosync/internal/session"
	"github.com/steveyegge/todosync/internal/store"
	tdsync "github.com/steveyegge/todosync/internal/sync"
	"github.com/steveyegge/todosync/internal/ui"
)

// app is an opened store with its collaborators.
type app struct {
	logs     *logging.Logs
	db       *sqlstore.DB
	provider session.Provider
	store    *store.Store
	journal  *journal.Dir
	sync     *tdsync.Coordinator
	notices  *sinkSet
	out      io.Writer
}

// openApp opens the configured store, restores changes earlier runs could
// not push, pulls the user's data and pushes the restored changes. An
// unreachable remote leaves only the restored changes in the local store
// and prints a warning; the command still runs.
func (c *cli) openApp(cmd *cobra.Command) (*app, error) {
	ctx := cmd.Context()
	cfg := c.cfg

	logs, err := logging.Open(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Verbose:    cfg.Log.Verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	var provider session.Provider
	if cfg.Session.UserID != "" {
		provider = session.Static(cfg.Session.UserID)
	} else {
		provider, err = session.LoadAnonymous(cfg.Session.AnonymousFile)
		if err != nil {
			_ = logs.Close()
			return nil, err
		}
	}

	db, err := sqlstore.Open(ctx, cfg.Store.DSN, sqlstore.Options{AuthToken: cfg.Store.AuthToken})
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	var rs remote.Store = db
	if c.wrapRemote != nil {
		rs = c.wrapRemote(db)
	}

	userID, _ := provider.CurrentUserID()
	jnl := journal.Open(cfg.Session.PendingDir, userID, logs.For("journal"))
	notices := &sinkSet{}
	notices.Add(newPrintSink(cmd.ErrOrStderr()))
	st := store.New(rs, store.Options{
		Session: provider,
		Notify:  notices,
		Logger:  logs.For("store"),
		Journal: jnl,
	})
	if err := restorePending(st, jnl); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", ui.RenderWarn("!"), err)
	}
	coord := tdsync.New(rs, st, tdsync.Options{
		Notify: notices,
		Logger: logs.For("sync"),
	})

	a := &app{
		logs:     logs,
		db:       db,
		provider: provider,
		store:    st,
		journal:  jnl,
		sync:     coord,
		notices:  notices,
		out:      cmd.OutOrStdout(),
	}
	if _, err := coord.Start(ctx, provider, st.UserID()); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s working offline: %v\n", ui.RenderWarn("!"), err)
		return a, nil
	}
	if st.Pending().Len() > 0 {
		// Failures are reported through notices and stay journaled.
		_, _ = st.Reconcile(ctx)
	}
	return a, nil
}

// restorePending makes the journal's contents st's pending changes.
func restorePending(st *store.Store, jnl *journal.Dir) error {
	p, err := jnl.Load()
	if err != nil {
		return fmt.Errorf("failed to load unsynced changes: %w", err)
	}
	if p.Len() == 0 && st.Pending().Len() == 0 {
		return nil
	}
	if err := st.Restore(p); err != nil {
		return fmt.Errorf("failed to restore unsynced changes: %w", err)
	}
	return nil
}

// journalReconciler picks up changes other td processes journaled before
// every Reconcile, so a long-running session pushes them too.
type journalReconciler struct {
	store   *store.Store
	journal *journal.Dir
}

func (r *journalReconciler) Reconcile(ctx context.Context) (store.ReconcileResult, error) {
	if err := restorePending(r.store, r.journal); err != nil {
		return store.ReconcileResult{}, err
	}
	return r.store.Reconcile(ctx)
}

func (a *app) Close() error {
	_ = a.store.Close()
	err := a.db.Close()
	if lerr := a.logs.Close(); err == nil {
		err = lerr
	}
	return err
}

// userID is the id the pulled data belongs to.
func (a *app) userID() string {
	return a.store.UserID()
}

// withApp opens the app around fn. A change that was applied locally but
// could not be mirrored is journaled, so fn failing with a remote error is
// reported as a warning rather than a failed command.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := c.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	err = fn(cmd.Context(), a)
	if store.IsKind(err, store.KindRemote) && a.store.Pending().Len() > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s Saved locally; it will be pushed the next time td reaches the store\n", ui.RenderWarn("!"))
		return nil
	}
	return err
}

// sinkSet is a notify.Sink that more sinks can join after the store is
// created.
type sinkSet struct {
	mu    sync.RWMutex
	sinks []notify.Sink
}

func (s *sinkSet) Add(sink notify.Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

func (s *sinkSet) current() notify.Sink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return notify.Multi(s.sinks...)
}

func (s *sinkSet) Success(msg string) { s.current().Success(msg) }
func (s *sinkSet) Failure(msg string) { s.current().Failure(msg) }

// printSink prints notifications for interactive use.
type printSink struct {
	w io.Writer
}

func newPrintSink(w io.Writer) *printSink {
	return &printSink{w: w}
}

func (s *printSink) Success(msg string) {
	fmt.Fprintf(s.w, "%s %s\n", ui.RenderPass("✓"), msg)
}

func (s *printSink) Failure(msg string) {
	fmt.Fprintf(s.w, "%s %s\n", ui.RenderFail("✗"), msg)
}

var errAmbiguous = errors.New("ambiguous reference")

// resolveTask finds a task by full id or unique id prefix.
func resolveTask(st *store.Store, ref string) (schema.Task, error) {
	ref = strings.TrimSpace(ref)
	if t, ok := st.Tasks.Task(ref); ok {
		return t, nil
	}
	var matches []schema.Task
	for _, t := range st.Tasks.Tasks() {
		if ref != "" && strings.HasPrefix(t.ID, ref) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return schema.Task{}, fmt.Errorf("%w: %s", store.ErrTaskNotFound, ref)
	case 1:
		return matches[0], nil
	}
	return schema.Task{}, fmt.Errorf("%w: %s matches %d tasks", errAmbiguous, ref, len(matches))
}

// resolveLabel finds a label by id, name or unique id prefix.
func resolveLabel(st *store.Store, ref string) (schema.Label, error) {
	ref = strings.TrimSpace(ref)
	if l, ok := st.Labels.Lookup(ref); ok {
		return l, nil
	}
	var matches []schema.Label
	for _, l := range st.Labels.Labels() {
		if ref != "" && strings.HasPrefix(l.ID, ref) {
			matches = append(matches, l)
		}
	}
	switch len(matches) {
	case 0:
		return schema.Label{}, fmt.Errorf("%w: %s", store.ErrLabelNotFound, ref)
	case 1:
		return matches[0], nil
	}
	return schema.Label{}, fmt.Errorf("%w: %s matches %d labels", errAmbiguous, ref, len(matches))
}

// resolveLabels maps label references to ids.
func resolveLabels(st *store.Store, refs []string) ([]string, error) {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		l, err := resolveLabel(st, ref)
		if err != nil {
			return nil, err
		}
		ids = append(ids, l.ID)
	}
	return ids, nil
}

// labelIndex maps label ids to labels for rendering.
func labelIndex(labels []schema.Label) map[string]schema.Label {
	m := make(map[string]schema.Label, len(labels))
	for _, l := range labels {
		m[l.ID] = l
	}
	return m
}

func sortedLabels(labels []schema.Label) []schema.Label {
	out := append([]schema.Label(nil), labels...)
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}
