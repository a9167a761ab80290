package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"time"

	"github.com/steveyegge/todosync/internal/notify"
	"github.com/steveyegge/todosync/internal/remote"
	"github.com/steveyegge/todosync/internal/schema"
	"github.com/steveyegge/todosync/internal/service"
	"github.com/steveyegge/todosync/internal/session"
)

// State is a step of the sync state machine.
type State string

const (
	StateIdle           State = "idle"
	StateCheckingTables State = "checking-tables"
	StatePullingTasks   State = "pulling-tasks"
	StatePullingLabels  State = "pulling-labels"
	StateDone           State = "done"
	StateError          State = "error"
)

// Running reports whether s is one of the in-progress steps.
func (s State) Running() bool {
	return s == StateCheckingTables || s == StatePullingTasks || s == StatePullingLabels
}

var (
	// ErrSyncInProgress is returned when a sync is triggered while one runs.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrNoUser is returned when a sync is triggered without a user id.
	ErrNoUser = errors.New("no user id")

	// ErrSessionLoading is returned by Start while the session provider is
	// still resolving the user.
	ErrSessionLoading = errors.New("session still loading")
)

// Target receives pulled collections. *store.Store implements it.
type Target interface {
	ReplaceTasks([]schema.Task)
	ReplaceLabels([]schema.Label)
}

// Result describes one sync run.
type Result struct {
	UserID string `json:"user_id"`
	State  State  `json:"state"`

	// Tasks and Labels are the number of rows pulled.
	Tasks  int `json:"tasks"`
	Labels int `json:"labels"`

	// TasksApplied and LabelsApplied report whether the pulled collection
	// replaced the local one.
	TasksApplied  bool `json:"tasks_applied"`
	LabelsApplied bool `json:"labels_applied"`

	// Skipped counts task rows that could not be decoded.
	Skipped int `json:"skipped"`

	// FailedStep is the state the run failed in, if any.
	FailedStep State `json:"failed_step,omitempty"`
	Err        error `json:"-"`

	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Duration returns how long the run took.
func (r Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Options configures a Coordinator.
type Options struct {
	// Notify receives one failure message per failed run.
	Notify notify.Sink

	// Logger defaults to stderr with a "[sync] " prefix.
	Logger *log.Logger
}

// Coordinator runs the initial pull for a session.
type Coordinator struct {
	tasks  *service.TaskService
	labels *service.LabelService
	target Target
	sink   notify.Sink
	logger *log.Logger

	mu         stdsync.Mutex
	state      State
	syncedUser string
	last       Result
	listeners  []func(Result)
}

// New creates a Coordinator that pulls from rs into target.
func New(rs remote.Store, target Target, opts Options) *Coordinator {
	if opts.Notify == nil {
		opts.Notify = notify.Discard
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Coordinator{
		tasks:  service.NewTaskService(rs),
		labels: service.NewLabelService(rs),
		target: target,
		sink:   opts.Notify,
		logger: opts.Logger,
		state:  StateIdle,
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastResult returns the result of the most recent completed run.
func (c *Coordinator) LastResult() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// OnComplete registers fn to be called after every completed run.
func (c *Coordinator) OnComplete(fn func(Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Start triggers SessionEstablished for the provider's user. While the
// provider is loading nothing happens and ErrSessionLoading is returned.
// Without a signed-in user, fallbackUserID is used.
func (c *Coordinator) Start(ctx context.Context, p session.Provider, fallbackUserID string) (Result, error) {
	if p.Loading() {
		return Result{}, ErrSessionLoading
	}
	userID, ok := p.CurrentUserID()
	if !ok {
		userID = fallbackUserID
	}
	return c.SessionEstablished(ctx, userID)
}

// SessionEstablished pulls the user's data once. A repeated call for the
// same user after a successful run returns the previous result without
// touching the remote store.
func (c *Coordinator) SessionEstablished(ctx context.Context, userID string) (Result, error) {
	return c.trigger(ctx, userID, false)
}

// Resync pulls the user's data even if it was pulled before.
func (c *Coordinator) Resync(ctx context.Context, userID string) (Result, error) {
	return c.trigger(ctx, userID, true)
}

func (c *Coordinator) trigger(ctx context.Context, userID string, force bool) (Result, error) {
	if userID == "" {
		return Result{}, ErrNoUser
	}

	c.mu.Lock()
	if c.state.Running() {
		c.mu.Unlock()
		return Result{}, ErrSyncInProgress
	}
	if !force && c.state == StateDone && c.syncedUser == userID {
		last := c.last
		c.mu.Unlock()
		return last, nil
	}
	c.state = StateCheckingTables
	c.mu.Unlock()

	res := c.run(ctx, userID)

	c.mu.Lock()
	c.state = res.State
	c.last = res
	if res.State == StateDone {
		c.syncedUser = userID
	}
	listeners := append([]func(Result){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(res)
	}
	return res, res.Err
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// run walks the state machine. It never returns with a Running state.
func (c *Coordinator) run(ctx context.Context, userID string) Result {
	res := Result{UserID: userID, Started: time.Now()}
	c.logger.Printf("Starting sync for user %s", userID)

	fail := func(step State, err error) Result {
		res.State = StateError
		res.FailedStep = step
		res.Err = fmt.Errorf("sync failed while %s: %w", step, err)
		res.Finished = time.Now()
		if remote.IsUnavailable(err) {
			c.logger.Printf("Remote unreachable (%v), keeping local state", err)
		} else {
			c.logger.Printf("Error: %v", res.Err)
		}
		c.sink.Failure(fmt.Sprintf("Failed to sync: %v", err))
		return res
	}

	// checking-tables
	if err := c.tasks.Ping(ctx); err != nil {
		return fail(StateCheckingTables, err)
	}
	if err := c.labels.Ping(ctx); err != nil {
		return fail(StateCheckingTables, err)
	}

	// pulling-tasks
	c.setState(StatePullingTasks)
	tasks, skipped, err := c.tasks.List(ctx, userID)
	if err != nil {
		return fail(StatePullingTasks, err)
	}
	res.Tasks, res.Skipped = len(tasks), skipped
	if skipped > 0 {
		c.logger.Printf("Warning: skipped %d undecodable task rows", skipped)
	}
	if len(tasks) > 0 {
		c.target.ReplaceTasks(tasks)
		res.TasksApplied = true
	}

	// pulling-labels
	c.setState(StatePullingLabels)
	labels, err := c.labels.List(ctx, userID)
	if err != nil {
		return fail(StatePullingLabels, err)
	}
	res.Labels = len(labels)
	if len(labels) > 0 {
		c.target.ReplaceLabels(labels)
		res.LabelsApplied = true
	}

	res.State = StateDone
	res.Finished = time.Now()
	c.logger.Printf("Sync complete: tasks=%d (applied=%v), labels=%d (applied=%v) in %v",
		res.Tasks, res.TasksApplied, res.Labels, res.LabelsApplied, res.Duration())
	return res
}
