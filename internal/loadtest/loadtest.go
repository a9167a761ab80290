// Package loadtest drives many concurrent sessions against one remote
// store.
//
// Each simulated client owns a store.Store for its own user, pulls its data
// through a sync.Coordinator, and then performs a random mix of task and
// label operations. Latency is recorded per operation, and afterwards every
// client's local state is checked against what the remote store holds.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/todosync/internal/remote"
	"github.com/steveyegge/todosync/internal/schema"
	"github.com/steveyegge/todosync/internal/service"
	"github.com/steveyegge/todosync/internal/session"
	"github.com/steveyegge/todosync/internal/store"
	tdsync "github.com/steveyegge/todosync/internal/sync"
)

// Op names a client operation.
type Op string

const (
	OpAdd         Op = "add"
	OpToggle      Op = "toggle"
	OpDue         Op = "due"
	OpLabels      Op = "labels"
	OpDelete      Op = "delete"
	OpAddLabel    Op = "add_label"
	OpDeleteLabel Op = "delete_label"
	OpPull        Op = "pull"
)

// mix is the weighted operation distribution: mostly edits, some adds,
// occasional deletes and label churn.
var mix = []Op{
	OpAdd, OpAdd, OpAdd,
	OpToggle, OpToggle, OpToggle,
	OpDue, OpDue,
	OpLabels, OpLabels,
	OpDelete,
	OpAddLabel,
	OpDeleteLabel,
}

// Config controls a run.
type Config struct {
	Clients      int // concurrent sessions, one user each
	OpsPerClient int
	SeedTasks    int // tasks per user written before the run
	SeedLabels   int // labels per user written before the run
	Seed         int64
}

// DefaultConfig returns a small run.
func DefaultConfig() Config {
	return Config{Clients: 10, OpsPerClient: 20, SeedTasks: 20, SeedLabels: 3, Seed: 42}
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min        time.Duration `json:"min"`
	Max        time.Duration `json:"max"`
	Mean       time.Duration `json:"mean"`
	P50        time.Duration `json:"p50"` // Median
	P95        time.Duration `json:"p95"`
	P99        time.Duration `json:"p99"`
	Operations int           `json:"operations"`
}

// Result is the outcome of Run.
type Result struct {
	Clients  int                  `json:"clients"`
	Total    *LatencyStats        `json:"total"`
	PerOp    map[Op]*LatencyStats `json:"per_op"`
	Errors   int                  `json:"errors"`
	Elapsed  time.Duration        `json:"elapsed"`
	Failures []string             `json:"failures,omitempty"`
}

// Throughput returns operations per second.
func (r *Result) Throughput() float64 {
	if r.Elapsed <= 0 || r.Total == nil {
		return 0
	}
	return float64(r.Total.Operations) / r.Elapsed.Seconds()
}

// UserID returns the user simulated by client i.
func UserID(i int) string {
	return fmt.Sprintf("loadtest-user-%03d", i)
}

// Seed writes cfg.SeedTasks tasks and cfg.SeedLabels labels for each
// client's user directly to rs.
func Seed(ctx context.Context, rs remote.Store, cfg Config) error {
	tasks := service.NewTaskService(rs)
	labels := service.NewLabelService(rs)
	rng := rand.New(rand.NewSource(cfg.Seed))
	base := time.Now().Add(-30 * 24 * time.Hour).UTC().Truncate(time.Second)

	for c := 0; c < cfg.Clients; c++ {
		userID := UserID(c)
		labelIDs := make([]string, 0, cfg.SeedLabels)
		for i := 0; i < cfg.SeedLabels; i++ {
			l := schema.NewLabel(fmt.Sprintf("label-%d", i), "")
			if err := labels.Insert(ctx, l, userID); err != nil {
				return fmt.Errorf("failed to seed label for %s: %w", userID, err)
			}
			labelIDs = append(labelIDs, l.ID)
		}
		for i := 0; i < cfg.SeedTasks; i++ {
			var picked []string
			if len(labelIDs) > 0 && rng.Intn(2) == 0 {
				picked = []string{labelIDs[rng.Intn(len(labelIDs))]}
			}
			t := schema.NewTask(fmt.Sprintf("Seed task %d", i), userID, nil, picked)
			// Stagger creation times
			t.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			t.Completed = rng.Intn(4) == 0
			if err := tasks.Insert(ctx, t); err != nil {
				return fmt.Errorf("failed to seed task for %s: %w", userID, err)
			}
		}
	}
	return nil
}

// client is one simulated session.
type client struct {
	id    int
	st    *store.Store
	coord *tdsync.Coordinator
	rng   *rand.Rand

	durations map[Op][]time.Duration
	errors    []string
}

// Run starts cfg.Clients sessions and returns once every client has
// finished or ctx is done. Call Seed first for users that start with data.
func Run(ctx context.Context, rs remote.Store, cfg Config) (*Result, error) {
	if cfg.Clients <= 0 {
		return nil, fmt.Errorf("clients must be positive")
	}
	quiet := log.New(io.Discard, "", 0)

	clients := make([]*client, cfg.Clients)
	for i := range clients {
		st := store.New(rs, store.Options{
			Session: session.Static(UserID(i)),
			Logger:  quiet,
		})
		clients[i] = &client{
			id:        i,
			st:        st,
			coord:     tdsync.New(rs, st, tdsync.Options{Logger: quiet}),
			rng:       rand.New(rand.NewSource(cfg.Seed + int64(i))),
			durations: make(map[Op][]time.Duration),
		}
	}
	defer func() {
		for _, c := range clients {
			_ = c.st.Close()
		}
	}()

	start := time.Now()
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			c.run(ctx, cfg.OpsPerClient)
		}(c)
	}
	wg.Wait()

	res := &Result{
		Clients: cfg.Clients,
		PerOp:   make(map[Op]*LatencyStats),
		Elapsed: time.Since(start),
	}
	perOp := make(map[Op][]time.Duration)
	var all []time.Duration
	for _, c := range clients {
		for op, ds := range c.durations {
			perOp[op] = append(perOp[op], ds...)
			all = append(all, ds...)
		}
		res.Errors += len(c.errors)
		res.Failures = append(res.Failures, c.errors...)
	}
	for op, ds := range perOp {
		res.PerOp[op] = computeLatencyStats(ds)
	}
	res.Total = computeLatencyStats(all)

	if ctx.Err() == nil {
		for _, c := range clients {
			if err := c.verify(ctx, rs); err != nil {
				res.Failures = append(res.Failures, err.Error())
			}
		}
	}
	return res, nil
}

func (c *client) record(op Op, start time.Time, err error) {
	c.durations[op] = append(c.durations[op], time.Since(start))
	if err != nil {
		c.errors = append(c.errors, fmt.Sprintf("client %d %s: %v", c.id, op, err))
	}
}

func (c *client) run(ctx context.Context, ops int) {
	start := time.Now()
	_, err := c.coord.SessionEstablished(ctx, UserID(c.id))
	c.record(OpPull, start, err)

	for i := 0; i < ops && ctx.Err() == nil; i++ {
		op := mix[c.rng.Intn(len(mix))]
		start := time.Now()
		err := c.do(ctx, op, i)
		c.record(op, start, err)
	}
}

// do performs op. Operations that need a target and find none fall back
// to adding a task.
func (c *client) do(ctx context.Context, op Op, n int) error {
	tasks := c.st.Tasks.Tasks()
	labels := c.st.Labels.Labels()

	if len(tasks) == 0 && op != OpAddLabel && op != OpDeleteLabel {
		op = OpAdd
	}
	switch op {
	case OpToggle:
		_, err := c.st.Tasks.ToggleTask(ctx, tasks[c.rng.Intn(len(tasks))].ID)
		return err
	case OpDue:
		var due *time.Time
		if c.rng.Intn(3) > 0 {
			d := time.Now().Add(time.Duration(c.rng.Intn(14*24)) * time.Hour).UTC().Truncate(time.Second)
			due = &d
		}
		_, err := c.st.Tasks.UpdateTaskDueDate(ctx, tasks[c.rng.Intn(len(tasks))].ID, due)
		return err
	case OpLabels:
		var ids []string
		for _, l := range labels {
			if c.rng.Intn(2) == 0 {
				ids = append(ids, l.ID)
			}
		}
		_, err := c.st.Tasks.UpdateTaskLabels(ctx, tasks[c.rng.Intn(len(tasks))].ID, ids)
		return err
	case OpDelete:
		return c.st.Tasks.DeleteTask(ctx, tasks[c.rng.Intn(len(tasks))].ID)
	case OpAddLabel:
		_, err := c.st.Labels.AddLabel(ctx, fmt.Sprintf("client-%d-%d", c.id, n), "")
		return err
	case OpDeleteLabel:
		if len(labels) == 0 {
			_, err := c.st.Labels.AddLabel(ctx, fmt.Sprintf("client-%d-%d", c.id, n), "")
			return err
		}
		return c.st.Labels.DeleteLabel(ctx, labels[c.rng.Intn(len(labels))].ID)
	default:
		_, err := c.st.Tasks.AddTask(ctx, fmt.Sprintf("Client %d task %d", c.id, n), nil)
		return err
	}
}

// verify compares the client's local state with the remote store.
func (c *client) verify(ctx context.Context, rs remote.Store) error {
	userID := UserID(c.id)
	remoteTasks, _, err := service.NewTaskService(rs).List(ctx, userID)
	if err != nil {
		return fmt.Errorf("client %d: failed to list tasks: %w", c.id, err)
	}
	remoteLabels, err := service.NewLabelService(rs).List(ctx, userID)
	if err != nil {
		return fmt.Errorf("client %d: failed to list labels: %w", c.id, err)
	}

	local := make(map[string]schema.Task)
	for _, t := range c.st.Tasks.Tasks() {
		local[t.ID] = t
	}
	if len(local) != len(remoteTasks) {
		return fmt.Errorf("client %d: %d local tasks, %d remote", c.id, len(local), len(remoteTasks))
	}
	for _, rt := range remoteTasks {
		lt, ok := local[rt.ID]
		if !ok {
			return fmt.Errorf("client %d: remote task %s missing locally", c.id, rt.ID)
		}
		if lt.Completed != rt.Completed || !sameSet(lt.Labels, rt.Labels) || !sameTime(lt.DueDate, rt.DueDate) {
			return fmt.Errorf("client %d: task %s differs: local %+v remote %+v", c.id, rt.ID, lt, rt)
		}
	}
	if n := len(c.st.Labels.Labels()); n != len(remoteLabels) {
		return fmt.Errorf("client %d: %d local labels, %d remote", c.id, n, len(remoteLabels))
	}
	return nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			return false
		}
	}
	return true
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(durations),
	}
}

// Print formats the result.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Clients: %d  Operations: %d  Errors: %d  Elapsed: %v  (%.0f ops/s)\n",
		r.Clients, r.Total.Operations, r.Errors, r.Elapsed.Round(time.Millisecond), r.Throughput())
	fmt.Fprintf(w, "%-14s %6s %10s %10s %10s %10s\n", "op", "count", "p50", "p95", "p99", "max")

	ops := make([]string, 0, len(r.PerOp))
	for op := range r.PerOp {
		ops = append(ops, string(op))
	}
	sort.Strings(ops)
	for _, op := range ops {
		s := r.PerOp[Op(op)]
		fmt.Fprintf(w, "%-14s %6d %10v %10v %10v %10v\n", op, s.Operations,
			s.P50.Round(time.Microsecond), s.P95.Round(time.Microsecond),
			s.P99.Round(time.Microsecond), s.Max.Round(time.Microsecond))
	}
	for _, f := range r.Failures {
		fmt.Fprintf(w, "FAIL: %s\n", f)
	}
}
