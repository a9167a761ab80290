// Package daemon keeps a long-running td session in step with its store.
//
// The daemon:
//  1. Watches the SQLite store file (and its WAL) for writes made by other
//     processes and re-pulls after a debounce interval
//  2. Polls hosted stores, which have no local file to watch
//  3. Pushes dirty entities on a cron schedule
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/steveyegge/todosync/internal/store"
	tdsync "github.com/steveyegge/todosync/internal/sync"
)

// Resyncer re-pulls remote state. *sync.Coordinator implements it.
type Resyncer interface {
	Resync(ctx context.Context, userID string) (tdsync.Result, error)
}

// Reconciler pushes dirty entities. *store.Store implements it.
type Reconciler interface {
	Reconcile(ctx context.Context) (store.ReconcileResult, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// StorePath is the SQLite file to watch. Empty disables watching.
	StorePath string

	// DebounceInterval is how long the store file must be quiet before a
	// re-pull. This batches bursts of writes together.
	DebounceInterval time.Duration

	// PollInterval re-pulls on a timer. Zero disables polling.
	PollInterval time.Duration

	// ReconcileSchedule is a cron spec for pushing dirty entities, e.g.
	// "@every 30s". Empty disables reconciliation.
	ReconcileSchedule string

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval:  250 * time.Millisecond,
		ReconcileSchedule: "@every 30s",
		Logger:            log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Stats counts daemon activity.
type Stats struct {
	Resyncs        int64 `json:"resyncs"`
	ResyncFailures int64 `json:"resync_failures"`
	Reconciles     int64 `json:"reconciles"`
	FileEvents     int64 `json:"file_events"`
}

// Daemon orchestrates store watching, polling and reconciliation.
type Daemon struct {
	userID     string
	resync     Resyncer
	reconciler Reconciler
	config     *Config

	watcher       *fsnotify.Watcher
	watched       map[string]bool // base names of the store file and its WAL
	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	scheduler *cron.Cron

	resyncs        atomic.Int64
	resyncFailures atomic.Int64
	reconciles     atomic.Int64
	fileEvents     atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon with the default configuration watching storePath.
func New(storePath, userID string, r Resyncer, rc Reconciler) (*Daemon, error) {
	cfg := DefaultConfig()
	cfg.StorePath = storePath
	return NewWithConfig(userID, r, rc, cfg)
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(userID string, r Resyncer, rc Reconciler, config *Config) (*Daemon, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}
	if r == nil {
		return nil, fmt.Errorf("resyncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	d := &Daemon{
		userID:      userID,
		resync:      r,
		reconciler:  rc,
		config:      config,
		watched:     make(map[string]bool),
		changeQueue: make(map[string]time.Time),
	}

	if config.StorePath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher
		base := filepath.Base(config.StorePath)
		d.watched[base] = true
		d.watched[base+"-wal"] = true
	}

	if config.ReconcileSchedule != "" {
		if rc == nil {
			return nil, fmt.Errorf("reconcile schedule set without a reconciler")
		}
		d.scheduler = cron.New(
			cron.WithLogger(cron.PrintfLogger(config.Logger)),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(config.Logger))),
		)
		if _, err := d.scheduler.AddFunc(config.ReconcileSchedule, d.runReconcile); err != nil {
			if d.watcher != nil {
				_ = d.watcher.Close()
			}
			return nil, fmt.Errorf("invalid reconcile schedule %q: %w", config.ReconcileSchedule, err)
		}
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
//  1. Re-pull remote state once
//  2. Start watching the store file
//  3. Start polling and the reconcile schedule
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	d.runResync("startup")

	if d.watcher != nil {
		// Watch the directory: SQLite replaces and truncates its files.
		dir := filepath.Dir(d.config.StorePath)
		if err := d.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch store directory: %w", err)
		}
		d.config.Logger.Printf("Watching: %s", d.config.StorePath)

		d.wg.Add(2)
		go d.watchFileEvents()
		go d.processChangeQueue()
	}

	if d.config.PollInterval > 0 {
		d.wg.Add(1)
		go d.poll()
	}

	if d.scheduler != nil {
		d.scheduler.Start()
		d.config.Logger.Printf("Reconciling on schedule %q", d.config.ReconcileSchedule)
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. Running jobs are allowed to
// finish.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}
	if d.scheduler != nil {
		<-d.scheduler.Stop().Done()
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// Stats returns activity counters.
func (d *Daemon) Stats() Stats {
	return Stats{
		Resyncs:        d.resyncs.Load(),
		ResyncFailures: d.resyncFailures.Load(),
		Reconciles:     d.reconciles.Load(),
		FileEvents:     d.fileEvents.Load(),
	}
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !d.watched[filepath.Base(event.Name)] {
				continue
			}

			d.fileEvents.Add(1)
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records a change, restarting its debounce window.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if d.takeSettledChanges() {
				d.runResync("store file changed")
			}
		}
	}
}

// takeSettledChanges drains the queue once every change has been quiet
// for the debounce interval. It reports whether anything was drained.
func (d *Daemon) takeSettledChanges() bool {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	if len(d.changeQueue) == 0 {
		return false
	}
	now := time.Now()
	for _, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			return false
		}
	}
	d.changeQueue = make(map[string]time.Time)
	return true
}

// poll re-pulls on PollInterval.
func (d *Daemon) poll() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runResync("poll")
		}
	}
}

// runResync pushes dirty entities first so the pull does not overwrite
// them, then re-pulls.
func (d *Daemon) runResync(reason string) {
	if d.reconciler != nil {
		d.runReconcile()
	}
	res, err := d.resync.Resync(d.ctx, d.userID)
	if err != nil {
		d.resyncFailures.Add(1)
		if d.ctx.Err() == nil {
			d.config.Logger.Printf("Error re-pulling (%s): %v", reason, err)
		}
		return
	}
	d.resyncs.Add(1)
	d.config.Logger.Printf("Re-pulled (%s): tasks=%d labels=%d", reason, res.Tasks, res.Labels)
}

func (d *Daemon) runReconcile() {
	res, err := d.reconciler.Reconcile(d.ctx)
	d.reconciles.Add(1)
	if err != nil {
		d.config.Logger.Printf("Error reconciling: %v", err)
		return
	}
	if res.Pushed+res.Deleted > 0 {
		d.config.Logger.Printf("Reconciled: pushed=%d deleted=%d", res.Pushed, res.Deleted)
	}
}
