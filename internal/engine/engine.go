// Package engine schedules review tasks onto a bounded worker pool and
// drives each task end to end: checkout, batch planning, assistant
// invocation, report parsing, persistence, and post-completion hooks.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/reviewd/internal/config"
	"git.home.luguber.info/inful/reviewd/internal/events"
	"git.home.luguber.info/inful/reviewd/internal/metrics"
	"git.home.luguber.info/inful/reviewd/internal/platform"
	"git.home.luguber.info/inful/reviewd/internal/retry"
	"git.home.luguber.info/inful/reviewd/internal/runner"
	"git.home.luguber.info/inful/reviewd/internal/store"
	"git.home.luguber.info/inful/reviewd/internal/workingcopy"
)

// ErrQueueFull is returned by Submit when no worker slot frees up fast
// enough. The task row stays pending and is re-enqueued on the next start.
var ErrQueueFull = fmt.Errorf("engine: task queue full")

// ClientFactory builds a platform API client for a repository. Swapped out
// in tests.
type ClientFactory func(repo *config.Repository) (platform.Client, error)

// Options wires the engine's collaborators. Config, Store, Copies and
// Runner are required; the rest default to no-ops.
type Options struct {
	Config   func() *config.Config
	Store    *store.Store
	Copies   *workingcopy.Manager
	Runner   runner.Runner
	Recorder metrics.Recorder
	Notifier events.Notifier
	Logger   *slog.Logger
	Clients  ClientFactory
	Retry    retry.Policy
}

// Engine is the review scheduler. It accepts tasks through Submit (the
// webhook handler and poller both feed it), fans them out to a fixed number
// of workers, and serializes work per repository through the working copy
// lock.
type Engine struct {
	cfg     func() *config.Config
	st      *store.Store
	copies  *workingcopy.Manager
	run     runner.Runner
	rec     metrics.Recorder
	notify  events.Notifier
	log     *slog.Logger
	clients ClientFactory
	retry   retry.Policy

	queue chan string
	quit  chan struct{}
	wg    sync.WaitGroup
	busy  atomic.Int64

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu      sync.Mutex
	started bool
	cancels map[string]context.CancelFunc
	// dropped holds pending task ids cancelled before a worker picked them
	// up; userCancel marks processing tasks cancelled on request so the
	// pipeline can tell a user cancel from a shutdown.
	dropped    map[string]struct{}
	userCancel map[string]struct{}
}

// New builds an engine. It does not start workers; call Start.
func New(opts Options) *Engine {
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	if opts.Notifier == nil {
		opts.Notifier = events.NoopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clients == nil {
		opts.Clients = func(repo *config.Repository) (platform.Client, error) {
			return platform.New(repo, nil)
		}
	}
	if opts.Retry.Validate() != nil {
		opts.Retry = retry.DefaultPolicy()
	}
	size := opts.Config().Engine.QueueSize
	if size <= 0 {
		size = 256
	}
	return &Engine{
		cfg:        opts.Config,
		st:         opts.Store,
		copies:     opts.Copies,
		run:        opts.Runner,
		rec:        opts.Recorder,
		notify:     opts.Notifier,
		log:        opts.Logger,
		clients:    opts.Clients,
		retry:      opts.Retry,
		queue:      make(chan string, size),
		quit:       make(chan struct{}),
		cancels:    make(map[string]context.CancelFunc),
		dropped:    make(map[string]struct{}),
		userCancel: make(map[string]struct{}),
	}
}

// Start recovers interrupted state and launches the worker pool. Tasks left
// processing by a crash are failed ("aborted by restart"); tasks still
// pending are re-enqueued in creation order.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.runCtx, e.cancelRun = context.WithCancel(context.Background())
	e.mu.Unlock()

	recovered, err := e.st.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	}
	if recovered > 0 {
		e.log.Warn("failed tasks interrupted by previous shutdown", "count", recovered)
	}

	pending, err := e.st.PendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("load pending tasks: %w", err)
	}
	for i := range pending {
		select {
		case e.queue <- pending[i].ID:
		default:
			e.log.Warn("queue full during recovery, task stays pending", "task_id", pending[i].ID)
		}
	}
	if len(pending) > 0 {
		e.log.Info("re-enqueued pending tasks", "count", len(pending))
	}
	e.rec.SetQueueDepth(len(e.queue))

	workers := e.cfg().Engine.Workers
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	e.log.Info("engine started", "workers", workers, "queue_size", cap(e.queue))
	return nil
}

// Stop shuts the pool down: workers stop picking up new tasks, in-flight
// tasks get the configured grace to finish, and whatever is still running
// after that is cancelled and finalized as failed.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	grace := e.cfg().Engine.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	e.log.Info("engine stopping", "grace", grace)
	close(e.quit)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		e.log.Warn("shutdown grace elapsed, cancelling in-flight tasks")
		e.cancelRun()
		<-done
	}
	e.cancelRun()
	e.log.Info("engine stopped")
}

// Submit persists the task and hands it to the worker pool. It implements
// the ingest queue contract; store.ErrDuplicateTask passes through so
// callers can report duplicates.
func (e *Engine) Submit(ctx context.Context, task *store.Task) error {
	if err := e.st.CreateTask(ctx, task); err != nil {
		return err
	}
	select {
	case e.queue <- task.ID:
	default:
		// Persisted but not scheduled; recovery will pick it up.
		e.log.Warn("task queue full", "task_id", task.ID)
		return ErrQueueFull
	}
	e.rec.SetQueueDepth(len(e.queue))
	e.notify.Publish(events.TaskEvent{
		Type:        events.EventQueued,
		TaskID:      task.ID,
		RepoID:      task.RepoID,
		Strategy:    task.Strategy,
		RevisionRef: task.RevisionRef,
		Status:      store.StatusPending,
	})
	return nil
}

// Cancel aborts a task. A pending task is finalized immediately and skipped
// when a worker dequeues it; a processing task has its subprocess killed and
// keeps the batches that already finished. Terminal tasks return
// store.ErrTerminalTask.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	task, err := e.st.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case store.StatusPending:
		e.mu.Lock()
		e.dropped[taskID] = struct{}{}
		e.mu.Unlock()
		sum := store.Summary{QualityScore: 0, ErrorMessage: "cancelled before start"}
		return e.st.FinalizeTask(ctx, taskID, store.StatusCancelled, nil, sum, "")
	case store.StatusProcessing:
		e.mu.Lock()
		cancel, running := e.cancels[taskID]
		if running {
			e.userCancel[taskID] = struct{}{}
		}
		e.mu.Unlock()
		if !running {
			return fmt.Errorf("task %s is processing but not running here", taskID)
		}
		cancel()
		return nil
	default:
		return store.ErrTerminalTask
	}
}

// QueueDepth reports tasks waiting for a worker slot.
func (e *Engine) QueueDepth() int { return len(e.queue) }

// WorkersBusy reports occupied worker slots.
func (e *Engine) WorkersBusy() int { return int(e.busy.Load()) }

func (e *Engine) worker(id int) {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		case taskID := <-e.queue:
			e.rec.SetQueueDepth(len(e.queue))
			e.process(taskID)
		}
	}
}

func (e *Engine) process(taskID string) {
	e.mu.Lock()
	_, skip := e.dropped[taskID]
	delete(e.dropped, taskID)
	e.mu.Unlock()
	if skip {
		return
	}

	ctx, cancel := context.WithCancel(e.runCtx)
	defer cancel()
	e.mu.Lock()
	e.cancels[taskID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, taskID)
		delete(e.userCancel, taskID)
		e.mu.Unlock()
	}()

	task, err := e.st.GetTask(ctx, taskID)
	if err != nil {
		e.log.Error("load queued task", "task_id", taskID, "error", err)
		return
	}
	if task.Status != store.StatusPending {
		// Cancelled or finalized while queued.
		return
	}

	e.rec.SetWorkersBusy(int(e.busy.Add(1)))
	defer func() { e.rec.SetWorkersBusy(int(e.busy.Add(-1))) }()

	e.review(ctx, task)
}

func (e *Engine) cancelledByUser(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.userCancel[taskID]
	return ok
}
