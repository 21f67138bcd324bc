// Package registry implements the Agent Task Registry (spec §4.5): the
// process-wide map from message_id to its RunningTask, the single entry
// point for starting a background execution, and the garbage collector
// that reclaims completed tasks once their retention window passes.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/agentcore/runtime/agentcoreerrors"
	"goa.design/agentcore/runtime/executor"
	"goa.design/agentcore/runtime/runindex"
	"goa.design/agentcore/runtime/telemetry"
	"goa.design/agentcore/runtime/writer"
)

// RunningTask is the registry's record of one background execution.
type RunningTask struct {
	MessageID string
	ChatID    string
	StartedAt time.Time

	handle   *executor.Handle
	finished chan struct{}

	mu          sync.Mutex
	watchers    map[string]struct{}
	completedAt time.Time
	lastStatus  runindex.Status
}

// LastStatus returns the task's terminal lifecycle status once it has
// completed, and whether it has completed at all. A task paused for human
// input completes with runindex.StatusInterrupted rather than Completed or
// Failed (spec §9's resume endpoint).
func (t *RunningTask) LastStatus() (runindex.Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completedAt.IsZero() {
		return "", false
	}
	return t.lastStatus, true
}

// IsRunning reports whether the underlying execution has not yet
// completed.
func (t *RunningTask) IsRunning() bool {
	select {
	case <-t.handle.Done():
		return false
	default:
		return true
	}
}

// Wait blocks until the task completes and its completion has been
// recorded (so LastStatus and CompletedAt report it), or until ctx is
// canceled. A canceled ctx only stops the caller from waiting; the
// underlying execution is cancellation-shielded and keeps running.
func (t *RunningTask) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.finished:
		return t.handle.Wait(context.Background())
	}
}

// CompletedAt returns the time the task finished, and whether it has
// finished at all.
func (t *RunningTask) CompletedAt() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completedAt.IsZero() {
		return time.Time{}, false
	}
	return t.completedAt, true
}

// WatcherCount returns the number of SSE connections currently observing
// this task's stream.
func (t *RunningTask) WatcherCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.watchers)
}

// Registry is the Agent Task Registry.
type Registry struct {
	writer   *writer.Writer
	index    runindex.Store
	gcMaxAge time.Duration
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	mu    sync.RWMutex
	tasks map[string]*RunningTask

	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures a Registry.
type Options struct {
	Writer *writer.Writer
	// Index, if set, durably records each task's lifecycle so it remains
	// queryable after the in-memory GC window reclaims it.
	Index      runindex.Store
	GCMaxAge   time.Duration
	GCInterval time.Duration
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics
}

const (
	defaultGCMaxAge   = 24 * time.Hour
	defaultGCInterval = 5 * time.Minute
)

// New constructs a Registry and starts its background GC loop. Call Close
// to stop it when the process shuts down (RunningTasks themselves are not
// affected; they are cancellation-shielded).
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	gcMaxAge := opts.GCMaxAge
	if gcMaxAge <= 0 {
		gcMaxAge = defaultGCMaxAge
	}
	gcInterval := opts.GCInterval
	if gcInterval <= 0 {
		gcInterval = defaultGCInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		writer:   opts.Writer,
		index:    opts.Index,
		gcMaxAge: gcMaxAge,
		logger:   logger,
		metrics:  metrics,
		tasks:    make(map[string]*RunningTask),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.gcLoop(ctx, gcInterval)
	return r
}

// Start begins a background execution for message_id if one is not
// already running, idempotently returning the existing RunningTask
// otherwise (spec I4: starting an already-running message_id never spawns
// a second execution).
func (r *Registry) Start(ctx context.Context, messageID, chatID string, agent executor.Agent) (*RunningTask, error) {
	if messageID == "" {
		return nil, agentcoreerrors.New(agentcoreerrors.KindAgentFault, "message id is required")
	}

	r.mu.Lock()
	if existing, ok := r.tasks[messageID]; ok {
		r.mu.Unlock()
		if existing.IsRunning() {
			return existing, agentcoreerrors.New(agentcoreerrors.KindIdempotent, "message already running")
		}
		// A prior run for this message_id completed; starting again is a
		// fresh logical execution and replaces the registry entry.
	} else {
		r.mu.Unlock()
	}

	return r.startTask(ctx, messageID, chatID, agent), nil
}

// Resume restarts a background execution under the same message_id as a
// prior run that was interrupted for human input. A prior task for
// message_id must still be in the registry. If it is still running, Resume
// returns it with a KindIdempotent error, as Start does; otherwise it must
// have completed in StatusInterrupted, and a missing, completed or failed
// prior run is rejected with a KindAgentFault error (spec §9: the resume endpoint reuses
// the interrupted message_id, grounded on
// api/streaming_router.py:704-728's same-message_id update).
func (r *Registry) Resume(ctx context.Context, messageID, chatID string, agent executor.Agent) (*RunningTask, error) {
	if messageID == "" {
		return nil, agentcoreerrors.New(agentcoreerrors.KindAgentFault, "message id is required")
	}

	existing, ok := r.Get(messageID)
	if !ok {
		return nil, agentcoreerrors.New(agentcoreerrors.KindAgentFault, "no prior run found for message id")
	}
	if existing.IsRunning() {
		return existing, agentcoreerrors.New(agentcoreerrors.KindIdempotent, "message already running")
	}
	status, done := existing.LastStatus()
	if !done || status != runindex.StatusInterrupted {
		return nil, agentcoreerrors.New(agentcoreerrors.KindAgentFault, "message is not interrupted")
	}

	return r.startTask(ctx, messageID, chatID, agent), nil
}

// startTask runs agent as a fresh RunningTask under message_id, replacing
// whatever entry (if any) previously occupied that slot, and arranges for
// its terminal runindex status — including StatusInterrupted when the
// agent paused for human input — to be recorded once it completes.
func (r *Registry) startTask(ctx context.Context, messageID, chatID string, agent executor.Agent) *RunningTask {
	task := &RunningTask{
		MessageID: messageID,
		ChatID:    chatID,
		StartedAt: time.Now(),
		watchers:  make(map[string]struct{}),
		finished:  make(chan struct{}),
	}
	task.handle = executor.Run(ctx, executor.Options{
		Writer:    r.writer,
		MessageID: messageID,
		ChatID:    chatID,
		Agent:     agent,
		Logger:    r.logger,
		Metrics:   r.metrics,
	})

	r.mu.Lock()
	r.tasks[messageID] = task
	r.mu.Unlock()

	r.upsertIndex(context.Background(), task, runindex.StatusRunning, "")

	go func() {
		<-task.handle.Done()

		status := runindex.StatusCompleted
		errMsg := ""
		if err := task.handle.Wait(context.Background()); err != nil {
			var aerr *agentcoreerrors.Error
			if errors.As(err, &aerr) && aerr.Kind == agentcoreerrors.KindInterrupted {
				status = runindex.StatusInterrupted
			} else {
				status = runindex.StatusFailed
			}
			errMsg = err.Error()
		}

		task.mu.Lock()
		task.completedAt = time.Now()
		task.lastStatus = status
		task.mu.Unlock()
		close(task.finished)

		r.upsertIndex(context.Background(), task, status, errMsg)
	}()

	return task
}

func (r *Registry) upsertIndex(ctx context.Context, task *RunningTask, status runindex.Status, errMsg string) {
	if r.index == nil {
		return
	}
	if err := r.index.Upsert(ctx, runindex.Record{
		MessageID: task.MessageID,
		ChatID:    task.ChatID,
		Status:    status,
		StartedAt: task.StartedAt,
		UpdatedAt: time.Now(),
		Error:     errMsg,
	}); err != nil {
		r.logger.Warn(ctx, "registry: run index upsert failed", "message_id", task.MessageID, "error", err.Error())
	}
}

// Get returns the RunningTask for message_id, if one exists.
func (r *Registry) Get(messageID string) (*RunningTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[messageID]
	return t, ok
}

// List returns every RunningTask currently tracked, running or completed
// but not yet garbage-collected.
func (r *Registry) List() []*RunningTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RunningTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// RegisterWatcher records that watcherID is observing message_id's stream.
// It has no effect on the task's lifecycle; a watcher disconnecting never
// aborts the underlying execution (spec: watcher/task lifecycle
// independence).
func (r *Registry) RegisterWatcher(messageID, watcherID string) {
	t, ok := r.Get(messageID)
	if !ok {
		return
	}
	t.mu.Lock()
	t.watchers[watcherID] = struct{}{}
	t.mu.Unlock()
}

// UnregisterWatcher removes watcherID's registration for message_id.
func (r *Registry) UnregisterWatcher(messageID, watcherID string) {
	t, ok := r.Get(messageID)
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.watchers, watcherID)
	t.mu.Unlock()
}

// GC removes completed RunningTasks whose completion time is older than
// the registry's retention window. Returns the number of tasks removed.
func (r *Registry) GC() int {
	cutoff := time.Now().Add(-r.gcMaxAge)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, t := range r.tasks {
		completedAt, done := t.CompletedAt()
		if !done || completedAt.After(cutoff) {
			continue
		}
		delete(r.tasks, id)
		removed++
	}
	return removed
}

// Close stops the background GC loop.
func (r *Registry) Close() {
	r.cancel()
	<-r.done
}

func (r *Registry) gcLoop(ctx context.Context, interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.GC(); n > 0 {
				r.logger.Info(ctx, "registry: garbage collected completed tasks", "count", n)
				r.metrics.IncCounter("registry_gc_removed_total", float64(n))
			}
		}
	}
}
