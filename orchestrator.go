package memoria

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TaskKind names a background operation.
type TaskKind string

const (
	TaskChatAssemble TaskKind = "chat_assemble"
	TaskExtract      TaskKind = "extract"
	TaskSummarize    TaskKind = "summarize"
	TaskInsights     TaskKind = "insights"
	TaskCorrect      TaskKind = "correct"
)

// TaskState is the lifecycle state of a submitted task.
type TaskState int32

const (
	// TaskPending indicates the task is queued but not started.
	TaskPending TaskState = iota
	// TaskRunning indicates the handler is in progress.
	TaskRunning
	// TaskCompleted indicates the handler finished successfully.
	TaskCompleted
	// TaskFailed indicates the handler errored, was cancelled, or
	// exhausted its retry budget.
	TaskFailed
)

// String returns the state name.
func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is final.
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is the observable record of one background operation.
type Task struct {
	ID             string
	Kind           TaskKind
	UserID         string
	ConversationID string
	Payload        string // canonical payload string, kind-specific
	State          TaskState
	SubmittedAt    int64
	StartedAt      int64
	FinishedAt     int64
	Result         any
	Error          string
}

// Submission describes a task to enqueue. Payload must be canonical:
// equal payloads must produce equal strings, since the task id is
// derived from its hash.
type Submission struct {
	Kind           TaskKind
	UserID         string
	ConversationID string
	Payload        string
}

// TaskHandler executes one task kind. The returned value becomes
// Task.Result on success.
type TaskHandler func(ctx context.Context, t Task) (any, error)

// taskRun is the internal mutable record behind a Task. All fields are
// guarded by the orchestrator mutex; done is closed exactly once when
// the run reaches a terminal state.
type taskRun struct {
	task      Task
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithWorkers sets the worker pool size (default: 4).
func WithWorkers(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.workers = n }
}

// WithQueueCapacity sets the bounded queue size (default: 256).
// Submissions above capacity fail with *ErrOverload.
func WithQueueCapacity(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.queueCap = n }
}

// WithDedupWindow sets how long a terminal task id keeps absorbing
// duplicate submissions (default: 30s).
func WithDedupWindow(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.dedupWindow = d }
}

// WithTaskRetention sets how long terminal task records stay queryable
// before GC (default: 1h). Retention never drops below the dedup window.
func WithTaskRetention(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.retention = d }
}

// WithOrchestratorLogger sets the structured logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// TaskHook observes task completions. Used by the observer package to
// record task metrics without a package cycle.
type TaskHook func(kind TaskKind, state TaskState, d time.Duration)

// WithTaskHook registers a completion hook.
func WithTaskHook(h TaskHook) OrchestratorOption {
	return func(o *Orchestrator) { o.hook = h }
}

// Orchestrator submits and tracks background tasks.
//
// Task ids are deterministic over (kind, user, conversation, payload),
// so a duplicate submission within the dedup window returns the same
// id without enqueueing a second run. extract and summarize are
// single-flight per (user, conversation, kind): while one is live a
// second submission coalesces onto it.
type Orchestrator struct {
	handlers map[TaskKind]TaskHandler

	workers     int
	queueCap    int
	dedupWindow time.Duration
	retention   time.Duration
	deadlines   map[TaskKind]time.Duration
	attempts    map[TaskKind]int
	logger      *slog.Logger
	hook        TaskHook

	queue chan *taskRun

	mu      sync.Mutex
	tasks   map[string]*taskRun
	flights map[string]*taskRun // single-flight key -> live run

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewOrchestrator creates and starts the worker pool. Handlers map
// task kinds to their executors; kinds without a handler fail at
// submission time.
func NewOrchestrator(handlers map[TaskKind]TaskHandler, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		handlers:    handlers,
		workers:     4,
		queueCap:    256,
		dedupWindow: 30 * time.Second,
		retention:   time.Hour,
		deadlines: map[TaskKind]time.Duration{
			TaskExtract:   15 * time.Second,
			TaskSummarize: 20 * time.Second,
			TaskInsights:  30 * time.Second,
			TaskCorrect:   15 * time.Second,
		},
		attempts: map[TaskKind]int{
			TaskExtract:   3,
			TaskSummarize: 2,
			TaskInsights:  2,
			TaskCorrect:   2,
		},
		logger:  nopLogger,
		tasks:   make(map[string]*taskRun),
		flights: make(map[string]*taskRun),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.retention < o.dedupWindow {
		o.retention = o.dedupWindow
	}
	o.queue = make(chan *taskRun, o.queueCap)
	o.baseCtx, o.stop = context.WithCancel(context.Background())

	o.wg.Add(o.workers)
	for i := 0; i < o.workers; i++ {
		go o.worker()
	}
	return o
}

// singleFlight reports whether a kind is serialized per (user, conv).
func singleFlight(kind TaskKind) bool {
	return kind == TaskExtract || kind == TaskSummarize
}

func flightKey(kind TaskKind, userID, conversationID string) string {
	return userID + fieldSep + conversationID + fieldSep + string(kind)
}

// Submit enqueues a task and returns its deterministic id. A duplicate
// submission within the dedup window, or one that coalesces onto a
// live single-flight run, returns the existing id without enqueueing.
// A full queue fails with *ErrOverload.
func (o *Orchestrator) Submit(sub Submission) (string, error) {
	if _, ok := o.handlers[sub.Kind]; !ok {
		return "", &ErrFatal{Reason: fmt.Sprintf("no handler for task kind %q", sub.Kind)}
	}

	id := TaskID(sub.Kind, sub.UserID, sub.ConversationID, PayloadHash(sub.Payload))
	now := NowUnixMilli()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return "", &ErrFatal{Reason: "orchestrator stopped"}
	}
	o.gcLocked(now)

	if run, ok := o.tasks[id]; ok {
		if !run.task.State.IsTerminal() || now-run.task.FinishedAt < o.dedupWindow.Milliseconds() {
			return id, nil
		}
		// Stale terminal record: fall through and resubmit under the
		// same deterministic id.
	}

	if singleFlight(sub.Kind) {
		key := flightKey(sub.Kind, sub.UserID, sub.ConversationID)
		if live, ok := o.flights[key]; ok && !live.task.State.IsTerminal() {
			return live.task.ID, nil
		}
	}

	run := &taskRun{
		task: Task{
			ID:             id,
			Kind:           sub.Kind,
			UserID:         sub.UserID,
			ConversationID: sub.ConversationID,
			Payload:        sub.Payload,
			State:          TaskPending,
			SubmittedAt:    now,
		},
		done: make(chan struct{}),
	}

	select {
	case o.queue <- run:
	default:
		return "", &ErrOverload{Capacity: o.queueCap}
	}

	o.tasks[id] = run
	if singleFlight(sub.Kind) {
		o.flights[flightKey(sub.Kind, sub.UserID, sub.ConversationID)] = run
	}
	o.logger.Debug("task submitted", "task", id, "kind", sub.Kind, "user", sub.UserID)
	return id, nil
}

// Status returns a snapshot of the task record, or *ErrNotFound after
// the record has been garbage-collected.
func (o *Orchestrator) Status(taskID string) (Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.tasks[taskID]
	if !ok {
		return Task{}, &ErrNotFound{Kind: "task", ID: taskID}
	}
	return run.task, nil
}

// Cancel requests best-effort cancellation. A pending task fails
// without running; a running task observes the cancel at its next
// component boundary. In-flight external calls are not interrupted but
// their results are discarded.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.tasks[taskID]
	if !ok {
		return &ErrNotFound{Kind: "task", ID: taskID}
	}
	if run.task.State.IsTerminal() {
		return nil
	}
	run.cancelled = true
	if run.cancel != nil {
		run.cancel()
	}
	return nil
}

// Await blocks until the task reaches a terminal state or ctx is done.
func (o *Orchestrator) Await(ctx context.Context, taskID string) (Task, error) {
	o.mu.Lock()
	run, ok := o.tasks[taskID]
	o.mu.Unlock()
	if !ok {
		return Task{}, &ErrNotFound{Kind: "task", ID: taskID}
	}
	select {
	case <-run.done:
		return o.Status(taskID)
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Stop drains the pool: no new submissions are accepted, running tasks
// are cancelled, and Stop returns when every worker has exited or ctx
// expires.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker pulls runs off the shared queue until the orchestrator stops.
func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.baseCtx.Done():
			return
		case run := <-o.queue:
			o.execute(run)
		}
	}
}

// execute drives one run to a terminal state. Background tasks never
// panic outward; a recovered panic maps to a failed state.
func (o *Orchestrator) execute(run *taskRun) {
	o.mu.Lock()
	if run.cancelled {
		o.finishLocked(run, nil, context.Canceled, 0)
		o.mu.Unlock()
		return
	}
	run.task.State = TaskRunning
	run.task.StartedAt = NowUnixMilli()
	snapshot := run.task

	ctx := o.baseCtx
	var cancel context.CancelFunc
	if d, ok := o.deadlines[snapshot.Kind]; ok && d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	run.cancel = cancel
	o.mu.Unlock()
	defer cancel()

	handler := o.handlers[snapshot.Kind]
	attempts := o.attempts[snapshot.Kind]
	if attempts < 1 {
		attempts = 1
	}

	start := time.Now()
	var result any
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				o.logger.Error("task panic", "task", snapshot.ID, "kind", snapshot.Kind, "panic", fmt.Sprintf("%v", p))
				err = fmt.Errorf("task panic: %v", p)
			}
		}()
		result, err = retryCall(ctx, attempts, time.Second, string(snapshot.Kind), o.logger, func() (any, error) {
			return handler(ctx, snapshot)
		})
	}()

	o.mu.Lock()
	o.finishLocked(run, result, err, time.Since(start))
	o.mu.Unlock()
}

// finishLocked records the terminal state and releases the
// single-flight slot. Caller holds o.mu.
func (o *Orchestrator) finishLocked(run *taskRun, result any, err error, elapsed time.Duration) {
	run.task.FinishedAt = NowUnixMilli()
	if err != nil {
		run.task.State = TaskFailed
		if IsCancelled(err) || run.cancelled {
			run.task.Error = "cancelled: " + err.Error()
		} else {
			run.task.Error = err.Error()
		}
		o.logger.Error("task failed", "task", run.task.ID, "kind", run.task.Kind, "error", err, "duration", elapsed)
	} else {
		run.task.State = TaskCompleted
		run.task.Result = result
		o.logger.Info("task completed", "task", run.task.ID, "kind", run.task.Kind, "duration", elapsed)
	}

	if singleFlight(run.task.Kind) {
		key := flightKey(run.task.Kind, run.task.UserID, run.task.ConversationID)
		if o.flights[key] == run {
			delete(o.flights, key)
		}
	}
	close(run.done)

	if o.hook != nil {
		o.hook(run.task.Kind, run.task.State, elapsed)
	}
}

// gcLocked drops terminal records older than the retention window.
// Caller holds o.mu.
func (o *Orchestrator) gcLocked(now int64) {
	cutoff := now - o.retention.Milliseconds()
	for id, run := range o.tasks {
		if run.task.State.IsTerminal() && run.task.FinishedAt < cutoff {
			delete(o.tasks, id)
		}
	}
}
