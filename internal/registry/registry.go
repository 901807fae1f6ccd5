package registry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Mutation outcomes. Handlers map these onto HTTP statuses.
var (
	ErrConflict          = errors.New("registry: task already in flight")
	ErrPoolFull          = errors.New("registry: pool is full")
	ErrNotFound          = errors.New("registry: unknown task")
	ErrInvalidTransition = errors.New("registry: invalid state transition")
)

type record struct {
	task            Task
	cancelRequested bool
}

// Registry is the authoritative table of tasks: a mutex-guarded map plus the
// ordered queue of queued ids. All mutations are in-memory and never touch
// disk (cancelling a queued task scans the queued ids, which the capacity
// bounds); artifact cleanup for evicted tasks is the caller's job.
type Registry struct {
	mu         sync.Mutex
	tasks      map[string]*record
	queued     []string
	processing string
	capacity   int
	wake       chan struct{}
}

// New builds a Registry with the given admission capacity.
func New(capacity int) *Registry {
	return &Registry{
		tasks:    make(map[string]*record),
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// Wake signals whenever a task is admitted. The worker selects on it instead
// of busy-polling the queue.
func (r *Registry) Wake() <-chan struct{} {
	return r.wake
}

func (r *Registry) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registry) poolSizeLocked() int {
	size := len(r.queued)
	if r.processing != "" {
		size++
	}
	return size
}

// Admit appends a new task to the queue. A terminal task with the same id is
// evicted first and returned so the caller can remove its artifacts; a
// non-terminal duplicate is rejected with ErrConflict, and a full pool with
// ErrPoolFull.
func (r *Registry) Admit(taskID, model, bundlePath string, now time.Time) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.tasks[taskID]
	if exists && !existing.task.State.Terminal() {
		return nil, ErrConflict
	}
	if r.poolSizeLocked() >= r.capacity {
		return nil, ErrPoolFull
	}

	var evicted *Task
	if exists {
		snapshot := snapshotOf(existing)
		evicted = &snapshot
		delete(r.tasks, taskID)
	}

	r.tasks[taskID] = &record{task: Task{
		ID:          taskID,
		Model:       model,
		State:       StateQueued,
		SubmittedAt: now.UTC(),
		BundlePath:  bundlePath,
	}}
	r.queued = append(r.queued, taskID)
	r.signal()
	return evicted, nil
}

// ClaimNext pops the queue head and marks it processing. It returns nil when
// the queue is empty or another task is already being processed.
func (r *Registry) ClaimNext(now time.Time) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.processing != "" || len(r.queued) == 0 {
		return nil
	}

	taskID := r.queued[0]
	r.queued = r.queued[1:]
	rec := r.tasks[taskID]
	if rec == nil {
		return nil
	}

	started := now.UTC()
	rec.task.State = StateProcessing
	rec.task.StartedAt = &started
	r.processing = taskID

	snapshot := snapshotOf(rec)
	return &snapshot
}

// Complete transitions a processing task to completed with its result
// descriptor. Calling it again on an already-completed task is a no-op.
func (r *Registry) Complete(taskID string, result Result, now time.Time) error {
	return r.finish(taskID, StateCompleted, func(rec *record) {
		res := result
		rec.task.Result = &res
	}, now)
}

// Fail transitions a task to failed with a machine-readable error.
// Idempotent on already-failed tasks.
func (r *Registry) Fail(taskID, code, message string, now time.Time) error {
	return r.finish(taskID, StateFailed, func(rec *record) {
		rec.task.Err = &TaskError{Code: code, Message: message}
	}, now)
}

func (r *Registry) finish(taskID string, final State, apply func(*record), now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if rec.task.State.Terminal() {
		if rec.task.State == final {
			return nil
		}
		return ErrInvalidTransition
	}

	finished := now.UTC()
	rec.task.State = final
	rec.task.FinishedAt = &finished
	apply(rec)
	if r.processing == taskID {
		r.processing = ""
	}
	return nil
}

// Cancel requests cancellation. A queued task transitions to cancelled
// immediately (reported by the bool); a processing task is only marked, and
// the worker observes the mark. Repeating a cancel is a no-op.
func (r *Registry) Cancel(taskID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return false, ErrNotFound
	}
	switch rec.task.State {
	case StateQueued:
		for i, id := range r.queued {
			if id == taskID {
				r.queued = append(r.queued[:i], r.queued[i+1:]...)
				break
			}
		}
		finished := now.UTC()
		rec.task.State = StateCancelled
		rec.task.FinishedAt = &finished
		return true, nil
	case StateProcessing:
		rec.cancelRequested = true
		return false, nil
	case StateCancelled:
		return false, nil
	default:
		return false, ErrInvalidTransition
	}
}

// CancelRequested reports whether cancellation was requested for a task.
func (r *Registry) CancelRequested(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[taskID]
	return ok && rec.cancelRequested
}

// MarkCancelled finalizes a claimed-but-not-started task as cancelled. Used
// by the worker when it observes a cancel mark before spawning the child.
func (r *Registry) MarkCancelled(taskID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if rec.task.State.Terminal() {
		if rec.task.State == StateCancelled {
			return nil
		}
		return ErrInvalidTransition
	}
	finished := now.UTC()
	rec.task.State = StateCancelled
	rec.task.FinishedAt = &finished
	if r.processing == taskID {
		r.processing = ""
	}
	return nil
}

// ClearResult drops a completed task's result descriptor. The record stays.
func (r *Registry) ClearResult(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[taskID]
	if !ok || rec.task.Result == nil {
		return false
	}
	rec.task.Result = nil
	return true
}

// Evict removes a terminal task record entirely and returns its snapshot.
func (r *Registry) Evict(taskID string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[taskID]
	if !ok || !rec.task.State.Terminal() {
		return nil, false
	}
	snapshot := snapshotOf(rec)
	delete(r.tasks, taskID)
	return &snapshot, true
}

// Status returns a snapshot of a task.
func (r *Registry) Status(taskID string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return snapshotOf(rec), true
}

// PoolView returns the derived admission status.
func (r *Registry) PoolView() PoolStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	processing := 0
	if r.processing != "" {
		processing = 1
	}
	size := r.poolSizeLocked()
	return PoolStatus{
		IsFull:          size >= r.capacity,
		CurrentSize:     size,
		MaxSize:         r.capacity,
		ProcessingCount: processing,
	}
}

// Tasks returns snapshots of every known task ordered by submission time.
func (r *Registry) Tasks() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks := make([]Task, 0, len(r.tasks))
	for _, rec := range r.tasks {
		tasks = append(tasks, snapshotOf(rec))
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].SubmittedAt.Equal(tasks[j].SubmittedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].SubmittedAt.Before(tasks[j].SubmittedAt)
	})
	return tasks
}

// CountsByState aggregates tasks per state.
func (r *Registry) CountsByState() map[State]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[State]int, len(allStates))
	for _, rec := range r.tasks {
		counts[rec.task.State]++
	}
	return counts
}

func snapshotOf(rec *record) Task {
	task := rec.task
	if rec.task.StartedAt != nil {
		started := *rec.task.StartedAt
		task.StartedAt = &started
	}
	if rec.task.FinishedAt != nil {
		finished := *rec.task.FinishedAt
		task.FinishedAt = &finished
	}
	if rec.task.Err != nil {
		errCopy := *rec.task.Err
		task.Err = &errCopy
	}
	if rec.task.Result != nil {
		resCopy := *rec.task.Result
		task.Result = &resCopy
	}
	return task
}
